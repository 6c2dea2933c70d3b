package i18n

import (
	"golang.org/x/text/language"

	"renderflow/internal/domain"
)

var supported = []language.Tag{
	language.English,    // en: default
	language.Indonesian, // id
}

var matcher = language.NewMatcher(supported)

var statusText = map[string]map[domain.JobStatus]string{
	"en": {
		domain.JobStatusPending:    "Waiting in queue",
		domain.JobStatusProcessing: "Generating your video",
		domain.JobStatusCompleted:  "Your video is ready",
		domain.JobStatusFailed:     "Generation failed",
	},
	"id": {
		domain.JobStatusPending:    "Menunggu antrean",
		domain.JobStatusProcessing: "Membuat video Anda",
		domain.JobStatusCompleted:  "Video Anda sudah siap",
		domain.JobStatusFailed:     "Pembuatan gagal",
	},
}

// MatchLocale resolves an Accept-Language header (or explicit locale tag) to
// a supported locale, defaulting to English.
func MatchLocale(acceptLanguage string) string {
	if acceptLanguage == "" {
		return "en"
	}
	tag, _ := language.MatchStrings(matcher, acceptLanguage)
	base, _ := tag.Base()
	if _, ok := statusText[base.String()]; ok {
		return base.String()
	}
	return "en"
}

// StatusText returns the user-facing description of a job status in the
// given locale.
func StatusText(locale string, status domain.JobStatus) string {
	texts, ok := statusText[locale]
	if !ok {
		texts = statusText["en"]
	}
	if text, ok := texts[status]; ok {
		return text
	}
	return string(status)
}
