package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderflow/internal/domain"
	"renderflow/internal/i18n"
	"renderflow/internal/middleware"
)

type progressEvent struct {
	JobID                     string `json:"job_id"`
	Progress                  int    `json:"progress"`
	Status                    string `json:"status"`
	StatusText                string `json:"status_text"`
	Message                   string `json:"message,omitempty"`
	ResultURL                 string `json:"result_url,omitempty"`
	Error                     string `json:"error,omitempty"`
	IsRealProgress            bool   `json:"is_real_progress"`
	EstimatedRemainingSeconds int    `json:"estimated_remaining_seconds"`
}

// VideoProgress streams progress updates for a job as server-sent events
// until the job reaches a terminal state or the client disconnects.
func (a *App) VideoProgress(w http.ResponseWriter, r *http.Request) {
	ownerID := a.currentUserID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.OwnerID != ownerID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	locale := middleware.LocaleFromContext(r.Context())
	events := make(chan domain.ProgressRecord, 16)
	unsubscribe := a.Tracker.Subscribe(jobID, func(rec domain.ProgressRecord) {
		select {
		case events <- rec:
		default:
			// Slow consumer: drop the intermediate sample, a newer one follows.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec := <-events:
			payload, err := json.Marshal(progressEvent{
				JobID:                     rec.JobID,
				Progress:                  rec.Progress,
				Status:                    string(rec.Status),
				StatusText:                i18n.StatusText(locale, rec.Status),
				Message:                   rec.Message,
				ResultURL:                 rec.ResultURL,
				Error:                     rec.ErrorMessage,
				IsRealProgress:            rec.IsRealProgress,
				EstimatedRemainingSeconds: int(rec.EstimatedRemaining.Seconds()),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if rec.Status.Terminal() {
				return
			}
		}
	}
}
