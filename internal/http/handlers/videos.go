package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderflow/internal/domain"
	"renderflow/internal/i18n"
	"renderflow/internal/middleware"
)

type videoGenerateRequest struct {
	Prompt   string `json:"prompt"`
	Quality  string `json:"quality"`
	Provider string `json:"provider"`
	Priority int    `json:"priority"`
	Credits  int    `json:"credits"`
}

type submitResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	StatusText           string `json:"status_text"`
	QueuePosition        int    `json:"queue_position,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes,omitempty"`
}

func (a *App) VideosGenerate(w http.ResponseWriter, r *http.Request) {
	ownerID := a.currentUserID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req videoGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt required")
		return
	}
	quality := domain.Quality(req.Quality)
	if quality != domain.QualityPro {
		quality = domain.QualityFast
	}
	if req.Provider == "" {
		req.Provider = "veo2"
	}

	result, err := a.Controller.Submit(r.Context(), ownerID, domain.JobSpec{
		Prompt:   req.Prompt,
		Quality:  quality,
		Provider: req.Provider,
		Credits:  req.Credits,
	}, req.Priority)
	if err != nil {
		var denied *domain.AdmissionDeniedError
		var insufficient *domain.InsufficientCreditsError
		switch {
		case errors.As(err, &denied):
			a.json(w, http.StatusTooManyRequests, map[string]any{
				"error":        "quota_exceeded",
				"message":      denied.Error(),
				"active_count": denied.ActiveCount,
				"max_allowed":  denied.MaxAllowed,
			})
		case errors.As(err, &insufficient):
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", insufficient.Error())
		default:
			a.Log.Error().Err(err).Str("owner_id", ownerID).Msg("submit failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to submit video job")
		}
		return
	}

	locale := middleware.LocaleFromContext(r.Context())
	a.json(w, http.StatusAccepted, submitResponse{
		JobID:                result.JobID,
		Status:               string(result.Status),
		StatusText:           i18n.StatusText(locale, result.Status),
		QueuePosition:        result.QueuePosition,
		EstimatedWaitMinutes: result.EstimatedWaitMinutes,
	})
}

func (a *App) VideoStatus(w http.ResponseWriter, r *http.Request) {
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

	locale := middleware.LocaleFromContext(r.Context())
	payload := map[string]any{
		"id":          job.ID,
		"status":      string(job.Status),
		"status_text": i18n.StatusText(locale, job.Status),
		"progress":    job.Progress,
		"provider":    job.Provider,
		"quality":     string(job.Quality),
		"priority":    job.Priority,
		"result_url":  job.ResultURL,
		"error":       job.ErrorMessage,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if rec, ok := a.Tracker.Get(jobID); ok {
		payload["progress"] = rec.Progress
		payload["is_real_progress"] = rec.IsRealProgress
		payload["estimated_remaining_seconds"] = int(rec.EstimatedRemaining.Seconds())
	}
	a.json(w, http.StatusOK, payload)
}

func (a *App) QueueStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := a.currentUserID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	status := a.Controller.GetUserQueueStatus(r.Context(), ownerID)
	queued := make([]map[string]any, 0, len(status.QueuedJobs))
	for _, q := range status.QueuedJobs {
		queued = append(queued, map[string]any{
			"job_id":                 q.JobID,
			"position":               q.Position,
			"estimated_wait_minutes": q.EstimatedWaitMinutes,
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"active_count": status.ActiveCount,
		"max_allowed":  status.MaxAllowed,
		"queued_jobs":  queued,
	})
}
