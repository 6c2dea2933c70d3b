package handlers

import (
	"encoding/json"
	"net/http"

	"renderflow/internal/domain"
	"renderflow/internal/infra"
	"renderflow/internal/progress"
	"renderflow/internal/scheduler"
)

// App carries the dependencies shared by the HTTP handlers.
type App struct {
	Log        infra.Logger
	Jobs       domain.JobRepository
	Controller *scheduler.Controller
	Tracker    *progress.Tracker
}

// NewApp builds the handler container.
func NewApp(log infra.Logger, jobs domain.JobRepository, controller *scheduler.Controller, tracker *progress.Tracker) *App {
	return &App{Log: log, Jobs: jobs, Controller: controller, Tracker: tracker}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error":   errCode,
		"message": message,
	})
}

// currentUserID extracts the authenticated caller. Authentication itself is
// handled upstream; this subsystem only needs the identity header it sets.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
