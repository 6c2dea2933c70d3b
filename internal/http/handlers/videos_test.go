package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"renderflow/internal/domain"
	"renderflow/internal/middleware"
	"renderflow/internal/progress"
	"renderflow/internal/provider/render"
	"renderflow/internal/scheduler"
)

type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func (s *stubJobs) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *stubJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubJobs) Update(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProviderJobID != nil {
		job.ProviderJobID = *patch.ProviderJobID
	}
	cp := *job
	return &cp, nil
}

func (s *stubJobs) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubJobs) UpdateQueuePositions(ctx context.Context, positions map[string]int) error {
	return nil
}

type stubLedger struct {
	balance int
}

func (s *stubLedger) HasSufficientBalance(ctx context.Context, ownerID string, amount int) (bool, error) {
	return s.balance >= amount, nil
}

func (s *stubLedger) Debit(ctx context.Context, ownerID string, amount int, reason, refID string) (int, error) {
	s.balance -= amount
	return s.balance, nil
}

func (s *stubLedger) Credit(ctx context.Context, ownerID string, amount int, reason, refID string) error {
	s.balance += amount
	return nil
}

func (s *stubLedger) HasEntry(ctx context.Context, refID string) (bool, error) {
	return false, nil
}

type stubTiers struct{ tier domain.Tier }

func (s stubTiers) GetTier(ctx context.Context, ownerID string) (domain.Tier, error) {
	return s.tier, nil
}

type stubRender struct{}

func (stubRender) StartJob(ctx context.Context, req render.StartRequest) (string, error) {
	return "prov-" + req.LocalJobID, nil
}

func (stubRender) GetJobStatus(ctx context.Context, providerJobID string) (*render.JobStatus, error) {
	return nil, nil
}

func (stubRender) RestoreJob(ctx context.Context, providerJobID, localJobID string, providerType render.ProviderType) (bool, error) {
	return false, nil
}

func (stubRender) SubscribeToStatus(providerJobID string, fn render.StatusFunc) (func(), error) {
	return func() {}, nil
}

func (stubRender) HasSubscription(providerJobID string) bool { return true }

func newTestApp(tier domain.Tier, balance int) (*App, *stubJobs) {
	jobs := &stubJobs{jobs: make(map[string]*domain.Job)}
	tracker := progress.NewTracker(progress.DefaultConfig(), progress.NewStore(), nil, nil, zerolog.Nop())
	resolver := scheduler.NewTierResolver(stubTiers{tier: tier}, time.Minute, zerolog.Nop())
	controller := scheduler.NewController(scheduler.Config{SystemMaxConcurrent: 10, AvgJobMinutes: 3},
		jobs, &stubLedger{balance: balance}, resolver, stubRender{}, tracker, zerolog.Nop())
	return NewApp(zerolog.Nop(), jobs, controller, tracker), jobs
}

func newTestRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.I18N("en"))
	r.Post("/api/v1/videos/generate", app.VideosGenerate)
	r.Get("/api/v1/videos/{job_id}/status", app.VideoStatus)
	r.Get("/api/v1/queue/status", app.QueueStatus)
	r.Get("/v1/healthz", app.Health)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, user, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestVideosGenerateAccepted(t *testing.T) {
	app, jobs := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	rr, payload := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1",
		`{"prompt":"a sunrise over rice fields","quality":"fast"}`, nil)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202\n%s", rr.Code, rr.Body.String())
	}
	if payload["status"] != "processing" {
		t.Errorf("status = %v, want processing", payload["status"])
	}
	if payload["status_text"] != "Generating your video" {
		t.Errorf("status_text = %v", payload["status_text"])
	}
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id")
	}
	if _, err := jobs.GetByID(context.Background(), jobID); err != nil {
		t.Errorf("job not persisted: %v", err)
	}
}

func TestVideosGenerateLocalizedStatusText(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	rr, payload := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1",
		`{"prompt":"p"}`, map[string]string{"Accept-Language": "id-ID,id;q=0.9"})

	if rr.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", rr.Code)
	}
	if payload["status_text"] != "Membuat video Anda" {
		t.Errorf("status_text = %v, want Indonesian", payload["status_text"])
	}
}

func TestVideosGenerateRequiresUser(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "", `{"prompt":"p"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rr.Code)
	}
}

func TestVideosGenerateValidation(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	for name, body := range map[string]string{
		"not json":       "{",
		"missing prompt": `{"quality":"fast"}`,
	} {
		rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", name, rr.Code)
		}
	}
}

func TestVideosGenerateQuotaExceeded(t *testing.T) {
	app, _ := newTestApp(domain.TierFree, 100)
	router := newTestRouter(app)

	if rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"one"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("first submit code = %d, want 202", rr.Code)
	}
	rr, payload := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"two"}`, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rr.Code)
	}
	if payload["error"] != "quota_exceeded" {
		t.Errorf("error = %v", payload["error"])
	}
	if payload["active_count"] != float64(1) || payload["max_allowed"] != float64(1) {
		t.Errorf("quota fields = %v/%v, want 1/1", payload["active_count"], payload["max_allowed"])
	}
}

func TestVideosGenerateInsufficientCredits(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 3)
	router := newTestRouter(app)

	rr, payload := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"p"}`, nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("code = %d, want 402", rr.Code)
	}
	if payload["error"] != "insufficient_credits" {
		t.Errorf("error = %v", payload["error"])
	}
}

func TestVideoStatusOverlaysTrackerProgress(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	_, submitted := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"p"}`, nil)
	jobID := submitted["job_id"].(string)

	p := 47
	app.Tracker.Update(context.Background(), jobID, domain.ProgressDelta{
		Progress: &p, FromProvider: true, Source: "provider",
	})

	rr, payload := doJSON(t, router, http.MethodGet, "/api/v1/videos/"+jobID+"/status", "u1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rr.Code)
	}
	if payload["progress"] != float64(47) {
		t.Errorf("progress = %v, want the in-memory value 47", payload["progress"])
	}
	if payload["is_real_progress"] != true {
		t.Errorf("is_real_progress = %v, want true", payload["is_real_progress"])
	}
}

func TestVideoStatusHidesOtherOwnersJobs(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	_, submitted := doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"p"}`, nil)
	jobID := submitted["job_id"].(string)

	rr, _ := doJSON(t, router, http.MethodGet, "/api/v1/videos/"+jobID+"/status", "intruder", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404 for foreign job", rr.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	doJSON(t, router, http.MethodPost, "/api/v1/videos/generate", "u1", `{"prompt":"p"}`, nil)

	rr, payload := doJSON(t, router, http.MethodGet, "/api/v1/queue/status", "u1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rr.Code)
	}
	if payload["active_count"] != float64(1) {
		t.Errorf("active_count = %v, want 1", payload["active_count"])
	}
	if payload["max_allowed"] != float64(5) {
		t.Errorf("max_allowed = %v, want 5 for pro", payload["max_allowed"])
	}
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(domain.TierPro, 100)
	router := newTestRouter(app)

	rr, payload := doJSON(t, router, http.MethodGet, "/v1/healthz", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rr.Code)
	}
	if payload["status"] != "ok" {
		t.Errorf("status = %v", payload["status"])
	}
}
