package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"renderflow/internal/infra"
)

// Options controls how the rendering API client is configured.
type Options struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *infra.Logger
	PollInterval time.Duration
}

// HTTPClient talks to the external rendering API over its REST surface and
// emulates push subscriptions with per-job pollers.
type HTTPClient struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	logger       *infra.Logger
	pollInterval time.Duration

	mu   sync.Mutex
	subs map[string]chan struct{}
}

// NewHTTPClient constructs a client with sane defaults. Callers may provide a
// nil HTTP client; a reusable one with a sensible timeout will be created.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("render: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("render: parse base url: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &HTTPClient{
		apiKey:       opts.APIKey,
		baseURL:      base,
		httpClient:   client,
		logger:       opts.Logger,
		pollInterval: interval,
		subs:         make(map[string]chan struct{}),
	}, nil
}

type startJobRequest struct {
	Prompt    string `json:"prompt"`
	Quality   string `json:"quality"`
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

type startJobResponse struct {
	ID string `json:"id"`
}

type jobStatusResponse struct {
	State     string `json:"state"`
	Progress  int    `json:"progress"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

type restoreJobRequest struct {
	Reference    string `json:"reference"`
	ProviderType string `json:"provider_type"`
}

type restoreJobResponse struct {
	Restored bool `json:"restored"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// StartJob submits a generation request and returns the provider job id.
func (c *HTTPClient) StartJob(ctx context.Context, req StartRequest) (string, error) {
	var resp startJobResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", startJobRequest{
		Prompt:    req.Prompt,
		Quality:   req.Quality,
		Provider:  req.Provider,
		Reference: req.LocalJobID,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("start job: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("start job: provider returned empty job id")
	}
	return resp.ID, nil
}

// GetJobStatus fetches the current provider-side status. A nil result with a
// nil error means the provider no longer knows the job.
func (c *HTTPClient) GetJobStatus(ctx context.Context, providerJobID string) (*JobStatus, error) {
	var resp jobStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(providerJobID), nil, &resp)
	if err != nil {
		if isStatusCode(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("job status: %w", err)
	}
	return &JobStatus{
		State:        State(resp.State),
		Progress:     resp.Progress,
		ResultURL:    resp.ResultURL,
		ErrorMessage: resp.Error,
	}, nil
}

// RestoreJob asks the provider to resume status delivery for a job whose
// subscription was lost, using the polling primitive for the provider type.
func (c *HTTPClient) RestoreJob(ctx context.Context, providerJobID, localJobID string, providerType ProviderType) (bool, error) {
	var resp restoreJobResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(providerJobID)+"/restore", restoreJobRequest{
		Reference:    localJobID,
		ProviderType: string(providerType),
	}, &resp)
	if err != nil {
		if isStatusCode(err, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("restore job: %w", err)
	}
	return resp.Restored, nil
}

// SubscribeToStatus starts a poller that forwards status samples to fn until
// the job finishes or the returned unsubscribe func is called.
func (c *HTTPClient) SubscribeToStatus(providerJobID string, fn StatusFunc) (func(), error) {
	c.mu.Lock()
	if _, ok := c.subs[providerJobID]; ok {
		c.mu.Unlock()
		return func() {}, fmt.Errorf("render: already subscribed to %s", providerJobID)
	}
	stop := make(chan struct{})
	c.subs[providerJobID] = stop
	c.mu.Unlock()

	go c.pollLoop(providerJobID, fn, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeSubscription(providerJobID)
			close(stop)
		})
	}, nil
}

// HasSubscription reports whether a poller is running for the job.
func (c *HTTPClient) HasSubscription(providerJobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[providerJobID]
	return ok
}

func (c *HTTPClient) pollLoop(providerJobID string, fn StatusFunc, stop chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
		status, err := c.GetJobStatus(ctx, providerJobID)
		cancel()
		if err != nil {
			if c.logger != nil {
				c.logger.Warn().Err(err).Str("provider_job_id", providerJobID).Msg("render: status poll failed")
			}
			continue
		}
		if status == nil {
			c.removeSubscription(providerJobID)
			return
		}
		fn(*status)
		if status.Done() {
			c.removeSubscription(providerJobID)
			return
		}
	}
}

func (c *HTTPClient) removeSubscription(providerJobID string) {
	c.mu.Lock()
	delete(c.subs, providerJobID)
	c.mu.Unlock()
}

type statusCodeError struct {
	code    int
	message string
}

func (e *statusCodeError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.code, e.message)
	}
	return fmt.Sprintf("provider returned %d", e.code)
}

func isStatusCode(err error, code int) bool {
	sc, ok := err.(*statusCodeError)
	return ok && sc.code == code
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorResponse
		_ = json.Unmarshal(data, &apiErr)
		return &statusCodeError{code: resp.StatusCode, message: apiErr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
