package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	RenderAPIKey  string
	RenderBaseURL string

	SystemMaxConcurrent int
	AvgJobMinutes       int
	PromoteInterval     time.Duration
	ProgressTick        time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RenderAPIKey:        os.Getenv("RENDER_API_KEY"),
		RenderBaseURL:       getEnv("RENDER_BASE_URL", "https://api.renderfarm.example.com"),
		SystemMaxConcurrent: getEnvInt("SYSTEM_MAX_CONCURRENT", 10),
		AvgJobMinutes:       getEnvInt("AVG_JOB_MINUTES", 3),
		PromoteInterval:     time.Second * time.Duration(getEnvInt("PROMOTE_INTERVAL_SECONDS", 10)),
		ProgressTick:        time.Second * time.Duration(getEnvInt("PROGRESS_TICK_SECONDS", 2)),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// Zero by default: progress streams stay open for the lifetime of a
		// render, which can exceed any sensible write timeout.
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SystemMaxConcurrent < 1 {
		return nil, fmt.Errorf("SYSTEM_MAX_CONCURRENT must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
