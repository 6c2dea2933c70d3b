package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"renderflow/internal/adapter/repo"
	"renderflow/internal/http/handlers"
	"renderflow/internal/http/httpapi"
	"renderflow/internal/infra"
	"renderflow/internal/progress"
	"renderflow/internal/provider/render"
	"renderflow/internal/scheduler"
)

const (
	tierCacheTTL       = 5 * time.Minute
	reconcileSweepTick = time.Minute
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	ledger := repo.NewCreditLedger(pool)
	subscriptions := repo.NewSubscriptionRepo(pool)

	client := newRenderClient(cfg, &logger)

	store := progress.NewStore()
	tracker := progress.NewTracker(progress.DefaultConfig(), store, progress.NewRepoPersister(jobs), jobs, logger)

	tiers := scheduler.NewTierResolver(subscriptions, tierCacheTTL, logger)
	controller := scheduler.NewController(scheduler.Config{
		SystemMaxConcurrent: cfg.SystemMaxConcurrent,
		AvgJobMinutes:       cfg.AvgJobMinutes,
	}, jobs, ledger, tiers, client, tracker, logger)
	controller.Initialize(ctx)

	reconciler := scheduler.NewReconciler(scheduler.DefaultReconcilerConfig(), controller, jobs, client, tracker, logger)

	go reconciler.Start(ctx)
	go runTicker(ctx, cfg.ProgressTick, func() { tracker.Tick(ctx) })
	go runTicker(ctx, cfg.PromoteInterval, func() { controller.PromoteQueue(ctx) })
	go runTicker(ctx, reconcileSweepTick, func() { tracker.Reconcile(ctx, "") })

	app := handlers.NewApp(logger, jobs, controller, tracker)
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, cfg, logger))

	go func() {
		logger.Info().Msgf("renderflow listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	tracker.FlushAll(shutdownCtx)
	logger.Info().Msg("server stopped")
}

// newRenderClient picks the real rendering API when a key is configured and
// the synthetic in-process provider otherwise, so local and CI runs work
// without external credentials.
func newRenderClient(cfg *infra.Config, logger *infra.Logger) render.Client {
	if cfg.RenderAPIKey == "" {
		logger.Warn().Msg("render api key missing, using synthetic provider")
		return render.NewSynthetic()
	}
	client, err := render.NewHTTPClient(render.Options{
		APIKey:  cfg.RenderAPIKey,
		BaseURL: cfg.RenderBaseURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure render client")
	}
	return client
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
