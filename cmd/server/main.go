// Command server starts the PromptFuse HTTP server with its in-process
// research worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/promptfuse/promptfuse/internal/adapter/ai/openrouter"
	httpserver "github.com/promptfuse/promptfuse/internal/adapter/httpserver"
	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/adapter/queue/memqueue"
	"github.com/promptfuse/promptfuse/internal/adapter/repo/memory"
	"github.com/promptfuse/promptfuse/internal/adapter/search/tavily"
	"github.com/promptfuse/promptfuse/internal/app"
	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/usecase"
)

func main() {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Adapters
	aiClient := openrouter.New(cfg)
	searchClient := tavily.New(cfg)
	jobs := memory.NewJobStore()
	queue := memqueue.NewQueue(cfg.JobQueueCapacity)

	// Usecases
	orchestrator := usecase.NewOrchestrator(cfg, aiClient)
	pipeline := usecase.NewResearchPipeline(cfg, aiClient, searchClient)

	// Research worker runs in-process; the job in flight at shutdown is
	// allowed to finish before the process exits.
	worker := memqueue.NewWorker(cfg, queue, jobs, pipeline)
	go worker.Run(ctx)

	// Terminal jobs are evicted on a timer so the in-memory store is bounded.
	go func() {
		ticker := time.NewTicker(cfg.JobCleanupInterval)
		defer ticker.Stop()
		maxAge := time.Duration(cfg.JobMaxAgeHours) * time.Hour
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := jobs.Cleanup(ctx, maxAge); removed > 0 {
					slog.Info("job cleanup", slog.Int("removed", removed))
				}
			}
		}
	}()

	srv := httpserver.NewServer(cfg, orchestrator, aiClient, jobs, queue)
	srv.GatewayCheck = aiClient.CheckGateway
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stop()
	worker.Wait()
	slog.Info("shutdown complete")
}
