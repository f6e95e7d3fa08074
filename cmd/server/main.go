package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fractal-lba/ragguard/internal/app"
	"github.com/fractal-lba/ragguard/internal/config"
	"github.com/fractal-lba/ragguard/internal/server"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(getEnv("RAGGUARD_CONFIG", "ragguard.yaml"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	// Tracing
	if cfg.Telemetry.Enabled {
		tp, err := tracing.InitTracer(context.Background(), cfg.TracingConfig())
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			if err := tracing.Shutdown(context.Background(), tp); err != nil {
				log.Printf("Tracer shutdown error: %v", err)
			}
		}()
	}

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(cfg, reg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	if a.Retriever == nil {
		log.Printf("No retrieval.url configured; /v1/answer requires documents in the request")
	}

	srv := server.New(server.Deps{
		Grader:         a.Grader,
		Orchestrator:   a.Orchestrator,
		Retrieve:       a.Retrieve(),
		Scorer:         a.Scorer,
		DeepConfidence: cfg.Confidence.DeepAnalysis,
		Evaluator:      a.Evaluator,
		Engine:         a.Engine,
		KPI:            a.KPI,
		Metrics:        a.Metrics,
		Gatherer:       reg,
		Logger:         logger.With("component", "server"),
	}, server.Options{
		TokenRate:   cfg.Server.TokenRate,
		MetricsUser: cfg.Server.MetricsUser,
		MetricsPass: cfg.Server.MetricsPass,
	})

	// HTTP server. Self-RAG answers run several LLM calls, so the write
	// timeout covers a full evaluation case.
	port := cfg.Server.Port
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Eval.CaseTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (llm=%s/%s cache=%s)", port, cfg.LLM.Provider, cfg.LLM.Model, cfg.Cache.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if err := a.Close(); err != nil {
		log.Printf("Error closing components: %v", err)
	}

	log.Println("Server stopped")
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
