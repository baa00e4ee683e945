package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/atmx/post-trade-engine/internal/api"
	"github.com/atmx/post-trade-engine/internal/controlplane"
	"github.com/atmx/post-trade-engine/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Serve the trade ingestion API, the WebSocket workflow feed and the
Prometheus metrics endpoint. Parked regulatory submissions and failed
settlements are retried in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	go eng.hub.Run(ctx)
	go runMaintenance(ctx, eng.plane, cfg.Engine.MaintenanceInterval)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.JoinTimeout + 5*time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"post-trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(eng.plane)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of lifecycle events and completed workflows.
		r.Get("/ws", eng.hub.HandleWS)
		handler.Routes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("post-trade-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down post-trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("post-trade-engine stopped")
	return nil
}

// runMaintenance retries parked submissions and due settlements until ctx
// is cancelled.
func runMaintenance(ctx context.Context, plane *controlplane.ControlPlane, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := plane.RunMaintenance(ctx)
			if err != nil {
				slog.Error("maintenance pass failed", "err", err)
				continue
			}
			if n := len(summary.Resubmitted) + len(summary.SettlementRetries); n > 0 {
				slog.Info("maintenance pass",
					"resubmitted", len(summary.Resubmitted),
					"still_parked", len(summary.StillParked),
					"settlement_retries", len(summary.SettlementRetries),
				)
			}
		}
	}
}
