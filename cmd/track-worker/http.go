package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/trackpipe/config"
	"github.com/BearBump/trackpipe/internal/services/worker"
	"github.com/BearBump/trackpipe/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	worker *worker.Worker
	cfg    *config.Config
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.worker == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.worker.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Без секретов: только рабочие настройки.
		tb := opts.cfg.TrackPipe
		carriers := make(map[string]string, len(opts.cfg.Carriers))
		for code, cc := range opts.cfg.Carriers {
			carriers[code] = cc.Mode
		}
		out := map[string]any{
			"pollIntervalSeconds":     tb.WorkerPollIntervalSeconds,
			"batchSize":               tb.WorkerBatchSize,
			"concurrency":             tb.WorkerConcurrency,
			"jobTimeoutSeconds":       tb.WorkerJobTimeoutSeconds,
			"rateLimitPerMinute":      tb.WorkerRateLimitPerMinute,
			"retryBaseSeconds":        tb.WorkerRetryBaseSeconds,
			"retryMaxSeconds":         tb.WorkerRetryMaxSeconds,
			"queueLeaseSeconds":       tb.QueueLeaseSeconds,
			"queueMaxAttempts":        tb.QueueMaxAttempts,
			"breakerFailureThreshold": tb.BreakerFailureThreshold,
			"breakerOpenSeconds":      tb.BreakerOpenSeconds,
			"carriers":                carriers,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.worker == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		opts.worker.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Handle("/metrics", telemetry.Handler())
	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("worker ops server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
