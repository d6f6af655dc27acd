package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/trackpipe/internal/services/dispatcher"
	"github.com/BearBump/trackpipe/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type dispatcherHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	dispatcher *dispatcher.Dispatcher
}

func dispatcherRouter(d *dispatcher.Dispatcher) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Stats())
	})
	// Внеочередной цикл; сам цикл выполняется в Run, ответ не ждёт его завершения.
	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		d.Trigger()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})
	r.Handle("/metrics", telemetry.Handler())
	return r
}

func runDispatcherHTTPServer(ctx context.Context, opts dispatcherHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8083"
	}
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: dispatcherRouter(opts.dispatcher), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("dispatcher ops server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
