package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/trackpipe/config"
	"github.com/BearBump/trackpipe/internal/queue/redisqueue"
	"github.com/BearBump/trackpipe/internal/services/dispatcher"
	"github.com/BearBump/trackpipe/internal/storage/pgtracking"
	"github.com/pkg/errors"
)

type dispatcherStore interface {
	dispatcher.EntityStore
	dispatcher.DeadLetterStore
	redisqueue.DeadLetterSink
}

type dispatcherFactories struct {
	newStorage func(cfg *config.Config) (st dispatcherStore, closeFn func(), err error)
	newQueue   func(cfg *config.Config, sink redisqueue.DeadLetterSink) (q dispatcher.Queue, closeFn func())
}

func defaultDispatcherFactories() dispatcherFactories {
	return dispatcherFactories{
		newStorage: func(cfg *config.Config) (dispatcherStore, func(), error) {
			st, err := pgtracking.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newQueue: func(cfg *config.Config, sink redisqueue.DeadLetterSink) (dispatcher.Queue, func()) {
			q := redisqueue.NewFromAddr(cfg.Redis.Addr(), sink, redisqueue.Options{
				Prefix:      cfg.Redis.QueuePrefix,
				Lease:       time.Duration(cfg.TrackPipe.QueueLeaseSeconds) * time.Second,
				MaxAttempts: cfg.TrackPipe.QueueMaxAttempts,
			})
			return q, func() { _ = q.Close() }
		},
	}
}

type dispatcherOpts struct {
	runOnce bool
	onReady func(d *dispatcher.Dispatcher)
}

func buildDispatcher(cfg *config.Config, f dispatcherFactories) (*dispatcher.Dispatcher, func(), error) {
	st, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, closeQueue := f.newQueue(cfg, st)

	d := dispatcher.New(st, q, st).WithSettings(
		time.Duration(cfg.TrackPipe.DispatchIntervalSeconds)*time.Second,
		cfg.TrackPipe.DispatchPageSize,
		cfg.TrackPipe.DispatchMaxReplays,
		!cfg.TrackPipe.DispatchSkipOnStart,
	)
	closeFn := func() {
		if closeQueue != nil {
			closeQueue()
		}
		if closeStore != nil {
			closeStore()
		}
	}
	return d, closeFn, nil
}

// RunTrackDispatcher either performs a single cycle (cron-style) or runs the
// scheduling loop with its ops server until ctx is done.
func RunTrackDispatcher(ctx context.Context, cfg *config.Config, f dispatcherFactories, opts dispatcherOpts) error {
	d, closeFn, err := buildDispatcher(cfg, f)
	if err != nil {
		return err
	}
	defer closeFn()
	if opts.onReady != nil {
		opts.onReady(d)
	}

	if opts.runOnce {
		n, err := d.Dispatch(ctx)
		if err != nil {
			return errors.Wrapf(err, "dispatch cycle (enqueued %d)", n)
		}
		replayed, err := d.ReplayDeadLetters(ctx)
		if err != nil {
			return errors.Wrapf(err, "replay dead letters (replayed %d)", replayed)
		}
		slog.Info("single dispatch cycle done", "enqueued", n, "replayed", replayed)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runDispatcherHTTPServer(ctx, dispatcherHTTPOpts{
			httpAddr:   cfg.TrackPipe.DispatcherHTTPAddr,
			dispatcher: d,
		})
	}()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case err := <-runErr:
		cancel()
		<-httpErr
		return err
	case err := <-httpErr:
		cancel()
		derr := <-runErr
		if err != nil {
			return errors.Wrap(err, "dispatcher http server")
		}
		return derr
	}
}
