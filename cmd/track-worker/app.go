package main

import (
	"context"
	"time"

	"github.com/BearBump/trackpipe/config"
	"github.com/BearBump/trackpipe/internal/broker/kafka"
	"github.com/BearBump/trackpipe/internal/cache/rediscache"
	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/trackpipe/internal/integrations/carrier/fake"
	"github.com/BearBump/trackpipe/internal/integrations/carrier/track24http"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/BearBump/trackpipe/internal/queue/redisqueue"
	"github.com/BearBump/trackpipe/internal/services/breaker"
	"github.com/BearBump/trackpipe/internal/services/worker"
	"github.com/BearBump/trackpipe/internal/storage/pgtracking"
	"github.com/pkg/errors"
)

// workerStore is everything the worker process needs from Postgres.
type workerStore interface {
	worker.EntityStore
	breaker.Store
	redisqueue.DeadLetterSink
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (st workerStore, closeFn func(), err error)
	newQueue         func(cfg *config.Config, sink redisqueue.DeadLetterSink) (q worker.Queue, closeFn func())
	newProducer      func(cfg *config.Config) (p worker.Producer, closeFn func())
	newRateLimiter   func(cfg *config.Config) (rl worker.RateLimiter, closeFn func())
	newCarrierClient func(code models.Carrier, cc config.CarrierConfig) (carrier.Client, error)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			st, err := pgtracking.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newQueue: func(cfg *config.Config, sink redisqueue.DeadLetterSink) (worker.Queue, func()) {
			q := redisqueue.NewFromAddr(cfg.Redis.Addr(), sink, queueOptions(cfg))
			return q, func() { _ = q.Close() }
		},
		newProducer: func(cfg *config.Config) (worker.Producer, func()) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (worker.RateLimiter, func()) {
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newCarrierClient: newCarrierClient,
	}
}

func queueOptions(cfg *config.Config) redisqueue.Options {
	return redisqueue.Options{
		Prefix:      cfg.Redis.QueuePrefix,
		Lease:       time.Duration(cfg.TrackPipe.QueueLeaseSeconds) * time.Second,
		MaxAttempts: cfg.TrackPipe.QueueMaxAttempts,
	}
}

// newCarrierClient builds the client for one carrier from its config block.
func newCarrierClient(code models.Carrier, cc config.CarrierConfig) (carrier.Client, error) {
	switch cc.Mode {
	case "fake":
		return fake.New(code), nil
	case "emulator":
		if cc.BaseURL == "" {
			return nil, errors.Errorf("carrier %s: base_url is required for mode %q", code, cc.Mode)
		}
		return emulatorv1.New(cc.BaseURL, cc.APIKey, code, cc.RequestsPerSecond), nil
	case "track24":
		if cc.BaseURL == "" {
			return nil, errors.Errorf("carrier %s: base_url is required for mode %q", code, cc.Mode)
		}
		return track24http.New(cc.BaseURL, cc.APIKey, cc.Domain, code, cc.RequestsPerSecond), nil
	default:
		return nil, errors.Errorf("carrier %s: unknown mode %q", code, cc.Mode)
	}
}

// buildRegistry requires a config block for every supported carrier: there is
// no fallback client and no guessing.
func buildRegistry(cfg *config.Config, newClient func(models.Carrier, config.CarrierConfig) (carrier.Client, error)) (*carrier.Registry, map[models.Carrier]int64, error) {
	clients := make(map[models.Carrier]carrier.Client, len(models.AllCarriers))
	limits := make(map[models.Carrier]int64, len(models.AllCarriers))
	for _, code := range models.AllCarriers {
		cc, ok := cfg.Carriers[code.String()]
		if !ok {
			return nil, nil, errors.Wrapf(carrier.ErrNoClient, "carrier %s: missing config", code)
		}
		cl, err := newClient(code, cc)
		if err != nil {
			return nil, nil, err
		}
		clients[code] = cl
		if cc.RateLimitPerMinute > 0 {
			limits[code] = cc.RateLimitPerMinute
		}
	}
	for name := range cfg.Carriers {
		if _, err := models.ParseCarrier(name); err != nil {
			return nil, nil, errors.Wrap(err, "carriers config")
		}
	}
	reg, err := carrier.NewRegistry(clients)
	if err != nil {
		return nil, nil, err
	}
	return reg, limits, nil
}

func buildTrackWorker(cfg *config.Config, f workerFactories) (*worker.Worker, func(), error) {
	reg, limits, err := buildRegistry(cfg, f.newCarrierClient)
	if err != nil {
		return nil, nil, err
	}

	st, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, closeQueue := f.newQueue(cfg, st)
	producer, closeProducer := f.newProducer(cfg)
	rl, closeRateLimiter := f.newRateLimiter(cfg)

	br := breaker.New(st, breaker.Config{
		FailureThreshold: cfg.TrackPipe.BreakerFailureThreshold,
		OpenDuration:     time.Duration(cfg.TrackPipe.BreakerOpenSeconds) * time.Second,
	})

	w := worker.New(st, br, reg, q, producer, rl, cfg.Kafka.Topic()).
		WithSettings(
			time.Duration(cfg.TrackPipe.WorkerPollIntervalSeconds)*time.Second,
			cfg.TrackPipe.WorkerBatchSize,
			cfg.TrackPipe.WorkerConcurrency,
			time.Duration(cfg.TrackPipe.WorkerJobTimeoutSeconds)*time.Second,
			int64(cfg.TrackPipe.WorkerRateLimitPerMinute),
		).
		WithPlanner(worker.PlannerConfig{
			BaseDelay: time.Duration(cfg.TrackPipe.WorkerRetryBaseSeconds) * time.Second,
			MaxDelay:  time.Duration(cfg.TrackPipe.WorkerRetryMaxSeconds) * time.Second,
		}).
		WithCarrierRateLimits(limits)

	// закрываем в обратном порядке создания
	closeFn := func() {
		for _, c := range []func(){closeRateLimiter, closeProducer, closeQueue, closeStore} {
			if c != nil {
				c()
			}
		}
	}
	return w, closeFn, nil
}

// RunTrackWorker serves the ops endpoints and consumes the queue until ctx is done.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	w, closeFn, err := buildTrackWorker(cfg, f)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.TrackPipe.WorkerHTTPAddr,
			worker:   w,
			cfg:      cfg,
		})
	}()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	select {
	case err := <-runErr:
		cancel()
		<-httpErr
		return err
	case err := <-httpErr:
		// ops-сервер упал: останавливаем и воркер
		cancel()
		werr := <-runErr
		if err != nil {
			return errors.Wrap(err, "worker http server")
		}
		return werr
	}
}
