package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/trackpipe/internal/broker/messages"
	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/BearBump/trackpipe/internal/queue/redisqueue"
	"github.com/BearBump/trackpipe/internal/storage/pgtracking"
	"github.com/BearBump/trackpipe/internal/telemetry"
	"github.com/pkg/errors"
)

type EntityStore interface {
	GetEntityByID(ctx context.Context, id int64) (*models.TrackedEntity, error)
	UpdateTrackingFields(ctx context.Context, upd pgtracking.TrackingUpdate) (*models.TrackedEntity, error)
}

type CircuitBreaker interface {
	OpenUntil(ctx context.Context, c models.Carrier) (time.Time, bool, error)
	RecordFailure(ctx context.Context, c models.Carrier) (*models.CircuitBreakerState, error)
	RecordSuccess(ctx context.Context, c models.Carrier) error
}

type Clients interface {
	For(c models.Carrier) (carrier.Client, error)
}

type Queue interface {
	Dequeue(ctx context.Context) (*redisqueue.Delivery, error)
	Ack(ctx context.Context, d *redisqueue.Delivery) error
	Nack(ctx context.Context, d *redisqueue.Delivery, reason string, delay time.Duration) (bool, error)
	Release(ctx context.Context, d *redisqueue.Delivery, delay time.Duration) error
	PromoteScheduled(ctx context.Context, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, limit int64) (int, int, error)
	Depth(ctx context.Context) (redisqueue.Depth, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Worker struct {
	store    EntityStore
	breaker  CircuitBreaker
	clients  Clients
	queue    Queue
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner
	now     func() time.Time

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	jobTimeout         time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[models.Carrier]int64
	publishAttempts    int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalDequeued       atomic.Int64
	totalSucceeded      atomic.Int64
	totalRetried        atomic.Int64
	totalDeadLettered   atomic.Int64
	totalCircuitOpen    atomic.Int64
	totalRateLimited    atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(store EntityStore, breaker CircuitBreaker, clients Clients, queue Queue, producer Producer, rl RateLimiter, topic string) *Worker {
	return &Worker{
		store: store, breaker: breaker, clients: clients, queue: queue, producer: producer, rl: rl, topic: topic,
		planner:           NewPlanner(DefaultPlannerConfig(), nil),
		now:               func() time.Time { return time.Now().UTC() },
		pollInterval:      time.Second,
		batchSize:         100,
		concurrency:       10,
		jobTimeout:        30 * time.Second,
		carrierRateLimits: map[models.Carrier]int64{},
		publishAttempts:   3,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, jobTimeout time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if jobTimeout > 0 {
		w.jobTimeout = jobTimeout
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

func (w *Worker) WithPlanner(cfg PlannerConfig) *Worker {
	w.planner = NewPlanner(cfg, nil)
	return w
}

// WithCarrierRateLimits overrides the per-minute limit for individual carriers.
func (w *Worker) WithCarrierRateLimits(limits map[models.Carrier]int64) *Worker {
	for c, n := range limits {
		if n > 0 {
			w.carrierRateLimits[c] = n
		}
	}
	return w
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	if now != nil {
		w.now = now
	}
	return w
}

// Trigger forces an immediate queue poll (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt     *time.Time `json:"lastTriggerAt,omitempty"`
	TotalDequeued     int64      `json:"totalDequeued"`
	TotalSucceeded    int64      `json:"totalSucceeded"`
	TotalRetried      int64      `json:"totalRetried"`
	TotalDeadLettered int64      `json:"totalDeadLettered"`
	TotalCircuitOpen  int64      `json:"totalCircuitOpen"`
	TotalRateLimited  int64      `json:"totalRateLimited"`
	TotalErrors       int64      `json:"totalErrors"`
	InFlight          int64      `json:"inFlight"`
	LastError         string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalDequeued:     w.totalDequeued.Load(),
		TotalSucceeded:    w.totalSucceeded.Load(),
		TotalRetried:      w.totalRetried.Load(),
		TotalDeadLettered: w.totalDeadLettered.Load(),
		TotalCircuitOpen:  w.totalCircuitOpen.Load(),
		TotalRateLimited:  w.totalRateLimited.Load(),
		TotalErrors:       w.totalErrors.Load(),
		InFlight:          w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

// Run polls the queue until ctx is canceled. Jobs already started are allowed to
// finish within their own timeout.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		w.runOnce(ctx, sem, &wg)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-w.triggerCh:
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	w.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	if _, err := w.queue.PromoteScheduled(ctx, int64(w.batchSize)); err != nil {
		slog.Error("promote scheduled jobs", "error", err.Error())
	}
	requeued, dead, err := w.queue.ReclaimExpired(ctx, int64(w.batchSize))
	if err != nil {
		slog.Error("reclaim expired leases", "error", err.Error())
	} else if requeued > 0 || dead > 0 {
		slog.Warn("reclaimed expired leases", "requeued", requeued, "dead_lettered", dead)
		w.totalDeadLettered.Add(int64(dead))
		telemetry.JobsDeadLetter.Add(float64(dead))
	}
	if depth, err := w.queue.Depth(ctx); err == nil {
		telemetry.QueueReady.Set(float64(depth.Ready))
		telemetry.QueueInFlight.Set(float64(depth.InFlight))
		telemetry.QueueScheduled.Set(float64(depth.Scheduled))
	}

	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			// все слоты заняты
			return
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil || d == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				slog.Error("dequeue job", "error", err.Error())
				w.setLastError(err)
			}
			return
		}
		w.totalDequeued.Add(1)
		w.inFlight.Add(1)
		telemetry.WorkerInFlight.Inc()

		wg.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				telemetry.WorkerInFlight.Dec()
				<-sem
				wg.Done()
			}()
			w.handleDelivery(context.WithoutCancel(ctx), d)
		}()
	}
}

// handleDelivery runs one job under the per-job budget and settles it with the queue.
func (w *Worker) handleDelivery(ctx context.Context, d *redisqueue.Delivery) {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.ProcessJob(jobCtx, d.Job)
	cancel()

	if err == nil {
		w.totalSucceeded.Add(1)
		telemetry.JobsProcessed.WithLabelValues("success").Inc()
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			slog.Warn("ack job", "delivery_id", d.ID, "entity_id", d.Job.EntityID, "error", ackErr.Error())
		}
		return
	}

	var rle *RateLimitedError
	if errors.As(err, &rle) {
		w.totalRateLimited.Add(1)
		telemetry.JobsProcessed.WithLabelValues("rate_limited").Inc()
		if relErr := w.queue.Release(ctx, d, rle.RetryAfter); relErr != nil {
			slog.Error("release rate-limited job", "delivery_id", d.ID, "entity_id", d.Job.EntityID, "error", relErr.Error())
		}
		return
	}

	delay := w.planner.RetryDelay(d.Attempt)
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		w.totalCircuitOpen.Add(1)
		telemetry.JobsProcessed.WithLabelValues("circuit_open").Inc()
		if remaining := coe.Until.Sub(w.now()); remaining > delay {
			delay = remaining
		}
		slog.Info("carrier circuit open, job postponed",
			"entity_id", d.Job.EntityID, "carrier", coe.Carrier.String(), "delay", delay.String())
	} else {
		w.totalErrors.Add(1)
		w.setLastError(err)
		telemetry.JobsProcessed.WithLabelValues("error").Inc()
		slog.Error("process job", "delivery_id", d.ID, "entity_id", d.Job.EntityID, "attempt", d.Attempt, "error", err.Error())
	}

	dead, nackErr := w.queue.Nack(ctx, d, err.Error(), delay)
	if nackErr != nil {
		// Аренда истечёт, и задача вернётся через ReclaimExpired.
		slog.Error("nack job", "delivery_id", d.ID, "entity_id", d.Job.EntityID, "error", nackErr.Error())
		return
	}
	if dead {
		w.totalDeadLettered.Add(1)
		telemetry.JobsDeadLetter.Inc()
		slog.Warn("job dead-lettered", "delivery_id", d.ID, "entity_id", d.Job.EntityID, "attempts", d.Attempt)
		return
	}
	w.totalRetried.Add(1)
}

// ProcessJob checks one entity against its carrier and records the result.
// A nil return means the job is finished (including the permanent-error and
// missing-entity cases); any error asks the queue to redeliver it.
func (w *Worker) ProcessJob(ctx context.Context, job messages.TrackingJob) error {
	e, err := w.store.GetEntityByID(ctx, job.EntityID)
	if err != nil {
		return errors.Wrap(err, "load entity")
	}
	if e == nil || !e.TrackingActive {
		slog.Debug("entity missing or inactive, skipping", "entity_id", job.EntityID)
		return nil
	}
	if !e.Trackable() {
		slog.Warn("active entity without tracking number, skipping", "entity_id", e.ID)
		return nil
	}

	until, open, err := w.breaker.OpenUntil(ctx, e.Carrier)
	if err != nil {
		return err
	}
	if open {
		telemetry.CircuitOpenSkips.WithLabelValues(e.Carrier.String()).Inc()
		return &CircuitOpenError{Carrier: e.Carrier, Until: until}
	}

	client, err := w.clients.For(e.Carrier)
	if err != nil {
		return errors.Wrapf(err, "entity %d", e.ID)
	}

	if err := w.checkRateLimit(ctx, e.Carrier); err != nil {
		return err
	}

	checkedAt := w.now()
	res, err := client.FetchTracking(ctx, *e.TrackingNumber)
	if err != nil {
		if carrier.IsPermanent(err) {
			telemetry.CarrierCalls.WithLabelValues(e.Carrier.String(), "permanent").Inc()
			return w.markException(ctx, e, checkedAt, err)
		}
		telemetry.CarrierCalls.WithLabelValues(e.Carrier.String(), "transient").Inc()
		if _, bErr := w.breaker.RecordFailure(ctx, e.Carrier); bErr != nil {
			slog.Error("record carrier failure", "carrier", e.Carrier.String(), "error", bErr.Error())
		}
		return err
	}
	telemetry.CarrierCalls.WithLabelValues(e.Carrier.String(), "ok").Inc()

	status := models.NormalizeStatus(res.Status)
	upd := pgtracking.TrackingUpdate{
		EntityID:  e.ID,
		CheckedAt: checkedAt,
		Status:    status,
		Location:  res.Location,
	}
	if status == models.TrackingStatusDelivered {
		at := checkedAt
		if res.StatusAt != nil && !res.StatusAt.IsZero() {
			at = res.StatusAt.UTC()
		}
		upd.DeliveredAt = &at
	}

	updated, err := w.store.UpdateTrackingFields(ctx, upd)
	if err != nil {
		return errors.Wrap(err, "update entity")
	}
	if err := w.breaker.RecordSuccess(ctx, e.Carrier); err != nil {
		slog.Error("record carrier success", "carrier", e.Carrier.String(), "error", err.Error())
	}
	if updated == nil {
		// удалили между чтением и записью
		return nil
	}

	w.publish(ctx, messages.TrackingUpdated{
		EntityID:    updated.ID,
		Carrier:     updated.Carrier.String(),
		CheckedAt:   checkedAt,
		Status:      updated.TrackingStatus,
		Location:    updated.TrackingLocation,
		DeliveredAt: updated.DeliveredAt,
	})
	return nil
}

// markException records a permanent carrier rejection. The breaker is not touched:
// the carrier answered, the tracking number is what is wrong. A delivered entity
// keeps its status; only the error and check time are recorded.
func (w *Worker) markException(ctx context.Context, e *models.TrackedEntity, checkedAt time.Time, cause error) error {
	reason := cause.Error()
	slog.Warn("carrier rejected tracking number", "entity_id", e.ID, "carrier", e.Carrier.String(), "error", reason)

	status := models.TrackingStatusException
	if e.DeliveredAt != nil {
		status = models.TrackingStatusDelivered
	}
	updated, err := w.store.UpdateTrackingFields(ctx, pgtracking.TrackingUpdate{
		EntityID:  e.ID,
		CheckedAt: checkedAt,
		Status:    status,
		Error:     &reason,
	})
	if err != nil {
		return errors.Wrap(err, "mark entity exception")
	}
	if updated == nil {
		return nil
	}

	w.publish(ctx, messages.TrackingUpdated{
		EntityID:    updated.ID,
		Carrier:     updated.Carrier.String(),
		CheckedAt:   checkedAt,
		Status:      updated.TrackingStatus,
		Location:    updated.TrackingLocation,
		DeliveredAt: updated.DeliveredAt,
		Error:       &reason,
	})
	return nil
}

// checkRateLimit takes one call from the carrier's per-minute budget. When the budget
// is spent it returns *RateLimitedError with the time left until the next window.
func (w *Worker) checkRateLimit(ctx context.Context, c models.Carrier) error {
	if w.rl == nil {
		return nil
	}
	limit := w.rateLimitPerMinute
	if n, ok := w.carrierRateLimits[c]; ok {
		limit = n
	}
	if limit <= 0 {
		return nil
	}

	now := w.now()
	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", c, now.Format("200601021504"))
	allowed, n, err := w.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		// лимитер недоступен: не блокируем обработку
		slog.Warn("rate limiter unavailable", "carrier", c.String(), "error", err.Error())
		return nil
	}
	if allowed {
		return nil
	}
	slog.Warn("rate limit exceeded", "carrier", c.String(), "count", n)
	telemetry.RateLimited.WithLabelValues(c.String()).Inc()
	retryAfter := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &RateLimitedError{Carrier: c, RetryAfter: retryAfter}
}

// publish is best-effort: the database is already committed, and consumers only
// use the event to refresh caches.
func (w *Worker) publish(ctx context.Context, msg messages.TrackingUpdated) {
	if w.producer == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal kafka msg", "entity_id", msg.EntityID, "error", err.Error())
		return
	}

	key := []byte(strconv.FormatInt(msg.EntityID, 10))
	var pubErr error
	for i := 0; i < w.publishAttempts && ctx.Err() == nil; i++ {
		if pubErr = w.producer.Publish(ctx, w.topic, key, b); pubErr == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(150*(i+1)) * time.Millisecond):
		}
	}
	if pubErr == nil {
		pubErr = ctx.Err()
	}
	telemetry.PublishErrors.Inc()
	slog.Error("publish tracking update", "entity_id", msg.EntityID, "error", pubErr.Error())
}
