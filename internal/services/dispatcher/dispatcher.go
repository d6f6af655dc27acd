package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/trackpipe/internal/broker/messages"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/BearBump/trackpipe/internal/telemetry"
	"github.com/pkg/errors"
)

// MaxPageSize caps one ListActiveTrackable call.
const MaxPageSize = 5000

type EntityStore interface {
	ListActiveTrackable(ctx context.Context, afterID int64, limit int) ([]*models.TrackedEntity, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job messages.TrackingJob) (string, error)
}

type DeadLetterStore interface {
	ClaimReplay(ctx context.Context, fn func(ctx context.Context, dl models.DeadLetter) error) (bool, error)
}

// Dispatcher fans out one tracking job per actively tracked entity on a fixed
// interval. It holds no state between cycles.
type Dispatcher struct {
	store EntityStore
	queue Queue
	dead  DeadLetterStore

	interval   time.Duration
	pageSize   int
	maxReplays int
	runOnStart bool

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	lastDispatched      atomic.Int64
	totalDispatched     atomic.Int64
	totalFailed         atomic.Int64
	totalReplayed       atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(store EntityStore, queue Queue, dead DeadLetterStore) *Dispatcher {
	return &Dispatcher{
		store: store, queue: queue, dead: dead,
		interval:          time.Hour,
		pageSize:          1000,
		maxReplays:        100,
		runOnStart:        true,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (d *Dispatcher) WithSettings(interval time.Duration, pageSize, maxReplays int, runOnStart bool) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	if pageSize > 0 {
		d.pageSize = min(pageSize, MaxPageSize)
	}
	if maxReplays > 0 {
		d.maxReplays = maxReplays
	}
	d.runOnStart = runOnStart
	return d
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	LastDispatched  int64      `json:"lastDispatched"`
	TotalDispatched int64      `json:"totalDispatched"`
	TotalFailed     int64      `json:"totalFailed"`
	TotalReplayed   int64      `json:"totalReplayed"`
	LastError       string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, d.startedAtUnixNano).UTC(),
		LastDispatched:  d.lastDispatched.Load(),
		TotalDispatched: d.totalDispatched.Load(),
		TotalFailed:     d.totalFailed.Load(),
		TotalReplayed:   d.totalReplayed.Load(),
	}
	if n := d.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := d.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

func (d *Dispatcher) setLastError(err error) {
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}

func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	if d.runOnStart {
		d.RunOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.RunOnce(ctx)
		case <-d.triggerCh:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce is one scheduled cycle: fan-out plus replay of operator-requested dead letters.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	d.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	n, err := d.Dispatch(ctx)
	if err != nil {
		telemetry.DispatchCycles.WithLabelValues("error").Inc()
		d.setLastError(err)
		slog.Error("dispatch cycle", "enqueued", n, "error", err.Error())
	} else {
		telemetry.DispatchCycles.WithLabelValues("ok").Inc()
		slog.Info("dispatch cycle", "enqueued", n)
	}

	if d.dead == nil {
		return
	}
	replayed, err := d.ReplayDeadLetters(ctx)
	if err != nil {
		d.setLastError(err)
		slog.Error("replay dead letters", "replayed", replayed, "error", err.Error())
	} else if replayed > 0 {
		slog.Info("replayed dead letters", "replayed", replayed)
	}
}

// Dispatch enqueues one job per active entity with a tracking number and returns how
// many were enqueued. A failed entity query aborts the cycle. A failed enqueue is
// logged and skipped; the cycle then returns the partial count with an error.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	var (
		enqueued int
		failed   int
		lastErr  error
		afterID  int64
	)
	defer func() {
		d.lastDispatched.Store(int64(enqueued))
		d.totalDispatched.Add(int64(enqueued))
		d.totalFailed.Add(int64(failed))
	}()

	for {
		page, err := d.store.ListActiveTrackable(ctx, afterID, d.pageSize)
		if err != nil {
			return enqueued, errors.Wrap(err, "list trackable entities")
		}
		// Конец только по пустой странице: хранилище вправе вернуть меньше limit.
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			afterID = e.ID
			if !e.Trackable() {
				slog.Warn("active entity without tracking number, skipping", "entity_id", e.ID)
				continue
			}
			if _, err := d.queue.Enqueue(ctx, messages.TrackingJob{EntityID: e.ID}); err != nil {
				failed++
				lastErr = err
				telemetry.DispatchFailures.Inc()
				slog.Error("enqueue tracking job", "entity_id", e.ID, "error", err.Error())
				continue
			}
			enqueued++
			telemetry.JobsEnqueued.Inc()
		}
	}

	if failed > 0 {
		return enqueued, errors.Wrapf(lastErr, "%d entities not enqueued", failed)
	}
	return enqueued, nil
}

// ReplayDeadLetters re-enqueues dead letters an operator asked to replay, one
// record per transaction.
func (d *Dispatcher) ReplayDeadLetters(ctx context.Context) (int, error) {
	replayed := 0
	for replayed < d.maxReplays {
		ok, err := d.dead.ClaimReplay(ctx, func(ctx context.Context, dl models.DeadLetter) error {
			if dl.EntityID <= 0 {
				// битый payload: повторять нечего
				slog.Warn("dead letter without entity, marking replayed", "dead_letter_id", dl.ID, "job_id", dl.JobID)
				return nil
			}
			_, err := d.queue.Enqueue(ctx, messages.TrackingJob{EntityID: dl.EntityID})
			return errors.Wrapf(err, "re-enqueue dead letter %d", dl.ID)
		})
		if err != nil {
			return replayed, err
		}
		if !ok {
			break
		}
		replayed++
		d.totalReplayed.Add(1)
		telemetry.DeadLetterReplays.Inc()
	}
	return replayed, nil
}
