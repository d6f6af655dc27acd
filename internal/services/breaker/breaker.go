package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
)

const (
	DefaultFailureThreshold = 3
	DefaultOpenDuration     = 30 * time.Minute
)

type Store interface {
	GetBreakerState(ctx context.Context, carrierName string) (*models.CircuitBreakerState, error)
	SaveBreakerState(ctx context.Context, st *models.CircuitBreakerState) error
}

type Config struct {
	FailureThreshold int           // default: 3
	OpenDuration     time.Duration // default: 30 minutes
}

// Breaker is a per-carrier circuit breaker whose state lives in the Store, so every
// worker process sees the same circuit. There is no half-open state: once the open
// window passes, the next call goes through as usual.
//
// Updates are read-modify-write without locking; concurrent failures may lose an
// increment, which only delays opening by one failure.
type Breaker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(store Store, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}
	return &Breaker{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) Config() Config { return b.cfg }

// OpenUntil reports whether the carrier's circuit is open and, if so, until when.
func (b *Breaker) OpenUntil(ctx context.Context, c models.Carrier) (time.Time, bool, error) {
	st, err := b.store.GetBreakerState(ctx, c.String())
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "load breaker %s", c)
	}
	if !st.IsOpenAt(b.now()) {
		return time.Time{}, false, nil
	}
	return *st.CircuitOpenUntil, true, nil
}

func (b *Breaker) IsOpen(ctx context.Context, c models.Carrier) (bool, error) {
	_, open, err := b.OpenUntil(ctx, c)
	return open, err
}

// RecordFailure counts one failure and opens the circuit once the threshold is hit.
func (b *Breaker) RecordFailure(ctx context.Context, c models.Carrier) (*models.CircuitBreakerState, error) {
	st, err := b.store.GetBreakerState(ctx, c.String())
	if err != nil {
		return nil, errors.Wrapf(err, "load breaker %s", c)
	}
	if st == nil {
		st = &models.CircuitBreakerState{CarrierName: c.String()}
	}

	now := b.now()
	wasOpen := st.IsOpenAt(now)
	st.FailureCount++
	st.LastFailureAt = &now
	if st.FailureCount >= b.cfg.FailureThreshold {
		until := now.Add(b.cfg.OpenDuration)
		st.CircuitOpenUntil = &until
		if !wasOpen {
			slog.Warn("circuit opened", "carrier", c.String(), "failures", st.FailureCount, "open_until", until)
		}
	}

	if err := b.store.SaveBreakerState(ctx, st); err != nil {
		return nil, errors.Wrapf(err, "save breaker %s", c)
	}
	return st, nil
}

// RecordSuccess closes the circuit and resets the counter. A carrier that never
// failed has no row and nothing is written.
func (b *Breaker) RecordSuccess(ctx context.Context, c models.Carrier) error {
	st, err := b.store.GetBreakerState(ctx, c.String())
	if err != nil {
		return errors.Wrapf(err, "load breaker %s", c)
	}
	if st == nil || (st.FailureCount == 0 && st.CircuitOpenUntil == nil) {
		return nil
	}

	st.FailureCount = 0
	st.CircuitOpenUntil = nil
	if err := b.store.SaveBreakerState(ctx, st); err != nil {
		return errors.Wrapf(err, "save breaker %s", c)
	}
	return nil
}
