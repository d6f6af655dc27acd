package worker

import (
	"fmt"
	"time"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError: the job was skipped without calling the carrier.
// It is redelivered later and does not count towards the breaker.
type CircuitOpenError struct {
	Carrier models.Carrier
	Until   time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Carrier, e.Until.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

var ErrRateLimited = errors.New("carrier rate limited")

// RateLimitedError: the carrier's per-minute budget is spent. The job goes back to the
// queue until the next window without using up a delivery attempt.
type RateLimitedError struct {
	Carrier    models.Carrier
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit reached for %s, retry in %s", e.Carrier, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
