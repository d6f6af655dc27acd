package models

import "time"

type CircuitBreakerState struct {
	CarrierName      string     `json:"carrierName"`
	FailureCount     int        `json:"failureCount"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	CircuitOpenUntil *time.Time `json:"circuitOpenUntil,omitempty"`
}

// IsOpenAt reports whether the circuit blocks calls at the given moment.
func (s *CircuitBreakerState) IsOpenAt(now time.Time) bool {
	return s != nil && s.CircuitOpenUntil != nil && s.CircuitOpenUntil.After(now)
}

type DeadLetter struct {
	ID                uint64     `json:"id"`
	JobID             string     `json:"jobId"`
	EntityID          int64      `json:"entityId"`
	FailureReason     string     `json:"failureReason"`
	AttemptCount      int        `json:"attemptCount"`
	CreatedAt         time.Time  `json:"createdAt"`
	ReplayRequestedAt *time.Time `json:"replayRequestedAt,omitempty"`
	ReplayedAt        *time.Time `json:"replayedAt,omitempty"`
}
