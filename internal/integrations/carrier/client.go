package carrier

import (
	"context"
	"time"
)

type Result struct {
	Status    string
	StatusRaw string
	Location  *string
	StatusAt  *time.Time
}

// Client fetches the current tracking status for one carrier.
type Client interface {
	FetchTracking(ctx context.Context, trackingNumber string) (Result, error)
}
