package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
)

// FakeClient: локальная заглушка перевозчика для демо без эмулятора.
// Статус детерминирован по (carrier, tracking number): часть треков станет Delivered.
type FakeClient struct {
	code models.Carrier
}

func New(code models.Carrier) *FakeClient { return &FakeClient{code: code} }

func (f *FakeClient) FetchTracking(ctx context.Context, trackingNumber string) (carrier.Result, error) {
	if err := ctx.Err(); err != nil {
		return carrier.Result{}, carrier.Transient(err)
	}
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(f.code))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// 20% треков считаем доставленными
	status := models.TrackingStatusInTransit
	if v%5 == 0 {
		status = models.TrackingStatusDelivered
	}

	loc := "fake hub " + string(f.code)
	return carrier.Result{
		Status:    status,
		StatusRaw: status,
		Location:  &loc,
		StatusAt:  &now,
	}, nil
}
