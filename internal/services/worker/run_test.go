package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/BearBump/trackpipe/internal/queue/redisqueue"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type nackCall struct {
	id     string
	reason string
	delay  time.Duration
}

type fakeQueue struct {
	mu          sync.Mutex
	ready       []*redisqueue.Delivery
	maxAttempts int
	acked       []string
	nacks       []nackCall
	released    []nackCall
	polls       int
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*redisqueue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if len(q.ready) == 0 {
		return nil, nil
	}
	d := q.ready[0]
	q.ready = q.ready[1:]
	return d, nil
}

func (q *fakeQueue) Ack(ctx context.Context, d *redisqueue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.ID)
	return nil
}

func (q *fakeQueue) Nack(ctx context.Context, d *redisqueue.Delivery, reason string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacks = append(q.nacks, nackCall{id: d.ID, reason: reason, delay: delay})
	return d.Attempt >= q.maxAttempts, nil
}

func (q *fakeQueue) Release(ctx context.Context, d *redisqueue.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, nackCall{id: d.ID, delay: delay})
	return nil
}

func (q *fakeQueue) PromoteScheduled(ctx context.Context, limit int64) (int, error) { return 0, nil }

func (q *fakeQueue) ReclaimExpired(ctx context.Context, limit int64) (int, int, error) {
	return 0, 0, nil
}

func (q *fakeQueue) Depth(ctx context.Context) (redisqueue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return redisqueue.Depth{Ready: int64(len(q.ready))}, nil
}

func (q *fakeQueue) settled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked) + len(q.nacks) + len(q.released)
}

func delivery(id string, entityID int64, attempt int) *redisqueue.Delivery {
	return &redisqueue.Delivery{ID: id, Job: job(entityID), Attempt: attempt}
}

func TestWorker_handleDelivery_SuccessAcks(t *testing.T) {
	h := newHarness(t, activeEntity(1, models.CarrierUPS, "1Z"))
	q := &fakeQueue{maxAttempts: 3}
	h.w.queue = q
	h.clients[models.CarrierUPS].On("FetchTracking", mock.Anything, "1Z").
		Return(carrier.Result{Status: "In Transit"}, nil).Once()

	h.w.handleDelivery(context.Background(), delivery("d1", 1, 1))
	require.Equal(t, []string{"d1"}, q.acked)
	require.Empty(t, q.nacks)
	require.Equal(t, int64(1), h.w.Stats().TotalSucceeded)
}

func TestWorker_handleDelivery_TransientRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, activeEntity(1, models.CarrierUPS, "1Z"))
	q := &fakeQueue{maxAttempts: 3}
	h.w.queue = q
	h.clients[models.CarrierUPS].On("FetchTracking", mock.Anything, "1Z").
		Return(carrier.Result{}, carrier.Transient(errors.New("timeout"))).Twice()

	h.w.handleDelivery(context.Background(), delivery("d1", 1, 1))
	h.w.handleDelivery(context.Background(), delivery("d1", 1, 2))

	require.Len(t, q.nacks, 2)
	require.GreaterOrEqual(t, q.nacks[0].delay, 15*time.Second)
	require.LessOrEqual(t, q.nacks[0].delay, 30*time.Second)
	require.GreaterOrEqual(t, q.nacks[1].delay, 30*time.Second)
	require.LessOrEqual(t, q.nacks[1].delay, 60*time.Second)
	require.Contains(t, q.nacks[0].reason, "timeout")

	st := h.w.Stats()
	require.Equal(t, int64(2), st.TotalRetried)
	require.Equal(t, int64(2), st.TotalErrors)
	require.Contains(t, st.LastError, "timeout")
}

func TestWorker_handleDelivery_DeadLetterOnLastAttempt(t *testing.T) {
	h := newHarness(t, activeEntity(1, models.CarrierUSPS, "94"))
	q := &fakeQueue{maxAttempts: 3}
	h.w.queue = q
	h.clients[models.CarrierUSPS].On("FetchTracking", mock.Anything, "94").
		Return(carrier.Result{}, errors.New("boom")).Once()

	h.w.handleDelivery(context.Background(), delivery("d9", 1, 3))
	require.Len(t, q.nacks, 1)
	require.Equal(t, int64(1), h.w.Stats().TotalDeadLettered)
	require.Zero(t, h.w.Stats().TotalRetried)
}

func TestWorker_handleDelivery_CircuitOpenWaitsForWindow(t *testing.T) {
	h := newHarness(t, activeEntity(1, models.CarrierFedEx, "F"))
	q := &fakeQueue{maxAttempts: 3}
	h.w.queue = q

	for i := 0; i < 3; i++ {
		_, err := h.br.RecordFailure(context.Background(), models.CarrierFedEx)
		require.NoError(t, err)
	}
	h.clock.Advance(10 * time.Minute)

	h.w.handleDelivery(context.Background(), delivery("d1", 1, 1))
	require.Len(t, q.nacks, 1)
	require.Equal(t, 20*time.Minute, q.nacks[0].delay)
	require.Equal(t, int64(1), h.w.Stats().TotalCircuitOpen)
	require.Zero(t, h.w.Stats().TotalErrors)
	h.clients[models.CarrierFedEx].AssertNotCalled(t, "FetchTracking", mock.Anything, mock.Anything)
}

func TestWorker_handleDelivery_RateLimitedIsReleased(t *testing.T) {
	h := newHarness(t, activeEntity(1, models.CarrierUPS, "1Z"))
	q := &fakeQueue{maxAttempts: 3}
	h.w.queue = q
	h.w.rl = &fakeRL{allowed: false}
	h.w.WithCarrierRateLimits(map[models.Carrier]int64{models.CarrierUPS: 5})
	h.clock.Advance(45 * time.Second)

	h.w.handleDelivery(context.Background(), delivery("d1", 1, 3))

	// последняя попытка, но в dead letter не уходит: перевозчика не вызывали
	require.Empty(t, q.nacks)
	require.Empty(t, q.acked)
	require.Equal(t, []nackCall{{id: "d1", delay: 15 * time.Second}}, q.released)
	st := h.w.Stats()
	require.Equal(t, int64(1), st.TotalRateLimited)
	require.Zero(t, st.TotalDeadLettered)
	require.Zero(t, st.TotalErrors)
	require.Empty(t, h.breakers.states)
}

func TestWorker_Run_DrainsQueueAndStopsOnCancel(t *testing.T) {
	h := newHarness(t,
		activeEntity(1, models.CarrierUPS, "A"),
		activeEntity(2, models.CarrierDHL, "B"),
		activeEntity(3, models.CarrierUSPS, "C"),
	)
	q := &fakeQueue{maxAttempts: 3, ready: []*redisqueue.Delivery{
		delivery("d1", 1, 1),
		delivery("d2", 2, 1),
		delivery("d3", 3, 1),
		delivery("d4", 404, 1),
	}}
	h.w.queue = q
	h.w.WithSettings(5*time.Millisecond, 10, 2, time.Second, 0)
	for c, n := range map[models.Carrier]string{models.CarrierUPS: "A", models.CarrierDHL: "B", models.CarrierUSPS: "C"} {
		h.clients[c].On("FetchTracking", mock.Anything, n).
			Return(carrier.Result{Status: "In Transit"}, nil).Once()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.settled() == 4 }, 2*time.Second, 5*time.Millisecond)
	h.w.Trigger()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.Len(t, q.acked, 4)
	st := h.w.Stats()
	require.Equal(t, int64(4), st.TotalDequeued)
	require.Zero(t, st.InFlight)
	require.NotNil(t, st.LastCycleAt)
	require.NotNil(t, st.LastTriggerAt)
}

func TestWorker_WithSettings(t *testing.T) {
	w := New(nil, nil, nil, nil, nil, nil, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, w.pollInterval)
	require.Equal(t, 7, w.batchSize)
	require.Equal(t, 9, w.concurrency)
	require.Equal(t, 11*time.Second, w.jobTimeout)
	require.Equal(t, int64(13), w.rateLimitPerMinute)

	w.WithSettings(0, 0, 0, 0, 0)
	require.Equal(t, 9, w.concurrency)
}
