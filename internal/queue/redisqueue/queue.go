package redisqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/trackpipe/internal/broker/messages"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix      = "trackpipe:queue"
	DefaultLease       = 60 * time.Second
	DefaultMaxAttempts = 3
)

// ErrLeaseLost is returned when the caller no longer holds the delivery's lease: it
// expired and was reclaimed, or the delivery was already settled.
var ErrLeaseLost = errors.New("delivery lease lost")

// DeadLetterSink stores jobs that ran out of delivery attempts.
type DeadLetterSink interface {
	PutDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

type Delivery struct {
	ID        string
	Job       messages.TrackingJob
	Attempt   int
	LastError string
	// Lease identifies this particular lease; Ack and Retry are accepted only while it
	// is still the one recorded on the message.
	Lease string
}

type Options struct {
	Prefix      string
	Lease       time.Duration
	MaxAttempts int
}

// Queue is an at-least-once job queue on Redis: a ready list, an in-flight sorted set
// scored by lease deadline, and a scheduled set for delayed redelivery.
type Queue struct {
	client      *redis.Client
	sink        DeadLetterSink
	prefix      string
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
}

func New(client *redis.Client, sink DeadLetterSink, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		client:      client,
		sink:        sink,
		prefix:      opts.Prefix,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func NewFromAddr(addr string, sink DeadLetterSink, opts Options) *Queue {
	return New(redis.NewClient(&redis.Options{Addr: addr}), sink, opts)
}

func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) MaxAttempts() int { return q.maxAttempts }
func (q *Queue) Lease() time.Duration { return q.lease }

func (q *Queue) readyKey() string { return q.prefix + ":ready" }
func (q *Queue) inflightKey() string { return q.prefix + ":inflight" }
func (q *Queue) scheduledKey() string { return q.prefix + ":scheduled" }
func (q *Queue) msgPrefix() string { return q.prefix + ":msg:" }
func (q *Queue) msgKey(id string) string { return q.msgPrefix() + id }

// Enqueue stores the job and makes it immediately available. Returns the delivery ID.
func (q *Queue) Enqueue(ctx context.Context, job messages.TrackingJob) (string, error) {
	body, err := job.Encode()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id),
		"body", body,
		"attempts", 0,
		"enqueued_at", q.now().UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrap(err, "enqueue job")
	}
	return id, nil
}

// Dequeue leases the next ready job. Returns (nil, nil) when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := q.now().Add(q.lease).UnixMilli()
	lease := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		deadline, q.msgPrefix(), lease,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue job")
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return nil, fmt.Errorf("unexpected dequeue result: %T", res)
	}
	d := &Delivery{
		ID:        toString(arr[0]),
		Attempt:   int(toInt64(arr[2])),
		LastError: toString(arr[3]),
		Lease:     lease,
	}

	job, err := messages.DecodeTrackingJob([]byte(toString(arr[1])))
	if err != nil {
		// Битое сообщение повторять бессмысленно.
		slog.Error("poison job, dead-lettering", "delivery_id", d.ID, "error", err.Error())
		if dlErr := q.deadLetter(ctx, d, "invalid payload: "+err.Error()); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}
	d.Job = job
	return d, nil
}

// Ack removes a finished delivery. A stale ack (lease already reclaimed) returns ErrLeaseLost.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(d.ID)},
		d.ID, d.Lease,
	).Int()
	if err != nil {
		return errors.Wrap(err, "ack job")
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack reports a failed delivery. While attempts remain the job is rescheduled after
// delay; otherwise it goes to the dead-letter sink. Returns true when dead-lettered.
func (q *Queue) Nack(ctx context.Context, d *Delivery, reason string, delay time.Duration) (bool, error) {
	if d.Attempt >= q.maxAttempts {
		return true, q.DeadLetter(ctx, d, reason)
	}
	return false, q.Retry(ctx, d, reason, delay)
}

// Retry returns the delivery to the scheduled set; it becomes ready after delay.
func (q *Queue) Retry(ctx context.Context, d *Delivery, reason string, delay time.Duration) error {
	runAt := q.now().Add(delay).UnixMilli()
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(d.ID), q.scheduledKey()},
		d.ID, d.Lease, runAt, reason,
	).Int()
	if err != nil {
		return errors.Wrap(err, "schedule retry")
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release puts the delivery back after delay without counting the attempt, for jobs
// that were not started (e.g. the carrier budget is spent).
func (q *Queue) Release(ctx context.Context, d *Delivery, delay time.Duration) error {
	runAt := q.now().Add(delay).UnixMilli()
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(d.ID), q.scheduledKey()},
		d.ID, d.Lease, runAt,
	).Int()
	if err != nil {
		return errors.Wrap(err, "release job")
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter moves the delivery to the sink regardless of remaining attempts.
func (q *Queue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return q.deadLetter(ctx, d, reason)
}

func (q *Queue) deadLetter(ctx context.Context, d *Delivery, reason string) error {
	if q.sink == nil {
		return errors.New("dead-letter sink is not configured")
	}
	// Сначала пишем в durable sink: если упадём до удаления, reclaim повторит попытку,
	// а PutDeadLetter идемпотентен по job_id.
	if err := q.sink.PutDeadLetter(ctx, models.DeadLetter{
		JobID:         d.ID,
		EntityID:      d.Job.EntityID,
		FailureReason: reason,
		AttemptCount:  d.Attempt,
	}); err != nil {
		return errors.Wrap(err, "put dead letter")
	}
	if _, err := removeScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(d.ID)},
		d.ID, d.Lease,
	).Int(); err != nil {
		return errors.Wrap(err, "remove dead-lettered job")
	}
	return nil
}

// PromoteScheduled moves due delayed jobs back to the ready list.
func (q *Queue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.readyKey()},
		q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "promote scheduled")
	}
	return n, nil
}

// ReclaimExpired returns jobs whose lease ran out to the ready list. Jobs that already
// used every attempt are dead-lettered instead.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int64) (requeued, deadLettered int, err error) {
	now := q.now()
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.readyKey()},
		now.UnixMilli(), limit, q.msgPrefix(), q.maxAttempts, now.Add(q.lease).UnixMilli(),
		uuid.NewString(),
	).Result()
	if err != nil {
		return 0, 0, errors.Wrap(err, "reclaim expired")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return 0, 0, fmt.Errorf("unexpected reclaim result: %T", res)
	}
	requeued = int(toInt64(arr[0]))

	for _, raw := range arr[1:] {
		id := toString(raw)
		fields, err := q.client.HGetAll(ctx, q.msgKey(id)).Result()
		if err != nil {
			return requeued, deadLettered, errors.Wrap(err, "load exhausted job")
		}
		d := &Delivery{ID: id, LastError: fields["last_error"], Lease: fields["lease"]}
		d.Attempt, _ = strconv.Atoi(fields["attempts"])
		if job, err := messages.DecodeTrackingJob([]byte(fields["body"])); err == nil {
			d.Job = job
		}
		reason := fmt.Sprintf("lease expired after %d attempts", d.Attempt)
		if d.LastError != "" {
			reason += ": " + d.LastError
		}
		if err := q.deadLetter(ctx, d, reason); err != nil {
			return requeued, deadLettered, err
		}
		deadLettered++
	}
	return requeued, deadLettered, nil
}

type Depth struct {
	Ready     int64 `json:"ready"`
	InFlight  int64 `json:"inFlight"`
	Scheduled int64 `json:"scheduled"`
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	inflight := pipe.ZCard(ctx, q.inflightKey())
	scheduled := pipe.ZCard(ctx, q.scheduledKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, errors.Wrap(err, "queue depth")
	}
	return Depth{Ready: ready.Val(), InFlight: inflight.Val(), Scheduled: scheduled.Val()}, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// KEYS: ready, inflight. ARGV: lease deadline ms, msg key prefix, lease token.
var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then return nil end
  local mkey = ARGV[2] .. id
  if redis.call('EXISTS', mkey) == 1 then
    local attempts = redis.call('HINCRBY', mkey, 'attempts', 1)
    redis.call('HSET', mkey, 'lease', ARGV[3])
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    local body = redis.call('HGET', mkey, 'body')
    local lastErr = redis.call('HGET', mkey, 'last_error') or ''
    return {id, body, attempts, lastErr}
  end
end
`)

// KEYS: inflight, msg. ARGV: id, lease token.
var removeScript = redis.NewScript(`
local lease = redis.call('HGET', KEYS[2], 'lease')
if (not lease) or lease ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: inflight, msg, scheduled. ARGV: id, lease token, run at ms, reason.
var retryScript = redis.NewScript(`
local lease = redis.call('HGET', KEYS[2], 'lease')
if (not lease) or lease ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], 'lease')
redis.call('HSET', KEYS[2], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: inflight, msg, scheduled. ARGV: id, lease token, run at ms.
var releaseScript = redis.NewScript(`
local lease = redis.call('HGET', KEYS[2], 'lease')
if (not lease) or lease ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], 'lease')
if tonumber(redis.call('HGET', KEYS[2], 'attempts') or '0') > 0 then
  redis.call('HINCRBY', KEYS[2], 'attempts', -1)
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: scheduled, ready. ARGV: now ms, limit.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS: inflight, ready. ARGV: now ms, limit, msg key prefix, max attempts, re-lease deadline ms,
// lease token. Returns {requeuedCount, exhaustedID...}; exhausted jobs are re-leased to the caller
// under the given token. Requeued jobs lose their lease so the previous holder cannot settle them.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {0}
for _, id in ipairs(ids) do
  local mkey = ARGV[3] .. id
  if redis.call('EXISTS', mkey) == 0 then
    redis.call('ZREM', KEYS[1], id)
  else
    local attempts = tonumber(redis.call('HGET', mkey, 'attempts') or '0')
    if attempts >= tonumber(ARGV[4]) then
      redis.call('ZADD', KEYS[1], ARGV[5], id)
      redis.call('HSET', mkey, 'lease', ARGV[6])
      table.insert(out, id)
    else
      redis.call('ZREM', KEYS[1], id)
      redis.call('HDEL', mkey, 'lease')
      redis.call('RPUSH', KEYS[2], id)
      out[1] = out[1] + 1
    end
  end
end
return out
`)
