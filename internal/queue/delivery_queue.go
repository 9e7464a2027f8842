package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"appliance-dispatch/internal/models"
)

// ErrEnqueueFailed is the sentinel surfaced to producers when a delivery
// could not be persisted. Producers log it and move on; they never crash on
// a saturated queue.
var ErrEnqueueFailed = fmt.Errorf("delivery enqueue failed")

// DeliveryQueue coordinates ready, in-flight, and scheduled delivery jobs
// in Redis. The ready lists are plain FIFOs, so deliveries to the same chat
// come out in enqueue order. The full job payload is persisted under a meta
// key and survives process restarts; a job disappears only on Ack or when
// it is dead-lettered.
type DeliveryQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
}

// Options configures a DeliveryQueue.
type Options struct {
	// Priorities are drained in order; FIFO is guaranteed per lane, not
	// across lanes.
	Priorities        []string
	VisibilityTimeout time.Duration
	DLQName           string
}

// New builds a queue client on an existing Redis connection.
func New(client *redis.Client, opts Options) *DeliveryQueue {
	priorities := opts.Priorities
	if len(priorities) == 0 {
		priorities = []string{"high", "default"}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "delivery:dlq"
	}
	return &DeliveryQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "delivery:inflight",
		scheduledKey:   "delivery:scheduled",
		metaPrefix:     "delivery:meta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *DeliveryQueue) readyKey(priority string) string {
	return fmt.Sprintf("delivery:ready:%s", priority)
}

func (q *DeliveryQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

func (q *DeliveryQueue) normalizePriority(p string) string {
	for _, known := range q.priorityQueues {
		if p == known {
			return p
		}
	}
	return "default"
}

// Enqueue persists job and pushes it onto its ready FIFO. A missing ID or
// trace ID is filled in. The assigned ID is returned.
func (q *DeliveryQueue) Enqueue(ctx context.Context, job models.DeliveryJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Priority = q.normalizePriority(job.Priority)

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", ErrEnqueueFailed, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(job.ID), payload, 0)
	pipe.RPush(ctx, q.readyKey(job.Priority), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	return job.ID, nil
}

// Schedule persists job for execution at runAt via the scheduled set.
func (q *DeliveryQueue) Schedule(ctx context.Context, job models.DeliveryJob, runAt time.Time) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Priority = q.normalizePriority(job.Priority)

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", ErrEnqueueFailed, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(job.ID), payload, 0)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	return job.ID, nil
}

// PromoteScheduled moves due scheduled jobs into their ready queues. It
// returns how many were promoted.
func (q *DeliveryQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := "default"
		if job, err := q.Get(ctx, id); err == nil {
			priority = q.normalizePriority(job.Priority)
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next delivery (priority order) and places it
// into the in-flight set with a visibility timeout. Returns a nil job when
// the queues are empty.
func (q *DeliveryQueue) DequeueWithLease(ctx context.Context) (*models.DeliveryJob, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		// Meta lost; drop the lease so the id does not cycle forever.
		_ = q.Ack(ctx, id)
		return nil, err
	}
	return &job, nil
}

// Get loads the persisted payload for a delivery id.
func (q *DeliveryQueue) Get(ctx context.Context, id string) (models.DeliveryJob, error) {
	raw, err := q.client.Get(ctx, q.metaKey(id)).Bytes()
	if err != nil {
		return models.DeliveryJob{}, fmt.Errorf("load delivery %s: %w", id, err)
	}
	var job models.DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.DeliveryJob{}, fmt.Errorf("decode delivery %s: %w", id, err)
	}
	return job, nil
}

// Update rewrites the persisted payload (attempt counts) for an id.
func (q *DeliveryQueue) Update(ctx context.Context, job models.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery %s: %w", job.ID, err)
	}
	return q.client.Set(ctx, q.metaKey(job.ID), payload, 0).Err()
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *DeliveryQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Retry rewrites the payload (attempt count) and moves the delivery from
// in-flight to the scheduled set for runAt.
func (q *DeliveryQueue) Retry(ctx context.Context, job models.DeliveryJob, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery %s: %w", job.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(job.ID), payload, 0)
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Ack removes a delivery from in-flight tracking and deletes its payload.
func (q *DeliveryQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the ids. This
// is the crash-recovery path for a worker that died mid-delivery.
func (q *DeliveryQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := "default"
		if job, err := q.Get(ctx, id); err == nil {
			priority = q.normalizePriority(job.Priority)
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQEntry is a dead-lettered delivery with its terminal error.
type DLQEntry struct {
	Job       models.DeliveryJob `json:"job"`
	LastError string             `json:"last_error"`
	FailedAt  time.Time          `json:"failed_at"`
}

// DeadLetter moves a delivery to the DLQ with its terminal error and drops
// it from the live queues.
func (q *DeliveryQueue) DeadLetter(ctx context.Context, job models.DeliveryJob, lastError string) error {
	entry, err := json.Marshal(DLQEntry{Job: job, LastError: lastError, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, entry)
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.Del(ctx, q.metaKey(job.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered entries for inspection.
func (q *DeliveryQueue) DLQPeek(ctx context.Context, count int64) ([]DLQEntry, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var e DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *DeliveryQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
