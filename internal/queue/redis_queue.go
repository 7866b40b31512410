package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
type RedisQueue struct {
	client        *redis.Client
	priorities    []models.Priority
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue on top of a shared client.
func NewRedisQueue(client *redis.Client, cfg config.QueueConfig) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		priorities:    models.AllPriorities,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// VisibilityTimeout is how long a delivery stays leased without an extension.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(priority models.Priority) string {
	return fmt.Sprintf("queue:ready:%d", int(priority))
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) readyKeys() []string {
	keys := make([]string, 0, len(q.priorities))
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	return keys
}

// Enqueue inserts a task into either the scheduled set or the ready queue of its priority.
// Enqueueing an id that is already waiting moves it instead of duplicating it.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority models.Priority, runAt time.Time) error {
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	pipe := q.client.TxPipeline()
	for _, key := range q.readyKeys() {
		pipe.LRem(ctx, key, 0, jobID)
	}
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "priority", int(priority), "enqueued_at", time.Now().UnixMilli())
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Reschedule changes the delivery time of a waiting task. It reports false when the task
// is not waiting in the queue (in flight or unknown).
func (q *RedisQueue) Reschedule(ctx context.Context, jobID string, runAt time.Time) (bool, error) {
	res, err := rescheduleScript.Run(ctx, q.client,
		append(q.readyKeys(), q.scheduledKey, q.inflightKey, q.metaKey(jobID)),
		jobID, runAt.UnixMilli(), time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("reschedule %s: %w", jobID, err)
	}
	return res == 1, nil
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys := append([]string{q.scheduledKey}, q.readyKeys()...)
	n, err := promoteScript.Run(ctx, q.client, keys, now.UnixMilli(), limit, q.jobMetaPrefix, int(models.PriorityNormal)).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it into
// in-flight with a visibility deadline. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := append(q.readyKeys(), q.inflightKey)
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task. It reports
// false when the task is no longer leased.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, jobID, time.Now().Add(extension).UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

// Nack returns an in-flight task to the scheduled set so it is redelivered after delay.
func (q *RedisQueue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	runAt := time.Now().Add(delay)
	if err := nackScript.Run(ctx, q.client, []string{q.inflightKey, q.scheduledKey}, jobID, runAt.UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("nack %s: %w", jobID, err)
	}
	return nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys := append([]string{q.inflightKey}, q.readyKeys()...)
	res, err := reclaimScript.Run(ctx, q.client, keys, now.UnixMilli(), limit, q.jobMetaPrefix, int(models.PriorityNormal)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return res, nil
}

// Remove deletes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, key := range q.readyKeys() {
		pipe.LRem(ctx, key, 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", jobID, err)
	}
	return nil
}

// Contains reports whether the queue still tracks the task (waiting or in flight).
func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", jobID, err)
	}
	return n == 1, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, key := range q.readyKeys() {
		cmds = append(cmds, pipe.LLen(ctx, key))
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

// ScheduledDepth returns the number of delayed tasks.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// InflightDepth returns the number of leased tasks.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// KEYS: ready lists in priority order, then inflight. ARGV[1]: lease deadline.
// Ids that are already in flight are dropped so a task is never delivered twice at once.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  while true do
    local job = redis.call('LPOP', KEYS[i])
    if not job then break end
    if not redis.call('ZSCORE', inflight, job) then
      redis.call('ZADD', inflight, ARGV[1], job)
      return job
    end
  end
end
return nil
`)

// KEYS: scheduled, ready lists in priority order. ARGV: now, limit, meta prefix, default priority.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local p = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority')) or tonumber(ARGV[4])
    if p < 1 or p > #KEYS - 1 then p = tonumber(ARGV[4]) end
    redis.call('RPUSH', KEYS[p + 1], id)
    moved = moved + 1
  end
end
return moved
`)

// KEYS: inflight, ready lists in priority order. ARGV: now, limit, meta prefix, default priority.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local p = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority')) or tonumber(ARGV[4])
    if p < 1 or p > #KEYS - 1 then p = tonumber(ARGV[4]) end
    redis.call('RPUSH', KEYS[p + 1], id)
    table.insert(out, id)
  end
end
return out
`)

// KEYS: inflight. ARGV: id, new deadline.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS: inflight, scheduled. ARGV: id, run at.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS: ready lists..., scheduled, inflight, meta. ARGV: id, run at, now.
var rescheduleScript = redis.NewScript(`
local n = #KEYS
local scheduled, inflight, meta = KEYS[n-2], KEYS[n-1], KEYS[n]
if redis.call('EXISTS', meta) == 0 or redis.call('ZSCORE', inflight, ARGV[1]) then
  return 0
end
for i=1,n-3 do
  redis.call('LREM', KEYS[i], 0, ARGV[1])
end
redis.call('ZREM', scheduled, ARGV[1])
if tonumber(ARGV[2]) > tonumber(ARGV[3]) then
  redis.call('ZADD', scheduled, ARGV[2], ARGV[1])
else
  local p = tonumber(redis.call('HGET', meta, 'priority')) or 3
  if p < 1 or p > n - 3 then p = 3 end
  redis.call('RPUSH', KEYS[p], ARGV[1])
end
return 1
`)
