package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
)

// RedisQueue coordinates the named work queues in Redis. Every logical queue
// owns per-priority ready lists, a scheduled zset scored by due time, an
// in-flight lease zset, and retention-trimmed history lists; a single
// dead-letter list collects exhausted jobs across queues.
type RedisQueue struct {
	client        *redis.Client
	topology      Topology
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config, topo Topology) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, topo, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, topo Topology, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		topology:      topo,
		visibilityTTL: visibility,
	}
}

func readyKey(queue string, priority models.Priority) string {
	return fmt.Sprintf("q:%s:ready:%s", queue, priority)
}

func scheduledKey(queue string) string { return fmt.Sprintf("q:%s:scheduled", queue) }
func inflightKey(queue string) string  { return fmt.Sprintf("q:%s:inflight", queue) }
func historyKey(queue, outcome string) string {
	return fmt.Sprintf("q:%s:history:%s", queue, outcome)
}
func metaKey(queue, jobID string) string { return fmt.Sprintf("q:%s:meta:%s", queue, jobID) }

const dlqKey = "q:" + QueueDeadLetter

// Enqueue inserts a job into the queue for its type: into the scheduled set
// when the run time is in the future, straight into the ready list otherwise.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error {
	if priority == "" {
		priority = models.PriorityNormal
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(queue, jobID), "priority", string(priority))
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, readyKey(queue, priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue moves a job into the scheduled set for a deferred retry attempt.
func (q *RedisQueue) Requeue(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error {
	if priority == "" {
		priority = models.PriorityNormal
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(queue, jobID), "priority", string(priority))
	pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
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
		pipe.ZRem(ctx, scheduledKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.priorityOf(ctx, queue, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, queue, jobID string) models.Priority {
	raw, err := q.client.HGet(ctx, metaKey(queue, jobID), "priority").Result()
	if err != nil || raw == "" {
		return models.PriorityNormal
	}
	p, err := models.ParsePriority(raw)
	if err != nil {
		return models.PriorityNormal
	}
	return p
}

// DequeueWithLease pops the most urgent ready job and places it into the
// in-flight set with a visibility timeout. Empty string means nothing ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string) (string, error) {
	keys := make([]string, 0, len(models.Priorities())+1)
	for _, p := range models.Priorities() {
		keys = append(keys, readyKey(queue, p))
	}
	keys = append(keys, inflightKey(queue))

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
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
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.priorityOf(ctx, queue, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes every trace of a job from a queue: ready lists, scheduled
// set, in-flight set, meta. It reports whether any entry was actually
// removed, so callers can tell a clean cancellation from one that raced an
// in-progress execution.
func (q *RedisQueue) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	pipe := q.client.TxPipeline()
	listCmds := make([]*redis.IntCmd, 0, len(models.Priorities()))
	for _, p := range models.Priorities() {
		listCmds = append(listCmds, pipe.LRem(ctx, readyKey(queue, p), 0, jobID))
	}
	schedCmd := pipe.ZRem(ctx, scheduledKey(queue), jobID)
	inflCmd := pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(queue, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	var removed int64
	for _, c := range listCmds {
		removed += c.Val()
	}
	removed += schedCmd.Val() + inflCmd.Val()
	return removed > 0, nil
}

// EntryState describes where a job currently sits inside a queue.
type EntryState string

const (
	EntryScheduled EntryState = "scheduled"
	EntryReady     EntryState = "ready"
	EntryInFlight  EntryState = "in_flight"
	EntryDead      EntryState = "dead_letter"
	EntryAbsent    EntryState = "absent"
)

// State locates a job within a queue. Unknown ids report EntryAbsent rather
// than an error so state lookups stay idempotent under retries.
func (q *RedisQueue) State(ctx context.Context, queue, jobID string) (EntryState, error) {
	if err := q.client.ZScore(ctx, scheduledKey(queue), jobID).Err(); err == nil {
		return EntryScheduled, nil
	} else if err != redis.Nil {
		return EntryAbsent, err
	}
	if err := q.client.ZScore(ctx, inflightKey(queue), jobID).Err(); err == nil {
		return EntryInFlight, nil
	} else if err != redis.Nil {
		return EntryAbsent, err
	}
	for _, p := range models.Priorities() {
		pos, err := q.client.LPos(ctx, readyKey(queue, p), jobID, redis.LPosArgs{}).Result()
		if err == nil && pos >= 0 {
			return EntryReady, nil
		}
		if err != nil && err != redis.Nil {
			return EntryAbsent, err
		}
	}
	pos, err := q.client.LPos(ctx, dlqKey, jobID, redis.LPosArgs{}).Result()
	if err == nil && pos >= 0 {
		return EntryDead, nil
	}
	if err != nil && err != redis.Nil {
		return EntryAbsent, err
	}
	return EntryAbsent, nil
}

// RecordOutcome appends a job to the queue's completed or failed history,
// trimmed to the queue's retention counts so history cannot grow unbounded.
func (q *RedisQueue) RecordOutcome(ctx context.Context, queue, jobID string, succeeded bool) error {
	outcome := "completed"
	keep := q.topology[queue].KeepCompleted
	if !succeeded {
		outcome = "failed"
		keep = q.topology[queue].KeepFailed
	}
	if keep <= 0 {
		keep = 50
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, historyKey(queue, outcome), jobID)
	pipe.LTrim(ctx, historyKey(queue, outcome), 0, keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection,
// trimmed to the dead-letter retention count.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	keep := q.topology[QueueDeadLetter].KeepFailed
	if keep <= 0 {
		keep = 200
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, dlqKey, jobID)
	pipe.LTrim(ctx, dlqKey, 0, keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of a queue's ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(models.Priorities()))
	for _, p := range models.Priorities() {
		cmds = append(cmds, pipe.LLen(ctx, readyKey(queue, p)))
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
