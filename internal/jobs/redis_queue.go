package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// enqueueScript stores the job body and schedules it unless the id is
// already known or has a retained result.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return 0 end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claimScript moves due ids from the schedule to the lease set atomically.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// recoverScript releases expired leases atomically. A job whose result is
// already retained was finished by a slow worker and is dropped instead of
// requeued. The second list holds ids that reached the try limit; their
// bodies stay in the data hash so the caller can record a failed result.
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, exhausted = {}, {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', ARGV[3] .. id) == 1 then
    redis.call('HDEL', KEYS[3], id)
    redis.call('HDEL', KEYS[4], id)
  elseif redis.call('HEXISTS', KEYS[3], id) == 1 then
    local tries = redis.call('HINCRBY', KEYS[4], id, 1)
    if tries >= tonumber(ARGV[2]) then
      table.insert(exhausted, id)
    else
      redis.call('ZADD', KEYS[2], ARGV[1], id)
      table.insert(requeued, id)
    end
  end
end
return {requeued, exhausted}
`)

// RedisQueue keeps jobs in a sorted set scored by run-at time. Claimed jobs
// are leased for the job timeout; Recover requeues leases that expire, which
// gives at-least-once delivery across worker crashes.
type RedisQueue struct {
	redis      *redis.Client
	prefix     string
	lease      time.Duration
	keepResult time.Duration
	maxTries   int
	logger     *logging.Logger
}

// NewRedisQueue creates a queue under the "jobs:" key prefix.
func NewRedisQueue(client *redis.Client, logger *logging.Logger) *RedisQueue {
	if client == nil {
		panic("jobs: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisQueue{
		redis:      client,
		prefix:     "jobs:",
		lease:      5 * time.Minute,
		keepResult: time.Hour,
		maxTries:   5,
		logger:     logger,
	}
}

func (q *RedisQueue) WithPrefix(prefix string) *RedisQueue {
	if prefix != "" {
		q.prefix = prefix
	}
	return q
}

// WithLease sets how long a claimed job may run before Recover hands it out again.
func (q *RedisQueue) WithLease(d time.Duration) *RedisQueue {
	if d > 0 {
		q.lease = d
	}
	return q
}

func (q *RedisQueue) WithKeepResult(d time.Duration) *RedisQueue {
	if d > 0 {
		q.keepResult = d
	}
	return q
}

func (q *RedisQueue) WithMaxTries(n int) *RedisQueue {
	if n > 0 {
		q.maxTries = n
	}
	return q
}

func (q *RedisQueue) scheduledKey() string  { return q.prefix + "scheduled" }
func (q *RedisQueue) processingKey() string { return q.prefix + "processing" }
func (q *RedisQueue) dataKey() string       { return q.prefix + "data" }
func (q *RedisQueue) attemptsKey() string   { return q.prefix + "attempts" }
func (q *RedisQueue) resultKey(id string) string {
	return q.prefix + "result:" + id
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if job.ID == "" || job.Name == "" {
		return Handle{}, errors.New("jobs: enqueue: id and name required")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("jobs: encode job: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.redis,
		[]string{q.scheduledKey(), q.dataKey(), q.resultKey(job.ID)},
		job.ID, body, score(job.RunAt)).Int()
	if err != nil {
		return Handle{}, fmt.Errorf("jobs: enqueue %s: %w", job.Name, err)
	}
	if added == 0 {
		return job.handle(), fmt.Errorf("jobs: enqueue %s %s: %w", job.Name, job.ID, ErrDuplicate)
	}
	return job.handle(), nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, max int) ([]Job, error) {
	if max <= 0 {
		return nil, nil
	}
	ids, err := claimScript.Run(ctx, q.redis,
		[]string{q.scheduledKey(), q.processingKey()},
		score(now), max, score(now.Add(q.lease))).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := q.redis.HMGet(ctx, q.dataKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: load claimed: %w", err)
	}
	tries, err := q.redis.HMGet(ctx, q.attemptsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: load attempts: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for i, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			q.logger.Warn("jobs: claimed id without body", "job_id", ids[i])
			q.redis.ZRem(ctx, q.processingKey(), ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			q.logger.Error("jobs: dropping undecodable job", "job_id", ids[i], "error", err)
			q.redis.ZRem(ctx, q.processingKey(), ids[i])
			q.redis.HDel(ctx, q.dataKey(), ids[i])
			continue
		}
		if n, ok := tries[i].(string); ok {
			job.Attempts, _ = strconv.Atoi(n)
		}
		out = append(out, job)
	}
	return out, nil
}

// Ack releases the lease, drops the body and retains the result.
func (q *RedisQueue) Ack(ctx context.Context, job Job, result Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("jobs: encode result: %w", err)
	}
	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey(), job.ID)
		pipe.HDel(ctx, q.dataKey(), job.ID)
		pipe.HDel(ctx, q.attemptsKey(), job.ID)
		pipe.Set(ctx, q.resultKey(job.ID), body, q.keepResult)
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobs: ack %s: %w", job.ID, err)
	}
	return nil
}

// Result returns the retained outcome of a finished job.
func (q *RedisQueue) Result(ctx context.Context, id string) (*Result, error) {
	body, err := q.redis.Get(ctx, q.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: load result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("jobs: decode result: %w", err)
	}
	return &res, nil
}

// Recover requeues jobs whose lease expired before now. A job that has been
// handed out maxTries times is dropped with a failed result.
func (q *RedisQueue) Recover(ctx context.Context, now time.Time) (int, error) {
	raw, err := recoverScript.Run(ctx, q.redis,
		[]string{q.processingKey(), q.scheduledKey(), q.dataKey(), q.attemptsKey()},
		score(now), q.maxTries, q.prefix+"result:").Slice()
	if err != nil {
		return 0, fmt.Errorf("jobs: recover: %w", err)
	}
	requeued, exhausted := stringsAt(raw, 0), stringsAt(raw, 1)
	for _, id := range requeued {
		q.logger.Warn("jobs: lease expired, requeued", "job_id", id)
	}
	for _, id := range exhausted {
		if err := q.giveUp(ctx, id, now); err != nil {
			return len(requeued), err
		}
	}
	return len(requeued), nil
}

func (q *RedisQueue) giveUp(ctx context.Context, id string, now time.Time) error {
	job := Job{ID: id}
	body, err := q.redis.HGet(ctx, q.dataKey(), id).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("jobs: load exhausted %s: %w", id, err)
	default:
		if err := json.Unmarshal(body, &job); err != nil {
			job = Job{ID: id}
		}
	}
	job.Attempts = q.maxTries
	q.logger.Error("jobs: giving up on job", "job_id", id, "name", job.Name, "attempts", job.Attempts)
	return q.Ack(ctx, job, Result{
		JobID:      id,
		Name:       job.Name,
		Status:     StatusFailed,
		Error:      "lease expired too many times",
		FinishedAt: now,
	})
}

func stringsAt(raw []any, i int) []string {
	if i >= len(raw) {
		return nil
	}
	items, _ := raw[i].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Pending counts jobs waiting for their run-at time.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.redis.ZCard(ctx, q.scheduledKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("jobs: pending: %w", err)
	}
	return n, nil
}
