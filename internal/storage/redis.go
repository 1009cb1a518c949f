package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

var _ Storage = (*RedisStorage)(nil)

// Key layout. Each job is a hash; each state has a sorted-set index.
// Pending jobs live in one of two indexes: the state index holds jobs that
// are due, scored by created_at, and the scheduled index holds jobs waiting
// out a backoff, scored by run_at. Processing is scored by locked_at,
// completed and dead by created_at. All scores are unix microseconds.
const redisPrefix = "queuectl:"

// redisPromoteLimit bounds how many due scheduled jobs one claim moves into
// the ready index, so a claim never scans the whole backlog.
const redisPromoteLimit = 64

func redisJobKey(id string) string { return redisPrefix + "job:" + id }

func redisStateKey(s job.State) string { return redisPrefix + "state:" + string(s) }

var redisScheduledKey = redisPrefix + "scheduled"

// redisIndexKeys lists every index a job in state s can be found in.
func redisIndexKeys(s job.State) []string {
	if s == job.StatePending {
		return []string{redisStateKey(s), redisScheduledKey}
	}
	return []string{redisStateKey(s)}
}

// claimScript promotes due scheduled jobs into the ready index, then moves
// the oldest-created ready job to processing. KEYS: ready, scheduled,
// processing. It returns the claimed hash as a flat field/value list, or nil.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ARGV[5])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local c = redis.call('HGET', ARGV[4] .. id, 'created_us')
	if c then
		redis.call('ZADD', KEYS[1], c, id)
	end
end
local best = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if not best then
	return false
end
redis.call('ZREM', KEYS[1], best)
local key = ARGV[4] .. best
if redis.call('HGET', key, 'state') ~= 'pending' then
	return false
end
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'processing', 'worker_id', ARGV[3], 'locked_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], best)
return redis.call('HGETALL', key)
`)

// transitionScript is the compare-and-set used by every single-job
// mutation. KEYS: job hash, source index, target index. ARGV: expected
// state, target score ("created" uses the job's created_us), job id, "1" to
// clear the lease, then field/value pairs to set.
var transitionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[1] then
	return 0
end
local score = ARGV[2]
if score == 'created' then
	score = redis.call('HGET', KEYS[1], 'created_us')
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
if ARGV[4] == '1' then
	redis.call('HDEL', KEYS[1], 'worker_id', 'locked_at')
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], score, ARGV[3])
return 1
`)

// recoverScript resets every processing entry locked at or before ARGV[1].
// A processing job's run_at has already passed, so it goes straight back to
// the ready index.
var recoverScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(stale) do
	local key = ARGV[3] .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HGET', key, 'state') == 'processing' then
		redis.call('HSET', key, 'state', 'pending', 'updated_at', ARGV[2])
		redis.call('HDEL', key, 'worker_id', 'locked_at')
		redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'created_us'), id)
		n = n + 1
	end
end
return n
`)

// RedisStorage keeps jobs in Redis. Durability follows the server's
// persistence settings; run it with appendonly enabled.
type RedisStorage struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStorage wraps client. The storage owns the client and closes it
// on Close.
func NewRedisStorage(client redis.UniversalClient, opts ...Option) *RedisStorage {
	return &RedisStorage{client: client, opts: buildOptions(opts)}
}

func (s *RedisStorage) Close() error { return s.client.Close() }

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (s *RedisStorage) Enqueue(ctx context.Context, command string, maxRetries int) (string, error) {
	id := uuid.New().String()
	now := s.opts.clock()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisJobKey(id), map[string]any{
		"id":          id,
		"command":     command,
		"state":       string(job.StatePending),
		"attempts":    0,
		"max_retries": maxRetries,
		"run_at":      formatTime(now),
		"run_at_us":   micros(now),
		"created_at":  formatTime(now),
		"created_us":  micros(now),
		"updated_at":  formatTime(now),
	})
	// run_at is now, so the job is ready immediately
	pipe.ZAdd(ctx, redisStateKey(job.StatePending), redis.Z{Score: float64(now.UnixMicro()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("storage: enqueue: %w", err)
	}
	return id, nil
}

func (s *RedisStorage) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	now := s.opts.clock()
	res, err := claimScript.Run(ctx, s.client,
		[]string{redisStateKey(job.StatePending), redisScheduledKey, redisStateKey(job.StateProcessing)},
		micros(now), formatTime(now), workerID, redisPrefix+"job:", redisPromoteLimit,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: claim: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	j, err := jobFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("storage: claim: %w", err)
	}
	return j, nil
}

// transition moves id from the fromKey index to the toKey index if its state
// is still from.
func (s *RedisStorage) transition(ctx context.Context, op, id string, from job.State, fromKey, toKey, score string, clearLease bool, kv ...any) (bool, error) {
	flag := "0"
	if clearLease {
		flag = "1"
	}
	args := append([]any{string(from), score, id, flag}, kv...)
	n, err := transitionScript.Run(ctx, s.client,
		[]string{redisJobKey(id), fromKey, toKey}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("storage: %s: %w", op, err)
	}
	return n == 1, nil
}

func (s *RedisStorage) finalize(ctx context.Context, op, id, toKey, score string, kv ...any) error {
	ok, err := s.transition(ctx, op, id, job.StateProcessing, redisStateKey(job.StateProcessing), toKey, score, true, kv...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: %s: %w", op, ErrStateConflict)
	}
	return nil
}

func (s *RedisStorage) Complete(ctx context.Context, id string) error {
	return s.finalize(ctx, "complete", id, redisStateKey(job.StateCompleted), "created",
		"state", string(job.StateCompleted), "updated_at", formatTime(s.opts.clock()))
}

func (s *RedisStorage) Fail(ctx context.Context, id, errMsg string, attempts int, runAt time.Time) error {
	return s.finalize(ctx, "fail", id, redisScheduledKey, micros(runAt),
		"state", string(job.StatePending),
		"attempts", attempts,
		"run_at", formatTime(runAt),
		"run_at_us", micros(runAt),
		"error_message", errMsg,
		"updated_at", formatTime(s.opts.clock()))
}

func (s *RedisStorage) MarkDead(ctx context.Context, id, errMsg string) error {
	return s.finalize(ctx, "mark dead", id, redisStateKey(job.StateDead), "created",
		"state", string(job.StateDead),
		"error_message", errMsg,
		"updated_at", formatTime(s.opts.clock()))
}

func (s *RedisStorage) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	now := s.opts.clock()
	return s.transition(ctx, "retry from dlq", id, job.StateDead,
		redisStateKey(job.StateDead), redisStateKey(job.StatePending), "created", false,
		"state", string(job.StatePending),
		"attempts", 0,
		"run_at", formatTime(now),
		"run_at_us", micros(now),
		"updated_at", formatTime(now))
}

func (s *RedisStorage) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.opts.clock()
	n, err := recoverScript.Run(ctx, s.client,
		[]string{redisStateKey(job.StateProcessing), redisStateKey(job.StatePending)},
		micros(now.Add(-threshold)), formatTime(now), redisPrefix+"job:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("storage: recover stale: %w", err)
	}
	return n, nil
}

func (s *RedisStorage) CountsByState(ctx context.Context) (map[job.State]int, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[job.State][]*redis.IntCmd)
	for _, st := range job.States() {
		for _, key := range redisIndexKeys(st) {
			cmds[st] = append(cmds[st], pipe.ZCard(ctx, key))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("storage: counts: %w", err)
	}
	out := make(map[job.State]int)
	for st, cs := range cmds {
		var n int64
		for _, cmd := range cs {
			n += cmd.Val()
		}
		if n > 0 {
			out[st] = int(n)
		}
	}
	return out, nil
}

// ListByState returns jobs ordered by created_at. Pending jobs span two
// indexes and processing is scored by locked_at, so results are re-sorted.
func (s *RedisStorage) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	var ids []string
	for _, key := range redisIndexKeys(state) {
		part, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		ids = append(ids, part...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, redisJobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	out := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 || fields["state"] != string(state) {
			continue
		}
		j, err := jobFromHash(fields)
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		out = append(out, j)
	}
	sortByCreated(out)
	return out, nil
}

func (s *RedisStorage) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, redisJobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	j, err := jobFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return j, nil
}

func jobFromHash(f map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:           f["id"],
		Command:      f["command"],
		State:        job.State(f["state"]),
		ErrorMessage: f["error_message"],
		WorkerID:     f["worker_id"],
	}
	var err error
	if j.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return nil, fmt.Errorf("job %s: attempts: %w", j.ID, err)
	}
	if j.MaxRetries, err = strconv.Atoi(f["max_retries"]); err != nil {
		return nil, fmt.Errorf("job %s: max_retries: %w", j.ID, err)
	}
	if j.RunAt, err = parseTime(f["run_at"]); err != nil {
		return nil, fmt.Errorf("job %s: run_at: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("job %s: created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("job %s: updated_at: %w", j.ID, err)
	}
	if v, ok := f["locked_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("job %s: locked_at: %w", j.ID, err)
		}
		j.LockedAt = &t
	}
	return j, nil
}

func sortByCreated(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
