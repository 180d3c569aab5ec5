// Package redisq stores queue lanes in Redis sorted sets.
//
// Each lane owns five sorted sets named {<prefix>}:<lane>:<state>. Waiting
// jobs are scored by priority and then by an insertion sequence, delayed
// jobs by the millisecond they become due, active jobs by claim time and
// finished jobs by finish time. Job documents live in {<prefix>}:job:<id>
// and each lane keeps a <lane>:priority hash of job id to priority.
//
// The prefix is wrapped in a hash tag, so on Redis Cluster every key of one
// backend maps to the same slot and the claim script and transactions stay
// single-slot.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

// seqSpace bounds the insertion sequence inside one priority band so
// scores stay exact as float64.
const seqSpace = 1 << 32

// claimScript promotes due delayed jobs into waiting, then pops the lowest
// waiting score into active. It returns the job id or false. It touches
// only the keys it is given.
//
// KEYS: waiting, delayed, active, paused, seq, priority
// ARGV: now (ms)
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local prio = tonumber(redis.call('HGET', KEYS[6], id) or '0')
  local seq = redis.call('INCR', KEYS[5]) % 4294967296
  redis.call('ZADD', KEYS[1], prio * 4294967296 + seq, id)
  redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], popped[1])
return popped[1]
`)

// Backend implements queue.Backend on Redis.
type Backend struct {
	client redis.UniversalClient
	// base is the hash-tagged prefix every key starts with.
	base string
}

var _ queue.Backend = (*Backend)(nil)

// New creates a Backend. An empty prefix defaults to "slotwise".
func New(client redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = "slotwise"
	}
	return &Backend{client: client, base: "{" + prefix + "}"}
}

// Ping verifies the server is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) stateKey(lane queue.Lane, s queue.State) string {
	return fmt.Sprintf("%s:%s:%s", b.base, lane, s)
}

func (b *Backend) jobKey(id string) string { return b.base + ":job:" + id }

func (b *Backend) pausedKey(lane queue.Lane) string {
	return fmt.Sprintf("%s:%s:paused", b.base, lane)
}

func (b *Backend) priorityKey(lane queue.Lane) string {
	return fmt.Sprintf("%s:%s:priority", b.base, lane)
}

func (b *Backend) seqKey() string { return b.base + ":seq" }

func (b *Backend) claimKeys(lane queue.Lane) []string {
	return []string{
		b.stateKey(lane, queue.StateWaiting),
		b.stateKey(lane, queue.StateDelayed),
		b.stateKey(lane, queue.StateActive),
		b.pausedKey(lane),
		b.seqKey(),
		b.priorityKey(lane),
	}
}

func millis(t time.Time) float64 { return float64(t.UnixMilli()) }

func (b *Backend) waitingScore(ctx context.Context, priority int) (float64, error) {
	seq, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return 0, err
	}
	return float64(priority)*seqSpace + float64(seq%seqSpace), nil
}

func (b *Backend) Add(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	var z redis.Z
	key := b.stateKey(job.Lane, job.State)
	switch job.State {
	case queue.StateWaiting:
		score, err := b.waitingScore(ctx, job.Priority)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		z = redis.Z{Score: score, Member: job.ID}
	case queue.StateDelayed:
		z = redis.Z{Score: millis(job.VisibleAt), Member: job.ID}
	default:
		z = redis.Z{Score: millis(finishedOrUpdated(job)), Member: job.ID}
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.jobKey(job.ID), "data", data)
		p.HSet(ctx, b.priorityKey(job.Lane), job.ID, job.Priority)
		p.ZAdd(ctx, key, z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	return nil
}

func (b *Backend) Claim(ctx context.Context, lane queue.Lane, now time.Time) (*queue.Job, error) {
	id, err := claimScript.Run(ctx, b.client, b.claimKeys(lane), now.UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	claimed := now.UTC()
	job.State = queue.StateActive
	job.ClaimedAt = &claimed
	job.UpdatedAt = claimed
	if err := b.writeDoc(ctx, b.client, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (b *Backend) writeDoc(ctx context.Context, c redis.Cmdable, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return c.HSet(ctx, b.jobKey(job.ID), "data", data).Err()
}

func (b *Backend) Finish(ctx context.Context, job *queue.Job) error {
	exists, err := b.client.Exists(ctx, b.jobKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if exists == 0 {
		return apperrors.NotFound("job", job.ID)
	}

	var z redis.Z
	switch job.State {
	case queue.StateDelayed:
		z = redis.Z{Score: millis(job.VisibleAt), Member: job.ID}
	case queue.StateWaiting:
		score, err := b.waitingScore(ctx, job.Priority)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		z = redis.Z{Score: score, Member: job.ID}
	default:
		z = redis.Z{Score: millis(finishedOrUpdated(job)), Member: job.ID}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.stateKey(job.Lane, queue.StateActive), job.ID)
		p.HSet(ctx, b.jobKey(job.ID), "data", data)
		p.ZAdd(ctx, b.stateKey(job.Lane, job.State), z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (*queue.Job, error) {
	data, err := b.client.HGet(ctx, b.jobKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// RequeueStalled moves stale active jobs back to waiting. ZREM decides
// ownership so concurrent checkers never requeue a job twice.
func (b *Backend) RequeueStalled(ctx context.Context, lane queue.Lane, activeBefore, now time.Time) (int, error) {
	activeKey := b.stateKey(lane, queue.StateActive)
	ids, err := b.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", activeBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan active jobs: %w", err)
	}

	n := 0
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, activeKey, id).Result()
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := b.Get(ctx, id)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return n, err
		}
		job.State = queue.StateWaiting
		job.ClaimedAt = nil
		job.VisibleAt = now.UTC()
		job.UpdatedAt = now.UTC()

		score, err := b.waitingScore(ctx, job.Priority)
		if err != nil {
			return n, fmt.Errorf("allocate sequence: %w", err)
		}
		if err := b.writeDoc(ctx, b.client, job); err != nil {
			return n, err
		}
		if err := b.client.ZAdd(ctx, b.stateKey(lane, queue.StateWaiting), redis.Z{Score: score, Member: id}).Err(); err != nil {
			return n, fmt.Errorf("requeue %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

func (b *Backend) Counts(ctx context.Context, lane queue.Lane, now time.Time) (queue.Counts, error) {
	pipe := b.client.Pipeline()
	cards := make(map[queue.State]*redis.IntCmd, len(queue.States))
	for _, s := range queue.States {
		cards[s] = pipe.ZCard(ctx, b.stateKey(lane, s))
	}
	due := pipe.ZCount(ctx, b.stateKey(lane, queue.StateDelayed), "-inf", fmt.Sprintf("%d", now.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	counts := queue.Counts{}
	for s, cmd := range cards {
		counts[s] = int(cmd.Val())
	}
	d := int(due.Val())
	counts[queue.StateDelayed] -= d
	counts[queue.StateWaiting] += d
	return counts, nil
}

func (b *Backend) Clean(ctx context.Context, lane queue.Lane, state queue.State, finishedBefore time.Time) (int, error) {
	key := b.stateKey(lane, state)
	ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", finishedBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s jobs: %w", state, err)
	}
	return b.remove(ctx, lane, key, ids)
}

func (b *Backend) Prune(ctx context.Context, lane queue.Lane, state queue.State, keep int) (int, error) {
	key := b.stateKey(lane, state)
	total, err := b.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", state, err)
	}
	excess := total - int64(keep)
	if excess <= 0 {
		return 0, nil
	}
	ids, err := b.client.ZRange(ctx, key, 0, excess-1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s jobs: %w", state, err)
	}
	return b.remove(ctx, lane, key, ids)
}

func (b *Backend) remove(ctx context.Context, lane queue.Lane, key string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	docs := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		docs[i] = b.jobKey(id)
		members[i] = id
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, key, members...)
		p.HDel(ctx, b.priorityKey(lane), ids...)
		p.Del(ctx, docs...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return len(ids), nil
}

func (b *Backend) SetPaused(ctx context.Context, lane queue.Lane, paused bool) error {
	var err error
	if paused {
		err = b.client.Set(ctx, b.pausedKey(lane), "1", 0).Err()
	} else {
		err = b.client.Del(ctx, b.pausedKey(lane)).Err()
	}
	if err != nil {
		return fmt.Errorf("set lane pause: %w", err)
	}
	return nil
}

func (b *Backend) IsPaused(ctx context.Context, lane queue.Lane) (bool, error) {
	n, err := b.client.Exists(ctx, b.pausedKey(lane)).Result()
	if err != nil {
		return false, fmt.Errorf("read lane pause: %w", err)
	}
	return n == 1, nil
}

func finishedOrUpdated(job *queue.Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}
