// Package queue is an at-least-once work queue on Redis lists.
//
// Producers LPUSH onto the ready list. Consumers move items to a processing list with a
// lease; acknowledged items are removed, and items whose lease lapsed are moved back to the
// ready list by Reclaim so another consumer picks them up.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var ErrQueueNotConfigured = errors.New("queue_not_configured")

// Enqueuer accepts messages for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
}

const reserveScript = `
local out = {}
local n = tonumber(ARGV[1])
for i = 1, n do
  local v = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
  if not v then
    break
  end
  redis.call("HSET", KEYS[3], v, ARGV[2])
  out[#out + 1] = v
end
return out
`

const ackScript = `
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return removed
`

const reclaimScript = `
local items = redis.call("LRANGE", KEYS[2], 0, -1)
local now = tonumber(ARGV[1])
local moved = 0
for _, v in ipairs(items) do
  local lease = redis.call("HGET", KEYS[3], v)
  if (not lease) or tonumber(lease) <= now then
    if redis.call("LREM", KEYS[2], 1, v) > 0 then
      redis.call("RPUSH", KEYS[1], v)
      moved = moved + 1
    end
    redis.call("HDEL", KEYS[3], v)
  end
end
return moved
`

// snapshotScript reads both lists in one step so an item moving between them is seen once.
const snapshotScript = `
local out = redis.call("LRANGE", KEYS[2], 0, -1)
for _, v in ipairs(redis.call("LRANGE", KEYS[1], 0, -1)) do
  out[#out + 1] = v
end
return out
`

// Queue is one named reliable list.
type Queue struct {
	client     *redis.Client
	ready      string
	processing string
	leases     string
	visibility time.Duration

	reserve  *redis.Script
	ack      *redis.Script
	reclaim  *redis.Script
	snapshot *redis.Script
}

// New builds a queue named name. Reserved items become visible again after visibility.
func New(client *redis.Client, name string, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:     client,
		ready:      name,
		processing: name + ":processing",
		leases:     name + ":leases",
		visibility: visibility,
		reserve:    redis.NewScript(reserveScript),
		ack:        redis.NewScript(ackScript),
		reclaim:    redis.NewScript(reclaimScript),
		snapshot:   redis.NewScript(snapshotScript),
	}
}

// Key is the ready list; scripts that enqueue atomically push onto it.
func (q *Queue) Key() string {
	return q.ready
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if q == nil || q.client == nil {
		return ErrQueueNotConfigured
	}
	return q.client.LPush(ctx, q.ready, payload).Err()
}

// Reserve leases up to limit items, oldest first.
func (q *Queue) Reserve(ctx context.Context, limit int, now time.Time) ([]string, error) {
	if q == nil || q.client == nil {
		return nil, ErrQueueNotConfigured
	}
	if limit <= 0 {
		return nil, nil
	}
	deadline := now.Add(q.visibility).UnixMilli()
	res, err := q.reserve.Run(ctx, q.client,
		[]string{q.ready, q.processing, q.leases},
		limit, strconv.FormatInt(deadline, 10),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return res, nil
}

// Ack removes a reserved item for good.
func (q *Queue) Ack(ctx context.Context, payload string) error {
	if q == nil || q.client == nil {
		return ErrQueueNotConfigured
	}
	return q.ack.Run(ctx, q.client, []string{q.processing, q.leases}, payload).Err()
}

// Reclaim returns items with lapsed leases to the ready list.
func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	if q == nil || q.client == nil {
		return 0, ErrQueueNotConfigured
	}
	n, err := q.reclaim.Run(ctx, q.client,
		[]string{q.ready, q.processing, q.leases},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Snapshot lists every unacknowledged item, reserved first, then ready.
func (q *Queue) Snapshot(ctx context.Context) ([]string, error) {
	if q == nil || q.client == nil {
		return nil, ErrQueueNotConfigured
	}
	items, err := q.snapshot.Run(ctx, q.client, []string{q.ready, q.processing}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return items, nil
}

// Depth reports the ready and reserved item counts.
func (q *Queue) Depth(ctx context.Context) (ready int64, reserved int64, err error) {
	if q == nil || q.client == nil {
		return 0, 0, ErrQueueNotConfigured
	}
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.ready)
	p := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), p.Val(), nil
}
