package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/guardian/internal/core/domain"
)

// maxSeq bounds the inverted sequence so members stay fixed width.
const maxSeq = 1_000_000_000_000_000

// Tasks live in a ZSET scored by priority. Members are "<maxSeq-seq>:<id>",
// zero padded, so among equal scores the oldest task sorts highest: ZPOPMAX
// is FIFO within a priority and the lowest-ranked member is the newest task.
var pushScript = redis.NewScript(`
local prio = tonumber(ARGV[1])
local max = tonumber(ARGV[4])
if redis.call('ZCARD', KEYS[1]) >= max then
	local low = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if tonumber(low[2]) >= prio then
		return 0
	end
	redis.call('ZREM', KEYS[1], low[1])
	redis.call('HDEL', KEYS[2], low[1])
end
redis.call('ZADD', KEYS[1], prio, ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var popScript = redis.NewScript(`
local top = redis.call('ZPOPMAX', KEYS[1])
if #top == 0 then
	return false
end
local payload = redis.call('HGET', KEYS[2], top[1])
redis.call('HDEL', KEYS[2], top[1])
if not payload then
	payload = ''
end
return {top[1], payload}
`)

// CompensationQueue is a bounded priority queue shared across instances.
type CompensationQueue struct {
	c       *Client
	name    string
	maxSize int
	now     func() time.Time
}

// NewCompensationQueue creates a queue named name bounded to maxSize tasks.
func NewCompensationQueue(c *Client, name string, maxSize int) *CompensationQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if name == "" {
		name = "default"
	}
	return &CompensationQueue{c: c, name: name, maxSize: maxSize, now: time.Now}
}

func (q *CompensationQueue) keys() []string {
	return []string{q.c.queueKey(q.name), q.c.queueDataKey(q.name)}
}

// Push adds a task, dropping the lowest-priority task when full. It reports
// false when the incoming task is the one dropped.
func (q *CompensationQueue) Push(ctx context.Context, task domain.CompensationTask) (bool, error) {
	seq, err := q.c.rdb.Incr(ctx, q.c.queueSeqKey(q.name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to allocate task sequence: %w", err)
	}
	task.Seq = uint64(seq)

	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("failed to marshal task: %w", err)
	}
	member := fmt.Sprintf("%016d:%s", maxSeq-seq, task.ID)

	res, err := pushScript.Run(ctx, q.c.rdb, q.keys(), task.Priority, member, data, q.maxSize).Int()
	if err != nil {
		return false, fmt.Errorf("failed to push task: %w", err)
	}
	return res == 1, nil
}

// Pop removes the highest-priority task. Expired tasks are discarded.
func (q *CompensationQueue) Pop(ctx context.Context) (domain.CompensationTask, bool, error) {
	for {
		vals, err := popScript.Run(ctx, q.c.rdb, q.keys()).StringSlice()
		if errors.Is(err, redis.Nil) {
			return domain.CompensationTask{}, false, nil
		}
		if err != nil {
			return domain.CompensationTask{}, false, fmt.Errorf("failed to pop task: %w", err)
		}
		if len(vals) != 2 || vals[1] == "" {
			continue
		}

		var task domain.CompensationTask
		if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
			return domain.CompensationTask{}, false, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if seq, ok := memberSeq(vals[0]); ok {
			task.Seq = seq
		}
		if task.Expired(q.now()) {
			continue
		}
		return task, true, nil
	}
}

func (q *CompensationQueue) Len(ctx context.Context) (int, error) {
	n, err := q.c.rdb.ZCard(ctx, q.c.queueKey(q.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

func memberSeq(member string) (uint64, bool) {
	inv, _, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(inv, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint64(maxSeq - n), true
}
