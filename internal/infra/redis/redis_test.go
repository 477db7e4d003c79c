package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/guardian/internal/core/domain"
)

func setup(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, "test"), mr
}

func TestCacheTier_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := setup(t)
	tier := NewCacheTier(c)

	now := time.Now()
	tier.now = func() time.Time { return now }

	err := tier.Set(ctx, domain.CacheEntry{Key: "price", Value: json.RawMessage(`42`), ExpiresAt: now.Add(time.Second)})
	require.NoError(t, err)

	e, ok, err := tier.Get(ctx, "price")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `42`, string(e.Value))
	require.Equal(t, domain.CacheRedis, e.Level)

	mr.FastForward(2 * time.Second)
	_, ok, err = tier.Get(ctx, "price")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheTier_StaleEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	tier := NewCacheTier(c)

	now := time.Now()
	tier.now = func() time.Time { return now }
	require.NoError(t, tier.Set(ctx, domain.CacheEntry{Key: "k", Value: json.RawMessage(`1`), ExpiresAt: now.Add(time.Minute)}))

	tier.now = func() time.Time { return now.Add(time.Hour) }
	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompensationQueue_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	q := NewCompensationQueue(c, "payments", 10)

	for i, p := range []int{1, 5, 3} {
		ok, err := q.Push(ctx, domain.CompensationTask{ID: string(rune('a' + i)), Priority: p})
		require.NoError(t, err)
		require.True(t, ok)
	}

	var got []int
	for range 3 {
		task, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, task.Priority)
	}
	require.Equal(t, []int{5, 3, 1}, got)

	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompensationQueue_FIFOOnTies(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	q := NewCompensationQueue(c, "ties", 10)

	for _, id := range []string{"first", "second", "third"} {
		_, err := q.Push(ctx, domain.CompensationTask{ID: id, Priority: 2})
		require.NoError(t, err)
	}
	for _, want := range []string{"first", "second", "third"} {
		task, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, task.ID)
	}
}

func TestCompensationQueue_FullDropsLowest(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	q := NewCompensationQueue(c, "full", 2)

	_, _ = q.Push(ctx, domain.CompensationTask{ID: "low", Priority: 1})
	_, _ = q.Push(ctx, domain.CompensationTask{ID: "mid", Priority: 3})

	ok, err := q.Push(ctx, domain.CompensationTask{ID: "tie", Priority: 1})
	require.NoError(t, err)
	require.False(t, ok, "incoming task tied with the lowest should be dropped")

	ok, err = q.Push(ctx, domain.CompensationTask{ID: "high", Priority: 9})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first, _, _ := q.Pop(ctx)
	second, _, _ := q.Pop(ctx)
	require.Equal(t, "high", first.ID)
	require.Equal(t, "mid", second.ID)
}

func TestCompensationQueue_SkipsExpired(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	q := NewCompensationQueue(c, "exp", 10)
	now := time.Now()
	q.now = func() time.Time { return now }

	_, _ = q.Push(ctx, domain.CompensationTask{ID: "stale", Priority: 9, ExpiresAt: now.Add(-time.Second)})
	_, _ = q.Push(ctx, domain.CompensationTask{ID: "live", Priority: 1})

	task, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "live", task.ID)
	require.NotZero(t, task.Seq)
}

func TestDispatchLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t)
	a := NewDispatchLock(c, time.Minute)
	b := NewDispatchLock(c, time.Minute)

	release, ok, err := a.Acquire(ctx, "api")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, "api")
	require.NoError(t, err)
	require.False(t, ok)

	release()
	release2, ok, err := b.Acquire(ctx, "api")
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}
