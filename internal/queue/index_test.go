package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, "test", 0)
}

func indexes(t *testing.T) map[string]Index {
	return map[string]Index{
		"redis":  newTestRedisQueue(t),
		"memory": NewMemoryIndex(),
	}
}

func TestPopReadyOrdersByPriority(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.PushReady(ctx, "low", 5))
			require.NoError(t, idx.PushReady(ctx, "high", 1))
			require.NoError(t, idx.PushReady(ctx, "neg", -3))

			n, err := idx.ReadyLen(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 3, n)

			for _, want := range []struct {
				id       string
				priority int
			}{{"neg", -3}, {"high", 1}, {"low", 5}} {
				got, priority, err := idx.PopReady(ctx)
				require.NoError(t, err)
				assert.Equal(t, want.id, got)
				assert.Equal(t, want.priority, priority)
			}
			got, _, err := idx.PopReady(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestPopDueBefore(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, idx.PushDelayed(ctx, "past", now.Add(-time.Second)))
			require.NoError(t, idx.PushDelayed(ctx, "now", now))
			require.NoError(t, idx.PushDelayed(ctx, "future", now.Add(time.Hour)))

			due, err := idx.PopDueBefore(ctx, now)
			require.NoError(t, err)
			sort.Strings(due)
			assert.Equal(t, []string{"now", "past"}, due)

			again, err := idx.PopDueBefore(ctx, now)
			require.NoError(t, err)
			assert.Empty(t, again)

			n, err := idx.DelayedLen(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestIdNeverInBothIndexes(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.PushDelayed(ctx, "job", time.Now().Add(time.Hour)))
			require.NoError(t, idx.PushReady(ctx, "job", 0))

			ready, _ := idx.ReadyLen(ctx)
			delayed, _ := idx.DelayedLen(ctx)
			assert.EqualValues(t, 1, ready)
			assert.EqualValues(t, 0, delayed)

			require.NoError(t, idx.PushDelayed(ctx, "job", time.Now().Add(time.Hour)))
			ready, _ = idx.ReadyLen(ctx)
			delayed, _ = idx.DelayedLen(ctx)
			assert.EqualValues(t, 0, ready)
			assert.EqualValues(t, 1, delayed)
		})
	}
}

func TestRemoveDropsFromBoth(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.PushReady(ctx, "a", 0))
			require.NoError(t, idx.PushDelayed(ctx, "b", time.Now()))
			require.NoError(t, idx.Remove(ctx, "a"))
			require.NoError(t, idx.Remove(ctx, "b"))
			require.NoError(t, idx.Remove(ctx, "missing"))

			got, _, err := idx.PopReady(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
			due, err := idx.PopDueBefore(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestConcurrentPopNeverDuplicates(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const total = 200
			for i := 0; i < total; i++ {
				require.NoError(t, idx.PushReady(ctx, fmt.Sprintf("job-%d", i), i%7))
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						id, _, err := idx.PopReady(ctx)
						if err != nil || id == "" {
							return
						}
						mu.Lock()
						seen[id]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, total)
			for id, n := range seen {
				assert.Equal(t, 1, n, "id %s popped %d times", id, n)
			}
		})
	}
}

func TestRedisQueueNamespacesKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	emails := NewRedisQueueWithClient(client, "emails", 0)
	reports := NewRedisQueueWithClient(client, "reports", 0)
	require.NoError(t, emails.PushReady(ctx, "e1", 0))

	got, _, err := reports.PopReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, mr.Exists("jobqueue:emails:ready"))
}
