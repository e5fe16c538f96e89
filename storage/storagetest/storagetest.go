// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanzplatform/fanz-secure/storage"
)

// Run exercises the behaviour every storage.Store must provide. newStore
// must return an empty store; it may skip the test.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("IncrementStartsAtOne", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.Increment(ctx, "rl:standard:ip:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Count)
		assert.Greater(t, c.TTL, time.Duration(0))
		assert.LessOrEqual(t, c.TTL, time.Minute)

		c, err = s.Increment(ctx, "rl:standard:ip:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Count)
	})

	t.Run("IncrementKeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := s.Increment(ctx, "a", time.Minute)
			require.NoError(t, err)
		}
		c, err := s.Increment(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Count)
	})

	t.Run("ConcurrentIncrementsAreAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const workers, perWorker = 8, 25

		var wg sync.WaitGroup
		seen := make(chan int64, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					c, err := s.Increment(ctx, "shared", time.Minute)
					if err != nil {
						t.Errorf("Increment() error = %v", err)
						return
					}
					seen <- c.Count
				}
			}()
		}
		wg.Wait()
		close(seen)

		unique := make(map[int64]bool)
		for c := range seen {
			assert.False(t, unique[c], "count %d returned twice", c)
			unique[c] = true
		}
		assert.Len(t, unique, workers*perWorker)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", "v1", time.Minute))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)

		require.NoError(t, s.Set(ctx, "k", "v2", 0))
		got, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)

		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, s.Delete(ctx, "k"), "deleting a missing key must not fail")
	})

	t.Run("SetIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.SetIfAbsent(ctx, "wh:default:evt_1", "pending", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetIfAbsent(ctx, "wh:default:evt_1", "other", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "wh:default:evt_1")
		require.NoError(t, err)
		assert.Equal(t, "pending", got)
	})

	t.Run("ConcurrentSetIfAbsentHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, "race", fmt.Sprint(i), time.Minute)
				if err != nil {
					t.Errorf("SetIfAbsent() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Increment(ctx, "k", time.Minute)
		assert.Error(t, err)
	})
}
