package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/store"
)

func newRedis(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedis(config.StoreConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "rs:",
		Timeout:   config.Duration(time.Second),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisRecordHitWindows(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.RecordHit(ctx, "c1", base.Add(time.Duration(i)*100*time.Millisecond), windows)
		require.NoError(t, err)
	}
	counts, err := s.RecordHit(ctx, "c1", base.Add(900*time.Millisecond), windows)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 6, 6}, counts)

	counts, err = s.RecordHit(ctx, "c1", base.Add(1500*time.Millisecond), windows)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7, 7}, counts)

	counts, err = s.RecordHit(ctx, "c1", base.Add(2*time.Hour), windows)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, counts)

	members, err := mr.ZMembers("rs:hits:c1")
	require.NoError(t, err)
	assert.Len(t, members, 1, "markers past retention are trimmed")
	assert.Equal(t, store.Retention, mr.TTL("rs:hits:c1"))

	counts, err = s.RecordHit(ctx, "other", base, windows)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, counts)
}

func TestRedisWindowBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedis(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		counts, err := s.RecordHit(ctx, "c1", base.Add(time.Duration(i)*time.Second), windows[:1])
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts[0])
	}
}

func TestRedisStateRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)
	now := time.Now()
	mr.SetTime(now)

	_, err := s.GetState(ctx, "c1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	st, err := s.UpdateState(ctx, "c1", func(cur model.ClientState, found bool) (model.ClientState, bool) {
		assert.False(t, found)
		return model.ClientState{
			Status:    model.StatusChallenged,
			Reason:    "high_request_rate",
			EnteredAt: now,
			ExpiresAt: now.Add(300 * time.Second),
		}, true
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", st.ClientID)

	got, err := s.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChallenged, got.Status)
	assert.Equal(t, "high_request_rate", got.Reason)

	mr.FastForward(301 * time.Second)
	_, err = s.GetState(ctx, "c1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "state key expires with the record")

	_, err = s.UpdateState(ctx, "c2", func(model.ClientState, bool) (model.ClientState, bool) {
		return model.ClientState{Status: model.StatusBlocked, ExpiresAt: now.Add(time.Hour)}, true
	})
	require.NoError(t, err)
	require.NoError(t, s.DeleteState(ctx, "c2"))
	_, err = s.GetState(ctx, "c2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRedisUpdateStateConcurrentWritesOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedis(t)
	expires := time.Now().Add(time.Hour)

	const workers = 20
	results := make([]model.ClientState, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.UpdateState(ctx, "c1", func(cur model.ClientState, found bool) (model.ClientState, bool) {
				if found {
					return cur, false
				}
				return model.ClientState{
					Status:    model.StatusBlocked,
					Reason:    fmt.Sprintf("worker-%d", i),
					ExpiresAt: expires,
				}, true
			})
		}(i)
	}
	wg.Wait()

	stored, err := s.GetState(ctx, "c1")
	require.NoError(t, err)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, stored.Reason, results[i].Reason, "worker %d saw a state that was overwritten", i)
	}
}

func TestRedisUpdateStateGivesUpUnderContention(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })

	attempts := 0
	_, err := s.UpdateState(ctx, "c1", func(model.ClientState, bool) (model.ClientState, bool) {
		attempts++
		require.NoError(t, other.Set(ctx, "rs:state:c1", "{}", 0).Err())
		return model.ClientState{Status: model.StatusBlocked, ExpiresAt: time.Now().Add(time.Hour)}, true
	})
	require.ErrorIs(t, err, store.ErrContention)
	assert.False(t, errors.Is(err, store.ErrStoreUnavailable))
	assert.Equal(t, 5, attempts)
}

func TestRedisDownMapsToUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)
	mr.Close()

	_, err := s.RecordHit(ctx, "c1", time.Now(), windows)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.GetState(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), store.ErrStoreUnavailable)

	f := store.NewFailover(s, store.NewMemory(), time.Hour, nil)
	counts, err := f.RecordHit(ctx, "c1", time.Now(), windows)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[0])
	assert.True(t, f.Degraded())
}
