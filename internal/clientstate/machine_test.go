package clientstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/store"
	"reqshield/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMachine(t *testing.T, mut func(*Timeouts)) (*Machine, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	to := TimeoutsFrom(config.DefaultConfig().ClientState)
	if mut != nil {
		mut(&to)
	}
	return New(store.NewMemory(), to).WithClock(c.now), c
}

func TestBlockExpiresAfterTimeout(t *testing.T) {
	ctx := context.Background()
	m, c := newMachine(t, nil)

	st, changed, err := m.Block(ctx, "c1", "excessive_requests_per_minute", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusBlocked, st.Status)

	c.advance(3600*time.Second - time.Millisecond)
	st, err = m.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, st.Status)

	c.advance(2 * time.Millisecond)
	st, err = m.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClean, st.Status)
}

func TestChallengeExpiresAfterTimeout(t *testing.T) {
	ctx := context.Background()
	m, c := newMachine(t, nil)

	_, changed, err := m.Challenge(ctx, "c1", "burst_detected", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)

	c.advance(299 * time.Second)
	st, err := m.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChallenged, st.Status)

	c.advance(2 * time.Second)
	st, err = m.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClean, st.Status)
}

func TestNoDemotionFromBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, nil)

	_, _, err := m.Block(ctx, "c1", "waf", model.SourceWAF)
	require.NoError(t, err)
	st, changed, err := m.Challenge(ctx, "c1", "high_request_rate", model.SourceDDoS)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StatusBlocked, st.Status)
}

func TestChallengedPromotesToBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, nil)

	_, _, err := m.Challenge(ctx, "c1", "burst_detected", model.SourceDDoS)
	require.NoError(t, err)
	st, changed, err := m.Block(ctx, "c1", "excessive_requests_per_second", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusBlocked, st.Status)
}

func TestActiveBlockIsNotRenewedByDefault(t *testing.T) {
	ctx := context.Background()
	m, c := newMachine(t, nil)

	first, _, err := m.Block(ctx, "c1", "a", model.SourceDDoS)
	require.NoError(t, err)
	c.advance(10 * time.Minute)
	second, changed, err := m.Block(ctx, "c1", "b", model.SourceDDoS)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, first.ExpiresAt.Equal(second.ExpiresAt))
	assert.Equal(t, "a", second.Reason)
}

func TestRenewBlock(t *testing.T) {
	ctx := context.Background()
	m, c := newMachine(t, func(to *Timeouts) { to.RenewBlock = true })

	first, _, err := m.Block(ctx, "c1", "a", model.SourceDDoS)
	require.NoError(t, err)
	c.advance(10 * time.Minute)
	second, changed, err := m.Block(ctx, "c1", "b", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 10*time.Minute, second.ExpiresAt.Sub(first.ExpiresAt))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, nil)

	_, _, err := m.Block(ctx, "c1", "a", model.SourceWAF)
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx, "c1"))
	st, err := m.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClean, st.Status)
}

func TestExpiredChallengeCanBeReissued(t *testing.T) {
	ctx := context.Background()
	m, c := newMachine(t, nil)

	_, _, err := m.Challenge(ctx, "c1", "a", model.SourceDDoS)
	require.NoError(t, err)
	c.advance(301 * time.Second)
	st, changed, err := m.Challenge(ctx, "c1", "b", model.SourceWAF)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "b", st.Reason)
}

func TestRetriedUpdateReportsFinalOutcome(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	inner := store.NewMemory()
	to := TimeoutsFrom(config.DefaultConfig().ClientState)
	m := New(storetest.Retrying{Store: inner}, to).WithClock(c.now)

	_, changed, err := m.Challenge(ctx, "c1", "high_request_rate", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)

	st, changed, err := m.Challenge(ctx, "c1", "burst_detected", model.SourceDDoS)
	require.NoError(t, err)
	assert.False(t, changed, "a retry that found an active challenge must not report a write")
	assert.Equal(t, "high_request_rate", st.Reason)

	_, changed, err = m.Block(ctx, "c1", "excessive_requests_per_minute", model.SourceDDoS)
	require.NoError(t, err)
	assert.True(t, changed)

	st, changed, err = m.Block(ctx, "c1", "excessive_requests_per_second", model.SourceDDoS)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "excessive_requests_per_minute", st.Reason)
}
