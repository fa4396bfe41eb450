package qrsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/apperror"
	"attendsync/internal/keylock"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *MemoryStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewManager(store, keylock.NewLocal(), DefaultPolicy(), WithClock(clk.Now)), store, clk
}

func TestIssue_Idempotent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	first, created, err := m.Issue(ctx, IssueRequest{LectureID: 1})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1000, first.MaxUsage)
	assert.Equal(t, 15*time.Minute, first.ExpiresAt.Sub(first.CreatedAt))

	second, created, err := m.Issue(ctx, IssueRequest{LectureID: 1, Duration: 30 * time.Minute})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestIssue_ForceNewArchives(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	first, _, err := m.Issue(ctx, IssueRequest{LectureID: 1})
	require.NoError(t, err)
	second, created, err := m.Issue(ctx, IssueRequest{LectureID: 1, ForceNew: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, old.State)

	red, err := m.Redeem(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, red.OK)
	assert.Equal(t, ReasonExpired, red.Reason)
}

func TestIssue_ReplacesExpired(t *testing.T) {
	m, store, clk := newManager(t)
	ctx := context.Background()

	first, _, err := m.Issue(ctx, IssueRequest{LectureID: 1, Duration: 5 * time.Minute})
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	second, created, err := m.Issue(ctx, IssueRequest{LectureID: 1})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, old.State)
}

func TestIssue_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	for _, req := range []IssueRequest{
		{LectureID: 1, Duration: 61 * time.Minute},
		{LectureID: 1, Duration: 30 * time.Second},
		{LectureID: 1, MaxUsage: -1},
		{},
	} {
		_, _, err := m.Issue(ctx, req)
		assert.ErrorIs(t, err, apperror.ErrValidation, "%+v", req)
	}
}

func TestRedeem_ExhaustsAtMax(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	sess, _, err := m.Issue(ctx, IssueRequest{LectureID: 1, Duration: 15 * time.Minute, MaxUsage: 100})
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		red, err := m.RedeemForLecture(ctx, sess.ID, 1)
		require.NoError(t, err)
		require.True(t, red.OK, "redemption %d", i)
		assert.Equal(t, i, red.Session.UsageCount)
	}

	red, err := m.RedeemForLecture(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.False(t, red.OK)
	assert.Equal(t, ReasonExhausted, red.Reason)
	assert.Equal(t, 100, red.Session.UsageCount)
	assert.Equal(t, StateExhausted, red.Session.State)
}

func TestRedeem_Expiry(t *testing.T) {
	m, store, clk := newManager(t)
	ctx := context.Background()

	sess, _, err := m.Issue(ctx, IssueRequest{LectureID: 2, Duration: 10 * time.Minute})
	require.NoError(t, err)

	clk.Advance(9*time.Minute + 59*time.Second)
	red, err := m.Redeem(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, red.OK)

	clk.Advance(time.Second)
	red, err = m.Redeem(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, red.OK)
	assert.Equal(t, ReasonExpired, red.Reason)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, stored.State)
	assert.Equal(t, 1, stored.UsageCount)
}

func TestRedeem_UnknownAndMismatch(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	red, err := m.Redeem(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, red.Reason)

	sess, _, err := m.Issue(ctx, IssueRequest{LectureID: 3})
	require.NoError(t, err)
	red, err = m.RedeemForLecture(ctx, sess.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, ReasonLectureMismatch, red.Reason)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
}

func TestConcurrentIssueAndRedeem(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.Issue(ctx, IssueRequest{LectureID: 9, MaxUsage: 50})
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var (
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			red, err := m.Redeem(ctx, ids[0])
			if assert.NoError(t, err) && red.OK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, ok)
}

func TestRelease_ReturnsUse(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	sess, _, err := m.Issue(ctx, IssueRequest{LectureID: 5, MaxUsage: 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		red, err := m.RedeemForLecture(ctx, sess.ID, 5)
		require.NoError(t, err)
		require.True(t, red.OK)
	}

	require.NoError(t, m.Release(ctx, sess.ID))
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, StateActive, got.State)
	active, err := store.Active(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, active.ID)

	red, err := m.RedeemForLecture(ctx, sess.ID, 5)
	require.NoError(t, err)
	assert.True(t, red.OK)
}

func TestRelease_KeepsReplacementActive(t *testing.T) {
	m, store, clk := newManager(t)
	ctx := context.Background()

	old, _, err := m.Issue(ctx, IssueRequest{LectureID: 6, MaxUsage: 1})
	require.NoError(t, err)
	red, err := m.Redeem(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, red.OK)
	replacement, created, err := m.Issue(ctx, IssueRequest{LectureID: 6})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, m.Release(ctx, old.ID))
	got, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
	assert.Equal(t, StateExhausted, got.State)
	active, err := store.Active(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, active.ID)

	expiring, _, err := m.Issue(ctx, IssueRequest{LectureID: 7, MaxUsage: 1, Duration: time.Minute})
	require.NoError(t, err)
	_, err = m.Redeem(ctx, expiring.ID)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	require.NoError(t, m.Release(ctx, expiring.ID))
	got, err = store.Get(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
	_, err = store.Active(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Release(ctx, "missing"), ErrNotFound)
}
