package liveness

import (
	"testing"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/stretchr/testify/require"
)

const relay = "wss://relay.example.com"

func testTracker(opts ...Option) (*Tracker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	opts = append(opts, WithClock(func() time.Time { return now }))
	return NewTracker(opts...), &now
}

func TestBackoffMonotonicity(t *testing.T) {
	tr, now := testTracker(
		WithBaseBackoff(10*time.Second),
		WithMaxBackoff(60*time.Second),
		WithDeadThreshold(100),
	)
	c := context.Bg()

	var windows []int64
	for i := 0; i < 6; i++ {
		at := now.Unix()
		tr.RecordFailure(c, relay)
		info, have := tr.Info(relay)
		require.True(t, have)
		require.Equal(t, Offline, info.State)
		windows = append(windows, info.BackoffUntil-at)
		// step past the window so the next failure counts
		*now = time.Unix(info.BackoffUntil, 0)
	}
	// 10s, 20s, 40s then capped at the 60s max
	require.Equal(t, []int64{10, 20, 40, 60, 60, 60}, windows)
}

func TestFailureInsideBackoffWindowIgnored(t *testing.T) {
	tr, _ := testTracker(WithBaseBackoff(time.Minute))
	c := context.Bg()

	tr.RecordFailure(c, relay)
	first, _ := tr.Info(relay)

	tr.RecordFailure(c, relay)
	second, _ := tr.Info(relay)

	require.Equal(t, first.Failures, second.Failures)
	require.Equal(t, first.BackoffUntil, second.BackoffUntil)
}

func TestFilterExcludesDuringBackoffOnly(t *testing.T) {
	tr, now := testTracker(WithBaseBackoff(time.Minute))
	c := context.Bg()

	require.Equal(t, []string{relay}, tr.Filter([]string{relay}))

	tr.RecordFailure(c, relay)
	require.Empty(t, tr.Filter([]string{relay}))

	*now = now.Add(time.Minute)
	require.Equal(t, []string{relay}, tr.Filter([]string{relay}))
}

func TestDeadThresholdAndRevive(t *testing.T) {
	tr, now := testTracker(
		WithBaseBackoff(time.Second),
		WithMaxBackoff(time.Minute),
		WithDeadThreshold(3),
	)
	c := context.Bg()

	for i := 0; i < 3; i++ {
		tr.RecordFailure(c, relay)
		info, _ := tr.Info(relay)
		*now = time.Unix(info.BackoffUntil, 0).Add(time.Second)
	}
	require.Equal(t, Dead, tr.State(relay))
	require.Empty(t, tr.Filter([]string{relay}))

	// success does not resurrect a dead relay
	tr.RecordSuccess(c, relay)
	require.Equal(t, Dead, tr.State(relay))

	// revive demotes to offline with a full max backoff window
	require.NoError(t, tr.Revive(c, relay))
	require.Equal(t, Offline, tr.State(relay))
	require.Empty(t, tr.Filter([]string{relay}))

	*now = now.Add(time.Minute)
	require.Equal(t, []string{relay}, tr.Filter([]string{relay}))
}

func TestSuccessResetsFailureHistory(t *testing.T) {
	tr, now := testTracker(WithBaseBackoff(time.Second))
	c := context.Bg()

	tr.RecordFailure(c, relay)
	*now = now.Add(2 * time.Second)
	tr.RecordSuccess(c, relay)

	info, _ := tr.Info(relay)
	require.Equal(t, Online, info.State)
	require.Zero(t, info.Failures)
	require.Equal(t, now.Unix(), info.LastSuccess)
}

func TestPersistenceRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	c := context.Bg()

	tr, _ := testTracker(WithStorage(storage), WithDeadThreshold(2),
		WithBaseBackoff(time.Second))
	tr.RecordFailure(c, relay)
	tr.RecordSuccess(c, "wss://other.example.com")

	fresh := NewTracker(WithStorage(storage))
	require.NoError(t, fresh.Load(c))

	require.Equal(t, Offline, fresh.State(relay))
	require.Equal(t, Online, fresh.State("wss://other.example.com"))
	info, have := fresh.Info(relay)
	require.True(t, have)
	require.Equal(t, 1, info.Failures)
}
