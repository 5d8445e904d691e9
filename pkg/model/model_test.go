package model

import (
	"testing"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, sec string, kind int, content string,
	tags nostr.Tags, at nostr.Timestamp) *nostr.Event {

	t.Helper()
	ev := &nostr.Event{Kind: kind, Content: content, Tags: tags, CreatedAt: at}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	require.NoError(t, ev.Sign(sec))
	return ev
}

func TestIdenticalModelsShareOneComputation(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	sec := nostr.GeneratePrivateKey()
	ev := s.Add(context.Bg(), signedEvent(t, sec, 1, "x", nil, 10))

	var a, b *nostr.Event
	cancelA := SubscribeTyped(c, Event{ID: ev.ID}, func(v *nostr.Event) { a = v })
	cancelB := SubscribeTyped(c, Event{ID: ev.ID}, func(v *nostr.Event) { b = v })
	defer cancelA()
	defer cancelB()

	require.Same(t, ev, a)
	require.Same(t, ev, b)
	require.Equal(t, 1, c.Len())
}

func TestModelKeepWarmAndTeardown(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	c.SetGrace(50 * time.Millisecond)
	sec := nostr.GeneratePrivateKey()
	ev := s.Add(context.Bg(), signedEvent(t, sec, 1, "x", nil, 10))

	cancel := SubscribeTyped(c, Event{ID: ev.ID}, func(*nostr.Event) {})
	require.True(t, s.IsClaimed(ev))
	cancel()

	// still warm inside the grace window
	require.Equal(t, 1, c.Len())
	require.True(t, s.IsClaimed(ev))

	require.Eventually(t, func() bool { return c.Len() == 0 },
		time.Second, 10*time.Millisecond)
	require.False(t, s.IsClaimed(ev))
}

func TestResubscribeInsideGraceReusesModel(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	c.SetGrace(200 * time.Millisecond)
	sec := nostr.GeneratePrivateKey()
	ev := s.Add(context.Bg(), signedEvent(t, sec, 1, "x", nil, 10))

	cancel := SubscribeTyped(c, Event{ID: ev.ID}, func(*nostr.Event) {})
	cancel()
	cancel = SubscribeTyped(c, Event{ID: ev.ID}, func(*nostr.Event) {})
	defer cancel()

	time.Sleep(300 * time.Millisecond)
	// the resubscribe canceled the idle teardown
	require.Equal(t, 1, c.Len())
}

func TestTimelineTracksInsertsAndRemovals(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	sec := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sec)

	first := s.Add(context.Bg(), signedEvent(t, sec, 1, "first", nil, 10))

	var latest []*nostr.Event
	cancel := SubscribeTyped(c, Timeline{
		Filters: nostr.Filters{{Authors: []string{pub}}},
	}, func(evs []*nostr.Event) { latest = evs })
	defer cancel()

	require.Len(t, latest, 1)

	second := s.Add(context.Bg(), signedEvent(t, sec, 1, "second", nil, 20))
	require.Len(t, latest, 2)
	require.Same(t, second, latest[0])
	require.Same(t, first, latest[1])

	s.RemoveEvent(context.Bg(), first)
	require.Len(t, latest, 1)
	require.Same(t, second, latest[0])
}

func TestFiltersMergesSnapshotWithLiveFeed(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	sec := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sec)

	stored := s.Add(context.Bg(), signedEvent(t, sec, 1, "stored", nil, 10))

	var got []*nostr.Event
	cancel := SubscribeTyped(c, Filters{
		Filters: nostr.Filters{{Authors: []string{pub}}},
	}, func(ev *nostr.Event) { got = append(got, ev) })
	defer cancel()

	require.Len(t, got, 1)
	require.Same(t, stored, got[0])

	// a duplicate add of the snapshot event does not double count
	dup := *stored
	s.Add(context.Bg(), &dup)
	require.Len(t, got, 1)

	live := s.Add(context.Bg(), signedEvent(t, sec, 1, "live", nil, 20))
	require.Len(t, got, 2)
	require.Same(t, live, got[1])
}

func TestFiltersOnlyNewSkipsSnapshot(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	sec := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sec)

	s.Add(context.Bg(), signedEvent(t, sec, 1, "stored", nil, 10))

	var got []*nostr.Event
	cancel := SubscribeTyped(c, Filters{
		Filters: nostr.Filters{{Authors: []string{pub}}},
		OnlyNew: true,
	}, func(ev *nostr.Event) { got = append(got, ev) })
	defer cancel()

	require.Empty(t, got)
	s.Add(context.Bg(), signedEvent(t, sec, 1, "live", nil, 20))
	require.Len(t, got, 1)
}

func TestReplaceableModelFollowsNewestVersion(t *testing.T) {
	s := store.New()
	defer s.Close()
	c := NewCache(s)
	sec := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sec)

	v1 := s.Add(context.Bg(),
		signedEvent(t, sec, 30023, "v1", nostr.Tags{{"d", "post"}}, 10))

	var latest *nostr.Event
	cancel := SubscribeTyped(c, Replaceable{
		Kind: 30023, Pubkey: pub, Identifier: "post",
	}, func(ev *nostr.Event) { latest = ev })
	defer cancel()

	require.Same(t, v1, latest)

	v2 := s.Add(context.Bg(),
		signedEvent(t, sec, 30023, "v2", nostr.Tags{{"d", "post"}}, 20))
	require.Same(t, v2, latest)
}
