package client

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/relayinfo"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, fr *fakeRelay, opts ...Option) *T {
	r := New(context.Bg(), fr.url(), opts...)
	require.NoError(t, r.Connect(context.Bg()))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSubscriptionSharingSendsOneReq(t *testing.T) {
	ev := signedNote(t, "hello")
	release := make(chan struct{})
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "REQ" {
			return
		}
		var subid string
		require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
		go func() {
			<-release
			fr.writeJSON(conn, "EVENT", subid, ev)
			fr.write(conn, `["EOSE","`+subid+`"]`)
		}()
	})
	r := connect(t, fr)
	filters := nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}

	l1, err := r.Subscribe(context.Bg(), filters)
	require.NoError(t, err)
	l2, err := r.Subscribe(context.Bg(), filters)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, fr.received("REQ"))
	close(release)

	for _, l := range []*Listener{l1, l2} {
		select {
		case msg := <-l.Events:
			require.Equal(t, ev.ID, msg.Event.ID)
			require.Equal(t, r.URL, msg.Relay)
		case <-time.After(2 * time.Second):
			t.Fatal("no event delivered")
		}
		select {
		case <-l.EndOfStoredEvents:
		case <-time.After(2 * time.Second):
			t.Fatal("no EOSE")
		}
	}

	l1.Unsubscribe()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fr.received("CLOSE"))
	l2.Unsubscribe()
	require.Eventually(t, func() bool { return fr.received("CLOSE") == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fr.received("REQ"))
}

func TestPublishAccepted(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "EVENT" {
			return
		}
		var ev nostr.Event
		require.NoError(fr.t, json.Unmarshal(arr[1], &ev))
		fr.writeJSON(conn, "OK", ev.ID, true, "")
	})
	r := connect(t, fr)
	require.NoError(t, r.Publish(context.Bg(), signedNote(t, "hi")))
}

func TestPublishRefused(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "EVENT" {
			return
		}
		var ev nostr.Event
		require.NoError(fr.t, json.Unmarshal(arr[1], &ev))
		fr.writeJSON(conn, "OK", ev.ID, false, "blocked: no thanks")
	})
	r := connect(t, fr)
	err := r.Publish(context.Bg(), signedNote(t, "hi"))
	require.ErrorContains(t, err, "blocked: no thanks")
}

func TestPublishTimesOutWithoutOK(t *testing.T) {
	fr := newFakeRelay(t, nil)
	r := connect(t, fr)
	c, cancel := context.Timeout(context.Bg(), 200*time.Millisecond)
	defer cancel()
	err := r.Publish(c, signedNote(t, "hi"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPublishRetriesOnceAfterAuth(t *testing.T) {
	var authed atomic.Bool
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		var ev nostr.Event
		switch label {
		case "EVENT":
			require.NoError(fr.t, json.Unmarshal(arr[1], &ev))
			if !authed.Load() {
				fr.writeJSON(conn, "OK", ev.ID, false,
					"auth-required: we want to know you")
				return
			}
			fr.writeJSON(conn, "OK", ev.ID, true, "")
		case "AUTH":
			require.NoError(fr.t, json.Unmarshal(arr[1], &ev))
			require.Equal(fr.t, nostr.KindClientAuthentication, ev.Kind)
			require.Equal(fr.t, "challenge-1", ev.Tags.GetFirst([]string{"challenge"}).Value())
			authed.Store(true)
			fr.writeJSON(conn, "OK", ev.ID, true, "")
		}
	})
	fr.onConnect = func(conn net.Conn) {
		fr.write(conn, `["AUTH","challenge-1"]`)
	}
	sec := nostr.GeneratePrivateKey()
	r := connect(t, fr, WithAuthHandler(func(ev *nostr.Event) error {
		return ev.Sign(sec)
	}))

	require.NoError(t, r.Publish(context.Bg(), signedNote(t, "hi")))
	require.Equal(t, 2, fr.received("EVENT"))
	require.Equal(t, 1, fr.received("AUTH"))
	require.True(t, r.Snapshot().Authenticated)
}

func TestClosedAuthRequiredRefiresReqAfterAuth(t *testing.T) {
	var authed atomic.Bool
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		switch label {
		case "REQ":
			var subid string
			require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
			if !authed.Load() {
				fr.writeJSON(conn, "CLOSED", subid,
					"auth-required: subscriptions need auth")
				return
			}
			fr.write(conn, `["EOSE","`+subid+`"]`)
		case "AUTH":
			var ev nostr.Event
			require.NoError(fr.t, json.Unmarshal(arr[1], &ev))
			authed.Store(true)
			fr.writeJSON(conn, "OK", ev.ID, true, "")
		}
	})
	fr.onConnect = func(conn net.Conn) {
		fr.write(conn, `["AUTH","challenge-2"]`)
	}
	sec := nostr.GeneratePrivateKey()
	r := connect(t, fr, WithAuthHandler(func(ev *nostr.Event) error {
		return ev.Sign(sec)
	}))

	l, err := r.Subscribe(context.Bg(),
		nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	defer l.Unsubscribe()

	select {
	case <-l.EndOfStoredEvents:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not refired after auth")
	}
	require.Equal(t, 2, fr.received("REQ"))
	require.Equal(t, 1, fr.received("AUTH"))
	require.True(t, r.Snapshot().Authenticated)
}

func TestConcurrentConnectSharesOneSocket(t *testing.T) {
	fr := newFakeRelay(t, nil)
	r := New(context.Bg(), fr.url())
	t.Cleanup(func() { r.Close() })

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- r.Connect(context.Bg()) }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	time.Sleep(50 * time.Millisecond)
	fr.mu.Lock()
	conns := len(fr.conns)
	fr.mu.Unlock()
	require.Equal(t, 1, conns)
}

func TestCloseAfterFailedConnect(t *testing.T) {
	r := New(context.Bg(), "ws://127.0.0.1:1")
	c, cancel := context.Timeout(context.Bg(), 200*time.Millisecond)
	defer cancel()
	require.Error(t, r.Connect(c))
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Connect(context.Bg()), ErrClosed)
}

func TestCount(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "COUNT" {
			return
		}
		var subid string
		require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
		fr.writeJSON(conn, "COUNT", subid, map[string]int{"count": 42})
	})
	r := connect(t, fr)
	n, err := r.Count(context.Bg(),
		nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	require.EqualValues(t, 42, n)
}

func TestQuerySyncStopsAtEOSE(t *testing.T) {
	first := signedNote(t, "one")
	second := signedNote(t, "two")
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "REQ" {
			return
		}
		var subid string
		require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
		fr.writeJSON(conn, "EVENT", subid, first)
		fr.writeJSON(conn, "EVENT", subid, second)
		fr.write(conn, `["EOSE","`+subid+`"]`)
	})
	r := connect(t, fr)
	events, err := r.QuerySync(context.Bg(),
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Eventually(t, func() bool { return fr.received("CLOSE") == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestServerClosedErrorsStreamWithoutClose(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "REQ" {
			return
		}
		var subid string
		require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
		fr.writeJSON(conn, "CLOSED", subid, "blocked: go away")
	})
	r := connect(t, fr)
	l, err := r.Subscribe(context.Bg(),
		nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	select {
	case reason := <-l.ClosedReason:
		require.Equal(t, "blocked: go away", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not errored")
	}
	l.Unsubscribe()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fr.received("CLOSE"))
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "REQ" {
			return
		}
		var subid string
		require.NoError(fr.t, json.Unmarshal(arr[1], &subid))
		fr.write(conn, `["EOSE","`+subid+`"]`)
	})
	r := connect(t, fr, WithBackoff(func(error, int) time.Duration {
		return 10 * time.Millisecond
	}))
	var mu sync.Mutex
	var statuses []Status
	r.Statuses().Subscribe(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	l, err := r.Subscribe(context.Bg(),
		nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	defer l.Unsubscribe()
	require.Eventually(t, func() bool { return fr.received("REQ") == 1 },
		2*time.Second, 10*time.Millisecond)

	fr.dropConnections()
	require.Eventually(t, func() bool { return fr.received("REQ") == 2 },
		5*time.Second, 10*time.Millisecond)

	mu.Lock()
	seen := append([]Status(nil), statuses...)
	mu.Unlock()
	require.Contains(t, seen, StatusReconnecting)
	require.Equal(t, StatusReady, r.Status())
}

type stubReconciler struct {
	initial string
	seen    []string
	reply   func(msg string) (string, bool, error)
}

func (s *stubReconciler) Initiate() (string, error) { return s.initial, nil }

func (s *stubReconciler) Reconcile(msg string) (string, bool, error) {
	s.seen = append(s.seen, msg)
	if s.reply != nil {
		return s.reply(msg)
	}
	return "", true, nil
}

func TestNegentropyUnsupportedRelay(t *testing.T) {
	fr := newFakeRelay(t, nil)
	fr.info = &relayinfo.T{SupportedNIPs: []int{1, 11}}
	r := connect(t, fr)
	err := r.Negentropy(context.Bg(),
		nostr.Filter{Kinds: []int{nostr.KindTextNote}}, &stubReconciler{})
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, 0, fr.received("NEG-OPEN"))
}

func TestNegentropyRoundTripClosesOnce(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "NEG-OPEN" {
			return
		}
		var id string
		require.NoError(fr.t, json.Unmarshal(arr[1], &id))
		fr.writeJSON(conn, "NEG-MSG", id, "beef")
	})
	fr.info = &relayinfo.T{SupportedNIPs: []int{1, 77}}
	r := connect(t, fr)
	rec := &stubReconciler{initial: "cafe"}
	require.NoError(t, r.Negentropy(context.Bg(),
		nostr.Filter{Kinds: []int{nostr.KindTextNote}}, rec))
	require.Equal(t, []string{"beef"}, rec.seen)
	require.Eventually(t, func() bool {
		return fr.received("NEG-CLOSE") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fr.received("NEG-OPEN"))
}

func TestNegentropyErrorFrame(t *testing.T) {
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, arr := frameParts(fr.t, msg)
		if label != "NEG-OPEN" {
			return
		}
		var id string
		require.NoError(fr.t, json.Unmarshal(arr[1], &id))
		fr.writeJSON(conn, "NEG-ERR", id, "blocked")
	})
	fr.info = &relayinfo.T{SupportedNIPs: []int{77}}
	r := connect(t, fr)
	err := r.Negentropy(context.Bg(),
		nostr.Filter{Kinds: []int{nostr.KindTextNote}}, &stubReconciler{})
	require.ErrorContains(t, err, "blocked")
	require.Eventually(t, func() bool {
		return fr.received("NEG-CLOSE") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNegentropyCanceledBeforeStartSendsNothing(t *testing.T) {
	fr := newFakeRelay(t, nil)
	fr.info = &relayinfo.T{SupportedNIPs: []int{77}}
	r := connect(t, fr)
	c, cancel := context.Cancel(context.Bg())
	cancel()
	err := r.Negentropy(c,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}}, &stubReconciler{})
	require.ErrorIs(t, err, context.Canceled)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fr.received("NEG-OPEN"))
	require.Equal(t, 0, fr.received("NEG-CLOSE"))
}

func TestNegentropyCancelMidSessionClosesOnce(t *testing.T) {
	opened := make(chan struct{}, 1)
	fr := newFakeRelay(t, func(fr *fakeRelay, conn net.Conn, msg []byte) {
		label, _ := frameParts(fr.t, msg)
		if label == "NEG-OPEN" {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	fr.info = &relayinfo.T{SupportedNIPs: []int{77}}
	r := connect(t, fr)

	c, cancel := context.Cancel(context.Bg())
	done := make(chan error, 1)
	go func() {
		done <- r.Negentropy(c,
			nostr.Filter{Kinds: []int{nostr.KindTextNote}},
			&stubReconciler{initial: "cafe"})
	}()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("session never opened")
	}
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on cancel")
	}
	require.Eventually(t, func() bool {
		return fr.received("NEG-CLOSE") == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, fr.received("NEG-CLOSE"))
	require.Equal(t, 1, fr.received("NEG-OPEN"))
}

func TestNoticesLandInSnapshot(t *testing.T) {
	fr := newFakeRelay(t, nil)
	got := make(chan string, 1)
	r := connect(t, fr, WithNoticeHandler(func(msg string) {
		got <- msg
	}))
	fr.mu.Lock()
	conn := fr.conns[0]
	fr.mu.Unlock()
	fr.write(conn, `["NOTICE","slow down"]`)
	select {
	case msg := <-got:
		require.Equal(t, "slow down", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("notice not delivered")
	}
	require.Contains(t, r.Snapshot().Notices, "slow down")
}
