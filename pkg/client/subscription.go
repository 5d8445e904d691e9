package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/nbd-wtf/go-nostr"
)

// listenerBuffer is the per-listener event channel capacity. Frames
// beyond it are dropped rather than stalling the read loop.
const listenerBuffer = 512

// Message is one event as received from a relay, tagged with where it
// came from.
type Message struct {
	Relay string
	Event *nostr.Event
}

// Subscription is one wire REQ, shared by every listener that asked
// for the same filter set. The REQ is sent when the first listener
// attaches and the CLOSE when the last one detaches.
type Subscription struct {
	relay   *T
	id      string
	key     string
	filters nostr.Filters

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	eosed     bool
	dead      bool
	closeSent bool
	serverEnd bool
}

// Listener is one consumer of a shared subscription.
type Listener struct {
	sub *Subscription

	// Events carries matching events in relay order.
	Events chan *Message
	// EndOfStoredEvents is closed when the relay signals EOSE. The
	// stream stays open for live events after that.
	EndOfStoredEvents chan struct{}
	// ClosedReason carries the reason when the stream errors out.
	ClosedReason chan string

	eoseOnce  sync.Once
	closeOnce sync.Once
	unsubOnce sync.Once
}

// Filters reports the filter set this listener is attached to.
func (l *Listener) Filters() nostr.Filters { return l.sub.filters }

// Unsubscribe detaches the listener. When it was the last one the
// subscription sends a single CLOSE to the relay.
func (l *Listener) Unsubscribe() {
	l.unsubOnce.Do(func() { l.sub.detach(l) })
}

func filtersKey(ff nostr.Filters) string {
	b, err := json.Marshal(ff)
	if chk.E(err) {
		return fmt.Sprintf("%v", ff)
	}
	return strconv.FormatUint(z.MemHashString(string(b)), 16)
}

// Subscribe opens a stream of events matching the filters. Identical
// filter sets share one wire subscription; each caller still gets its
// own listener with independent teardown.
func (r *T) Subscribe(c context.T, filters nostr.Filters) (*Listener, error) {
	key := filtersKey(filters)
	for {
		sub, _ := r.byFilters.LoadOrCompute(key, func() *Subscription {
			s := &Subscription{
				relay:     r,
				id:        r.nextID("sub"),
				key:       key,
				filters:   filters,
				listeners: make(map[*Listener]struct{}),
			}
			r.subs.Store(s.id, s)
			return s
		})
		l, first := sub.attach()
		if l == nil {
			// lost a race with the last detach, retry with a fresh
			// subscription
			r.byFilters.Compute(key,
				func(old *Subscription, ok bool) (*Subscription, bool) {
					return old, ok && old == sub
				})
			continue
		}
		if first {
			if err := sub.fire(c); err != nil {
				l.Unsubscribe()
				return nil, err
			}
		}
		return l, nil
	}
}

func (s *Subscription) attach() (l *Listener, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, false
	}
	l = &Listener{
		sub:               s,
		Events:            make(chan *Message, listenerBuffer),
		EndOfStoredEvents: make(chan struct{}),
		ClosedReason:      make(chan string, 1),
	}
	if s.eosed {
		l.eoseOnce.Do(func() { close(l.EndOfStoredEvents) })
	}
	first = len(s.listeners) == 0
	s.listeners[l] = struct{}{}
	return l, first
}

func (s *Subscription) detach(l *Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	if len(s.listeners) > 0 {
		s.mu.Unlock()
		return
	}
	s.dead = true
	sendClose := !s.serverEnd && !s.closeSent
	s.closeSent = true
	s.mu.Unlock()

	s.relay.byFilters.Compute(s.key,
		func(old *Subscription, ok bool) (*Subscription, bool) {
			return old, ok && old == s
		})
	s.relay.subs.Delete(s.id)
	if sendClose {
		frame, err := nostr.CloseEnvelope(s.id).MarshalJSON()
		if !chk.E(err) {
			c, cancel := context.Timeout(context.Bg(), PublishTimeout)
			defer cancel()
			if err = s.relay.send(c, frame); err != nil {
				log.D.F("{%s} failed to close %s: %s", s.relay.URL, s.id, err)
			}
		}
	}
}

// fire sends (or re-sends) the REQ once the relay is ready.
func (s *Subscription) fire(c context.T) error {
	if err := s.relay.waitReady(c); err != nil {
		return err
	}
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrClosed
	}
	s.eosed = false
	s.mu.Unlock()
	frame, err := nostr.ReqEnvelope{
		SubscriptionID: s.id,
		Filters:        s.filters,
	}.MarshalJSON()
	if chk.E(err) {
		return err
	}
	return s.relay.send(c, frame)
}

func (s *Subscription) dispatchEvent(ev *nostr.Event, relay string) {
	s.mu.Lock()
	targets := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		targets = append(targets, l)
	}
	s.mu.Unlock()
	msg := &Message{Relay: relay, Event: ev}
	for _, l := range targets {
		select {
		case l.Events <- msg:
		default:
			log.W.F("{%s} dropping event %s on slow listener", relay, ev.ID)
		}
	}
}

func (s *Subscription) dispatchEOSE() {
	s.mu.Lock()
	if s.eosed {
		s.mu.Unlock()
		return
	}
	s.eosed = true
	targets := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		targets = append(targets, l)
	}
	s.mu.Unlock()
	for _, l := range targets {
		l.eoseOnce.Do(func() { close(l.EndOfStoredEvents) })
	}
}

// dispatchClosed errors out every listener. The subscription is gone
// server side so no CLOSE frame is sent.
func (s *Subscription) dispatchClosed(reason string) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.serverEnd = true
	targets := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		targets = append(targets, l)
	}
	s.listeners = make(map[*Listener]struct{})
	s.mu.Unlock()

	s.relay.byFilters.Compute(s.key,
		func(old *Subscription, ok bool) (*Subscription, bool) {
			return old, ok && old == s
		})
	s.relay.subs.Delete(s.id)
	for _, l := range targets {
		l.closeOnce.Do(func() {
			select {
			case l.ClosedReason <- reason:
			default:
			}
		})
	}
}
