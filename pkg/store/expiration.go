package store

import (
	"sync"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/nbd-wtf/go-nostr"
)

// Expirations schedules NIP-40 eviction. One timer is kept armed on the
// earliest pending deadline; when it fires every due id is emitted on
// the stream and the timer is re-armed for the next one.
type Expirations struct {
	mu        sync.Mutex
	deadlines map[string]nostr.Timestamp
	timer     *time.Timer
	stream    *multicast.S[string]
	now       func() nostr.Timestamp
	closed    bool
}

func NewExpirations() *Expirations {
	return &Expirations{
		deadlines: make(map[string]nostr.Timestamp),
		stream:    multicast.New[string](),
		now:       nostr.Now,
	}
}

// Stream emits the ids of events whose expiration has passed.
func (x *Expirations) Stream() *multicast.S[string] { return x.stream }

// Track schedules id for eviction at the given timestamp.
func (x *Expirations) Track(id string, at nostr.Timestamp) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.deadlines[id] = at
	x.rearm()
}

// Untrack drops any pending deadline for id.
func (x *Expirations) Untrack(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.deadlines, id)
	x.rearm()
}

// Pending reports whether id has a scheduled eviction.
func (x *Expirations) Pending(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, have := x.deadlines[id]
	return have
}

// Close stops the timer; no further evictions fire.
func (x *Expirations) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
}

// rearm must be called with x.mu held.
func (x *Expirations) rearm() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	var next nostr.Timestamp
	for _, at := range x.deadlines {
		if next == 0 || at < next {
			next = at
		}
	}
	if next == 0 {
		return
	}
	delay := next.Time().Sub(x.now().Time())
	if delay < 0 {
		delay = 0
	}
	x.timer = time.AfterFunc(delay, x.fire)
}

func (x *Expirations) fire() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	now := x.now()
	var due []string
	for id, at := range x.deadlines {
		if at <= now {
			due = append(due, id)
			delete(x.deadlines, id)
		}
	}
	x.rearm()
	x.mu.Unlock()
	for _, id := range due {
		x.stream.Emit(id)
	}
}
