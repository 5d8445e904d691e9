package store

import (
	"sync"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/nbd-wtf/go-nostr"
)

// Database is the pluggable persistence backend behind a store. The
// store treats it as a secondary, read-through layer: the in-process
// Memory index always answers first and every event returned from the
// database is canonicalized through it.
//
// Implementations may be backed by anything that can satisfy these calls
// under a context; the store never assumes synchronous completion beyond
// the call returning.
type Database interface {
	SaveEvent(c context.T, ev *nostr.Event) error
	DeleteEvent(c context.T, id string) error
	GetEvent(c context.T, id string) (*nostr.Event, error)
	GetReplaceable(c context.T, kind int, pubkey, identifier string) (*nostr.Event, error)
	GetReplaceableHistory(c context.T, kind int, pubkey, identifier string) ([]*nostr.Event, error)
	GetByFilters(c context.T, ff nostr.Filters) ([]*nostr.Event, error)
	GetTimeline(c context.T, f nostr.Filter) ([]*nostr.Event, error)
	HasEvent(c context.T, id string) (bool, error)
	HasReplaceable(c context.T, kind int, pubkey, identifier string) (bool, error)
}

// MemoryDatabase is the reference Database, a plain map guarded by a
// mutex. It is what the tests and the bundled commands run on.
type MemoryDatabase struct {
	mu     sync.Mutex
	events map[string]*nostr.Event
}

var _ Database = (*MemoryDatabase)(nil)

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{events: make(map[string]*nostr.Event)}
}

func (d *MemoryDatabase) SaveEvent(_ context.T, ev *nostr.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[ev.ID] = ev
	return nil
}

func (d *MemoryDatabase) DeleteEvent(_ context.T, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, id)
	return nil
}

func (d *MemoryDatabase) GetEvent(_ context.T, id string) (*nostr.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[id], nil
}

func (d *MemoryDatabase) GetReplaceable(c context.T, kind int, pubkey,
	identifier string) (*nostr.Event, error) {

	history, err := d.GetReplaceableHistory(c, kind, pubkey, identifier)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return history[0], nil
}

func (d *MemoryDatabase) GetReplaceableHistory(_ context.T, kind int, pubkey,
	identifier string) (history []*nostr.Event, err error) {

	addr := Address(kind, pubkey, identifier)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		if a, ok := EventAddress(ev); ok && a == addr {
			history = append(history, ev)
		}
	}
	sortTimeline(history)
	return
}

func (d *MemoryDatabase) GetByFilters(_ context.T,
	ff nostr.Filters) (evs []*nostr.Event, err error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		if ff.Match(ev) {
			evs = append(evs, ev)
		}
	}
	return
}

func (d *MemoryDatabase) GetTimeline(c context.T,
	f nostr.Filter) (evs []*nostr.Event, err error) {

	if evs, err = d.GetByFilters(c, nostr.Filters{f}); err != nil {
		return
	}
	sortTimeline(evs)
	if f.Limit > 0 && len(evs) > f.Limit {
		evs = evs[:f.Limit]
	}
	return
}

func (d *MemoryDatabase) HasEvent(_ context.T, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, have := d.events[id]
	return have, nil
}

func (d *MemoryDatabase) HasReplaceable(c context.T, kind int, pubkey,
	identifier string) (bool, error) {

	ev, err := d.GetReplaceable(c, kind, pubkey, identifier)
	return ev != nil, err
}
