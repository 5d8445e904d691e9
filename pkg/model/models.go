package model

import (
	"sort"
	"sync"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/store"
	"github.com/nbd-wtf/go-nostr"
)

// Event is a live query for a single event by id. It emits the canonical
// instance when present and a nil *nostr.Event when absent or removed.
// The held instance is claimed against pruning for the model's lifetime.
type Event struct {
	ID string
}

func (m Event) Key() string { return Keyf("event", m.ID) }

func (m Event) Run(s *store.T, emit func(any)) (stop func()) {
	var mu sync.Mutex
	var held *nostr.Event
	hold := func(ev *nostr.Event) {
		mu.Lock()
		if held != nil {
			s.RemoveClaim(held)
		}
		held = ev
		if ev != nil {
			s.Claim(ev)
		}
		mu.Unlock()
		emit(ev)
	}
	cancelIns := s.Inserted().Subscribe(func(ev *nostr.Event) {
		if ev.ID == m.ID {
			hold(ev)
		}
	})
	cancelRem := s.Removed().Subscribe(func(ev *nostr.Event) {
		if ev.ID == m.ID {
			hold(nil)
		}
	})
	hold(s.GetEvent(context.Bg(), m.ID))
	return func() {
		cancelIns()
		cancelRem()
		hold(nil)
	}
}

// Replaceable is a live query for the newest version of a replaceable
// identity. Emits the canonical newest instance, nil when none remains.
type Replaceable struct {
	Kind       int
	Pubkey     string
	Identifier string
}

func (m Replaceable) Key() string {
	return Keyf("replaceable", m.Kind, m.Pubkey, m.Identifier)
}

func (m Replaceable) address() string {
	return store.Address(m.Kind, m.Pubkey, m.Identifier)
}

func (m Replaceable) Run(s *store.T, emit func(any)) (stop func()) {
	var mu sync.Mutex
	var held *nostr.Event
	hold := func(ev *nostr.Event) {
		mu.Lock()
		same := held == ev
		if !same {
			if held != nil {
				s.RemoveClaim(held)
			}
			held = ev
			if ev != nil {
				s.Claim(ev)
			}
		}
		mu.Unlock()
		if !same {
			emit(ev)
		}
	}
	matches := func(ev *nostr.Event) bool {
		addr, ok := store.EventAddress(ev)
		return ok && addr == m.address()
	}
	cancelIns := s.Inserted().Subscribe(func(ev *nostr.Event) {
		if matches(ev) {
			hold(s.GetReplaceable(context.Bg(), m.Kind, m.Pubkey, m.Identifier))
		}
	})
	cancelRem := s.Removed().Subscribe(func(ev *nostr.Event) {
		if matches(ev) {
			hold(s.GetReplaceable(context.Bg(), m.Kind, m.Pubkey, m.Identifier))
		}
	})
	hold(s.GetReplaceable(context.Bg(), m.Kind, m.Pubkey, m.Identifier))
	return func() {
		cancelIns()
		cancelRem()
		hold(nil)
	}
}

// Timeline is a live query for a sorted window of events matching a
// filter set. Emits the full []*nostr.Event snapshot on every change,
// newest first. Every member is claimed while it is in the window.
type Timeline struct {
	Filters nostr.Filters
	Limit   int
}

func (m Timeline) Key() string { return Keyf("timeline", m.Filters, m.Limit) }

func (m Timeline) Run(s *store.T, emit func(any)) (stop func()) {
	var mu sync.Mutex
	members := make(map[string]*nostr.Event)
	snapshot := func() []*nostr.Event {
		out := make([]*nostr.Event, 0, len(members))
		for _, ev := range members {
			out = append(out, ev)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		if m.Limit > 0 && len(out) > m.Limit {
			out = out[:m.Limit]
		}
		return out
	}
	add := func(ev *nostr.Event) {
		mu.Lock()
		if _, have := members[ev.ID]; have {
			mu.Unlock()
			return
		}
		members[ev.ID] = ev
		s.Claim(ev)
		snap := snapshot()
		mu.Unlock()
		emit(snap)
	}
	drop := func(ev *nostr.Event) {
		mu.Lock()
		if _, have := members[ev.ID]; !have {
			mu.Unlock()
			return
		}
		delete(members, ev.ID)
		s.RemoveClaim(ev)
		snap := snapshot()
		mu.Unlock()
		emit(snap)
	}
	cancelIns := s.Inserted().Subscribe(func(ev *nostr.Event) {
		if m.Filters.Match(ev) {
			add(ev)
		}
	})
	cancelRem := s.Removed().Subscribe(drop)
	// seed with the stored snapshot; the same predicate runs on both
	// sides of the boundary so nothing is double counted or missed
	mu.Lock()
	for _, ev := range s.GetByFilters(context.Bg(), m.Filters) {
		members[ev.ID] = ev
		s.Claim(ev)
	}
	snap := snapshot()
	mu.Unlock()
	emit(snap)
	return func() {
		cancelIns()
		cancelRem()
		mu.Lock()
		for _, ev := range members {
			s.RemoveClaim(ev)
		}
		members = make(map[string]*nostr.Event)
		mu.Unlock()
	}
}

// Filters is a live feed of individual matching events: a one-shot
// snapshot of current matches (skipped when OnlyNew) merged with every
// subsequently inserted match, deduplicated by id across the boundary.
type Filters struct {
	Filters nostr.Filters
	OnlyNew bool
}

func (m Filters) Key() string { return Keyf("filters", m.Filters, m.OnlyNew) }

func (m Filters) Run(s *store.T, emit func(any)) (stop func()) {
	var mu sync.Mutex
	seen := make(map[string]struct{})
	deliver := func(ev *nostr.Event) {
		mu.Lock()
		if _, dup := seen[ev.ID]; dup {
			mu.Unlock()
			return
		}
		seen[ev.ID] = struct{}{}
		mu.Unlock()
		emit(ev)
	}
	cancelIns := s.Inserted().Subscribe(func(ev *nostr.Event) {
		if m.Filters.Match(ev) {
			deliver(ev)
		}
	})
	if !m.OnlyNew {
		for _, ev := range s.GetByFilters(context.Bg(), m.Filters) {
			deliver(ev)
		}
	}
	return cancelIns
}
