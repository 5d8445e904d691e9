package store

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// record is the out-of-band side table entry for one cached event:
// provenance, claim count and prune ordering live here, never as fields
// smuggled onto the event itself.
type record struct {
	event     *nostr.Event
	seenOn    []string
	fromCache bool
	claims    int
	touched   int64
}

// Memory is the single-instance event index. Every event a store hands
// out passes through here, so two concurrent adds of "the same" event
// converge on one object identity and provenance accumulates on that one
// instance.
type Memory struct {
	mu      sync.Mutex
	records map[string]*record
	byAddr  map[string][]*nostr.Event
	clock   int64
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*record),
		byAddr:  make(map[string][]*nostr.Event),
	}
}

// Insert canonicalizes ev. If an instance with the same id is already
// held, that instance is returned and inserted is false.
func (m *Memory) Insert(ev *nostr.Event) (canonical *nostr.Event, inserted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[ev.ID]; have {
		rec.touched = m.tick()
		return rec.event, false
	}
	m.records[ev.ID] = &record{event: ev, touched: m.tick()}
	if addr, ok := EventAddress(ev); ok {
		versions := append(m.byAddr[addr], ev)
		sortTimeline(versions)
		m.byAddr[addr] = versions
	}
	return ev, true
}

// Get returns the canonical instance for id and refreshes its prune
// ordering.
func (m *Memory) Get(id string) *nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	if !have {
		return nil
	}
	rec.touched = m.tick()
	return rec.event
}

func (m *Memory) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, have := m.records[id]
	return have
}

// Remove drops id from the index and its replaceable bucket.
func (m *Memory) Remove(id string) (ev *nostr.Event, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	if !have {
		return nil, false
	}
	delete(m.records, id)
	ev = rec.event
	if addr, ok := EventAddress(ev); ok {
		versions := m.byAddr[addr]
		for i := range versions {
			if versions[i].ID == id {
				m.byAddr[addr] = append(versions[:i], versions[i+1:]...)
				break
			}
		}
		if len(m.byAddr[addr]) == 0 {
			delete(m.byAddr, addr)
		}
	}
	return ev, true
}

// Replaceable returns the newest cached version for the identity addr.
func (m *Memory) Replaceable(addr string) *nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.byAddr[addr]
	if len(versions) == 0 {
		return nil
	}
	if rec, have := m.records[versions[0].ID]; have {
		rec.touched = m.tick()
	}
	return versions[0]
}

// History returns all cached versions for addr, newest first.
func (m *Memory) History(addr string) []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.byAddr[addr]
	out := make([]*nostr.Event, len(versions))
	copy(out, versions)
	return out
}

// ByFilters returns cached events matching any of ff.
func (m *Memory) ByFilters(ff nostr.Filters) (evs []*nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if ff.Match(rec.event) {
			rec.touched = m.tick()
			evs = append(evs, rec.event)
		}
	}
	return
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// AddSeenOn records that id was delivered by the given relay url.
func (m *Memory) AddSeenOn(id, url string) {
	if url == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	if !have {
		return
	}
	for _, u := range rec.seenOn {
		if u == url {
			return
		}
	}
	rec.seenOn = append(rec.seenOn, url)
}

// SeenOn lists the relays id has been delivered by.
func (m *Memory) SeenOn(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	if !have {
		return nil
	}
	out := make([]string, len(rec.seenOn))
	copy(out, rec.seenOn)
	return out
}

// MarkFromCache flags id as loaded from the local database rather than a
// relay.
func (m *Memory) MarkFromCache(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[id]; have {
		rec.fromCache = true
	}
}

func (m *Memory) FromCache(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	return have && rec.fromCache
}

// Claim increments the reference count keeping id safe from Prune.
func (m *Memory) Claim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[id]; have {
		rec.claims++
	}
}

// RemoveClaim decrements the reference count, never below zero.
func (m *Memory) RemoveClaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[id]; have && rec.claims > 0 {
		rec.claims--
	}
}

// ClearClaim zeroes the reference count.
func (m *Memory) ClearClaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[id]; have {
		rec.claims = 0
	}
}

func (m *Memory) IsClaimed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, have := m.records[id]
	return have && rec.claims > 0
}

// Touch refreshes the prune ordering for id.
func (m *Memory) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, have := m.records[id]; have {
		rec.touched = m.tick()
	}
}

// Prune removes zero-claim events oldest-untouched first, at most limit
// of them (limit <= 0 removes every unclaimed event). The removed
// instances are returned so the caller can emit removals and clean up
// secondary state.
func (m *Memory) Prune(limit int) (removed []*nostr.Event) {
	m.mu.Lock()
	type candidate struct {
		id      string
		touched int64
	}
	var unclaimed []candidate
	for id, rec := range m.records {
		if rec.claims == 0 {
			unclaimed = append(unclaimed, candidate{id, rec.touched})
		}
	}
	m.mu.Unlock()

	sort.Slice(unclaimed, func(i, j int) bool {
		return unclaimed[i].touched < unclaimed[j].touched
	})
	if limit > 0 && len(unclaimed) > limit {
		unclaimed = unclaimed[:limit]
	}
	for _, cand := range unclaimed {
		// re-check under lock, a claim may have landed meanwhile
		m.mu.Lock()
		rec, have := m.records[cand.id]
		if !have || rec.claims > 0 {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		if ev, ok := m.Remove(cand.id); ok {
			removed = append(removed, ev)
		}
	}
	return
}

// tick must be called with m.mu held.
func (m *Memory) tick() int64 {
	m.clock++
	return m.clock
}
