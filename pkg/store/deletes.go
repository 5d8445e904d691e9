package store

import (
	"strconv"
	"strings"
	"sync"

	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/nbd-wtf/go-nostr"
)

// Tombstone is one pointer recorded from a NIP-09 deletion event. Either
// ID or Address is set, never both. Until is the created_at of the
// deletion: any event matching the pointer with created_at <= Until is
// gone, including ones that arrive later.
type Tombstone struct {
	ID      string
	Address string
	Pubkey  string
	Until   nostr.Timestamp
}

type tomb struct {
	pubkey string
	until  nostr.Timestamp
}

// Deletes tracks tombstones and answers whether an event is covered by
// one. Deletions only apply when the deleting author matches the target
// author; for id pointers whose target has not been seen yet the check
// happens at lookup time.
type Deletes struct {
	mu     sync.Mutex
	byID   map[string]tomb
	byAddr map[string]tomb
	stream *multicast.S[Tombstone]
}

func NewDeletes() *Deletes {
	return &Deletes{
		byID:   make(map[string]tomb),
		byAddr: make(map[string]tomb),
		stream: multicast.New[Tombstone](),
	}
}

// Stream emits every newly recorded or extended tombstone.
func (d *Deletes) Stream() *multicast.S[Tombstone] { return d.stream }

// Record ingests a kind-5 event, returning the tombstones it produced.
// Address pointers naming a different author than the deletion's are
// dropped here; a later deletion for a known pointer only ever extends
// its window.
func (d *Deletes) Record(ev *nostr.Event) (recorded []Tombstone) {
	if ev.Kind != nostr.KindDeletion {
		return nil
	}
	until := ev.CreatedAt
	d.mu.Lock()
	for _, t := range ev.Tags {
		if len(t) < 2 || t[1] == "" {
			continue
		}
		switch t[0] {
		case "e":
			prev, have := d.byID[t[1]]
			if have && prev.until >= until {
				continue
			}
			d.byID[t[1]] = tomb{ev.PubKey, until}
			recorded = append(recorded,
				Tombstone{ID: t[1], Pubkey: ev.PubKey, Until: until})
		case "a":
			if !addressedTo(t[1], ev.PubKey) {
				continue
			}
			prev, have := d.byAddr[t[1]]
			if have && prev.until >= until {
				continue
			}
			d.byAddr[t[1]] = tomb{ev.PubKey, until}
			recorded = append(recorded,
				Tombstone{Address: t[1], Pubkey: ev.PubKey, Until: until})
		}
	}
	d.mu.Unlock()
	for _, ts := range recorded {
		d.stream.Emit(ts)
	}
	return
}

// IsDeleted reports whether ev is covered by a recorded tombstone from
// its own author.
func (d *Deletes) IsDeleted(ev *nostr.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, have := d.byID[ev.ID]; have &&
		t.pubkey == ev.PubKey && ev.CreatedAt <= t.until {
		return true
	}
	if addr, ok := EventAddress(ev); ok {
		if t, have := d.byAddr[addr]; have && ev.CreatedAt <= t.until {
			return true
		}
	}
	return false
}

// addressedTo reports whether the "kind:pubkey:identifier" address names
// pubkey as its author.
func addressedTo(addr, pubkey string) bool {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return false
	}
	return parts[1] == pubkey
}
