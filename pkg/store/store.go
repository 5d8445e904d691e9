// Package store implements a deduplicating, versioning local cache for
// signed events with deletion and expiration semantics, reference-counted
// eviction and synchronous change notifications, over a pluggable
// Database backend.
package store

import (
	"os"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/hzrd149/applesauce-go/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

// T is the event store. All mutation routes through it so the memory
// index, the database and the change streams never drift apart.
type T struct {
	Memory      *Memory
	Deletes     *Deletes
	Expirations *Expirations

	db     Database
	verify func(*nostr.Event) error

	keepOldVersions bool
	keepExpired     bool
	keepDeleted     bool

	now func() nostr.Timestamp

	inserted *multicast.S[*nostr.Event]
	removed  *multicast.S[*nostr.Event]
}

type Option func(*T)

// WithDatabase sets the secondary read-through persistence layer.
func WithDatabase(db Database) Option { return func(s *T) { s.db = db } }

// WithVerifier replaces the signature check run at Add. Passing nil
// disables verification for trusted batch ingest.
func WithVerifier(fn func(*nostr.Event) error) Option {
	return func(s *T) { s.verify = fn }
}

// KeepOldVersions retains superseded replaceable versions instead of
// evicting them.
func KeepOldVersions() Option { return func(s *T) { s.keepOldVersions = true } }

// KeepExpired retains events past their NIP-40 expiration.
func KeepExpired() Option { return func(s *T) { s.keepExpired = true } }

// KeepDeleted retains events covered by NIP-09 tombstones.
func KeepDeleted() Option { return func(s *T) { s.keepDeleted = true } }

// WithClock overrides the time source (tests).
func WithClock(now func() nostr.Timestamp) Option {
	return func(s *T) { s.now = now }
}

func New(opts ...Option) (s *T) {
	s = &T{
		Memory:      NewMemory(),
		Deletes:     NewDeletes(),
		Expirations: NewExpirations(),
		now:         nostr.Now,
		inserted:    multicast.New[*nostr.Event](),
		removed:     multicast.New[*nostr.Event](),
	}
	s.verify = func(ev *nostr.Event) error {
		if ok, err := ev.CheckSignature(); !ok {
			if err != nil {
				return err
			}
			return log.T.Err("invalid signature on %s", ev.ID)
		}
		return nil
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Expirations.now = s.now
	if !s.keepExpired {
		s.Expirations.Stream().Subscribe(func(id string) {
			s.Remove(context.Bg(), id)
		})
	}
	return
}

// Close releases the expiration timer.
func (s *T) Close() { s.Expirations.Close() }

// Inserted emits every event the moment it is stored. Emission is
// synchronous with the mutating call.
func (s *T) Inserted() *multicast.S[*nostr.Event] { return s.inserted }

// Removed emits every event exactly once per actual removal.
func (s *T) Removed() *multicast.S[*nostr.Event] { return s.removed }

// Add ingests ev. Bad signatures, already-deleted events, already-expired
// events and stale replaceable versions are silent no-ops returning nil
// or the surviving canonical instance; they never return errors, so batch
// ingestion of mixed-trust data cannot abort mid-stream.
//
// The returned pointer is always the canonical instance: callers adding
// "the same" event concurrently converge on one object identity.
func (s *T) Add(c context.T, ev *nostr.Event, fromRelay ...string) *nostr.Event {
	if ev == nil {
		return nil
	}
	if s.verify != nil {
		if err := s.verify(ev); err != nil {
			log.T.Ln("rejecting event", ev.ID, err.Error())
			return nil
		}
	}
	if !s.keepDeleted && s.Deletes.IsDeleted(ev) {
		return nil
	}
	expiry, expires := ExpirationOf(ev)
	if expires && !s.keepExpired && expiry <= s.now() {
		return nil
	}

	addr, versioned := EventAddress(ev)
	if versioned && !s.keepOldVersions {
		if current := s.newestVersion(c, addr); current != nil &&
			current.ID != ev.ID && !isOlder(current, ev) {
			// not newer than what we hold: keep the canonical instance,
			// fold the provenance of this sighting into it
			for _, url := range fromRelay {
				s.Memory.AddSeenOn(current.ID, url)
			}
			if s.Memory.FromCache(ev.ID) {
				s.Memory.MarkFromCache(current.ID)
			}
			return current
		}
	}

	canonical, inserted := s.Memory.Insert(ev)
	for _, url := range fromRelay {
		s.Memory.AddSeenOn(canonical.ID, url)
	}
	if !inserted {
		return canonical
	}

	if s.db != nil {
		chk.E(s.db.SaveEvent(c, canonical))
	}
	if expires && !s.keepExpired {
		s.Expirations.Track(canonical.ID, expiry)
	}

	// a strictly newer version evicts every older one, including
	// copies that only survive in the database
	if versioned && !s.keepOldVersions {
		old := s.Memory.History(addr)
		if s.db != nil {
			if kind, pubkey, identifier, ok := splitAddress(addr); ok {
				history, err := s.db.GetReplaceableHistory(c, kind, pubkey,
					identifier)
				if !chk.E(err) {
					old = append(old, history...)
				}
			}
		}
		for _, o := range old {
			if o.ID != canonical.ID {
				s.Remove(c, o.ID)
			}
		}
	}

	s.inserted.Emit(canonical)

	if canonical.Kind == nostr.KindDeletion {
		s.applyDeletion(c, canonical)
	}
	return canonical
}

// applyDeletion records the tombstones of a kind-5 event and removes
// every stored event they cover.
func (s *T) applyDeletion(c context.T, ev *nostr.Event) {
	for _, ts := range s.Deletes.Record(ev) {
		switch {
		case ts.ID != "":
			target := s.Memory.Get(ts.ID)
			if target == nil && s.db != nil {
				target, _ = s.db.GetEvent(c, ts.ID)
			}
			if target != nil && target.PubKey == ts.Pubkey &&
				target.CreatedAt <= ts.Until {
				s.Remove(c, target.ID)
			}
		case ts.Address != "":
			covered := s.Memory.History(ts.Address)
			if s.db != nil {
				if kind, pubkey, identifier, ok := splitAddress(ts.Address); ok {
					history, err := s.db.GetReplaceableHistory(c, kind, pubkey,
						identifier)
					if !chk.E(err) {
						covered = append(covered, history...)
					}
				}
			}
			for _, target := range covered {
				if target.CreatedAt <= ts.Until {
					s.Remove(c, target.ID)
				}
			}
		}
	}
}

// Remove deletes the event from memory and database, deregisters its
// expiration and emits a removal exactly once per actual removal. id may
// be an event id or the event itself.
func (s *T) Remove(c context.T, id string) bool {
	ev, had := s.Memory.Remove(id)
	s.Expirations.Untrack(id)
	if s.db != nil {
		chk.E(s.db.DeleteEvent(c, id))
	}
	if had {
		s.removed.Emit(ev)
	}
	return had
}

// RemoveEvent is Remove keyed by the event itself.
func (s *T) RemoveEvent(c context.T, ev *nostr.Event) bool {
	return s.Remove(c, ev.ID)
}

// GetEvent returns the canonical instance for id, reading through to the
// database on a memory miss.
func (s *T) GetEvent(c context.T, id string) *nostr.Event {
	if ev := s.Memory.Get(id); ev != nil {
		return ev
	}
	if s.db == nil {
		return nil
	}
	ev, err := s.db.GetEvent(c, id)
	if chk.E(err) || ev == nil {
		return nil
	}
	return s.canonicalizeCached(ev)
}

// GetReplaceable returns the newest version of the (kind, pubkey,
// identifier) identity.
func (s *T) GetReplaceable(c context.T, kind int, pubkey,
	identifier string) *nostr.Event {

	return s.newestVersion(c, Address(kind, pubkey, identifier))
}

// newestVersion resolves the current canonical version for a replaceable
// address, reading through to the database so that pruning the memory
// index cannot make an older version look newest.
func (s *T) newestVersion(c context.T, addr string) *nostr.Event {
	if ev := s.Memory.Replaceable(addr); ev != nil {
		return ev
	}
	if s.db == nil {
		return nil
	}
	kind, pubkey, identifier, ok := splitAddress(addr)
	if !ok {
		return nil
	}
	ev, err := s.db.GetReplaceable(c, kind, pubkey, identifier)
	if chk.E(err) || ev == nil {
		return nil
	}
	return s.canonicalizeCached(ev)
}

// GetReplaceableHistory returns every retained version, newest first.
func (s *T) GetReplaceableHistory(c context.T, kind int, pubkey,
	identifier string) []*nostr.Event {

	byID := make(map[string]*nostr.Event)
	for _, ev := range s.Memory.History(Address(kind, pubkey, identifier)) {
		byID[ev.ID] = ev
	}
	if s.db != nil {
		history, err := s.db.GetReplaceableHistory(c, kind, pubkey, identifier)
		if !chk.E(err) {
			for _, ev := range history {
				if _, have := byID[ev.ID]; !have {
					byID[ev.ID] = s.canonicalizeCached(ev)
				}
			}
		}
	}
	out := make([]*nostr.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sortTimeline(out)
	return out
}

// GetByFilters returns all stored events matching any of ff.
func (s *T) GetByFilters(c context.T, ff nostr.Filters) []*nostr.Event {
	byID := make(map[string]*nostr.Event)
	for _, ev := range s.Memory.ByFilters(ff) {
		byID[ev.ID] = ev
	}
	if s.db != nil {
		evs, err := s.db.GetByFilters(c, ff)
		if !chk.E(err) {
			for _, ev := range evs {
				if _, have := byID[ev.ID]; !have {
					byID[ev.ID] = s.canonicalizeCached(ev)
				}
			}
		}
	}
	out := make([]*nostr.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	return out
}

// GetTimeline returns events matching f sorted newest first, capped at
// f.Limit when set.
func (s *T) GetTimeline(c context.T, f nostr.Filter) []*nostr.Event {
	evs := s.GetByFilters(c, nostr.Filters{f})
	sortTimeline(evs)
	if f.Limit > 0 && len(evs) > f.Limit {
		evs = evs[:f.Limit]
	}
	return evs
}

// HasEvent reports whether id is stored in memory or database.
func (s *T) HasEvent(c context.T, id string) bool {
	if s.Memory.Has(id) {
		return true
	}
	if s.db == nil {
		return false
	}
	have, err := s.db.HasEvent(c, id)
	return !chk.E(err) && have
}

// HasReplaceable reports whether any version of the identity is stored.
func (s *T) HasReplaceable(c context.T, kind int, pubkey,
	identifier string) bool {

	if s.Memory.Replaceable(Address(kind, pubkey, identifier)) != nil {
		return true
	}
	if s.db == nil {
		return false
	}
	have, err := s.db.HasReplaceable(c, kind, pubkey, identifier)
	return !chk.E(err) && have
}

// Claim pins ev in memory: a claimed event never falls to Prune.
func (s *T) Claim(ev *nostr.Event) { s.Memory.Claim(ev.ID) }

// RemoveClaim releases one claim on ev.
func (s *T) RemoveClaim(ev *nostr.Event) { s.Memory.RemoveClaim(ev.ID) }

// ClearClaim releases every claim on ev.
func (s *T) ClearClaim(ev *nostr.Event) { s.Memory.ClearClaim(ev.ID) }

// IsClaimed reports whether ev has live claims.
func (s *T) IsClaimed(ev *nostr.Event) bool { return s.Memory.IsClaimed(ev.ID) }

// Prune evicts at most limit zero-claim events from memory, oldest
// untouched first (limit <= 0 evicts all unclaimed). The database copy
// is kept; a pruned event can be read back through it. Each eviction
// emits a removal so live queries stay consistent with the cache.
func (s *T) Prune(limit int) (n int) {
	for _, ev := range s.Memory.Prune(limit) {
		s.Expirations.Untrack(ev.ID)
		s.removed.Emit(ev)
		n++
	}
	return
}

// canonicalizeCached registers a database-loaded event in the memory
// index and marks its provenance.
func (s *T) canonicalizeCached(ev *nostr.Event) *nostr.Event {
	canonical, inserted := s.Memory.Insert(ev)
	if inserted {
		s.Memory.MarkFromCache(canonical.ID)
		if expiry, ok := ExpirationOf(canonical); ok && !s.keepExpired {
			s.Expirations.Track(canonical.ID, expiry)
		}
	}
	return canonical
}
