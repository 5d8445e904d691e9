package store

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// IsReplaceableKind reports whether only the latest event per (kind,
// pubkey) is canonical.
func IsReplaceableKind(k int) bool {
	return k == 0 || k == 3 || (10000 <= k && k < 20000)
}

// IsAddressableKind reports whether only the latest event per (kind,
// pubkey, d-tag) is canonical.
func IsAddressableKind(k int) bool {
	return 30000 <= k && k < 40000
}

// Address returns the replaceable identity string "kind:pubkey:identifier".
func Address(kind int, pubkey, identifier string) string {
	return strconv.Itoa(kind) + ":" + pubkey + ":" + identifier
}

// EventAddress computes the replaceable identity of ev. ok is false for
// kinds that are not versioned.
func EventAddress(ev *nostr.Event) (addr string, ok bool) {
	switch {
	case IsReplaceableKind(ev.Kind):
		return Address(ev.Kind, ev.PubKey, ""), true
	case IsAddressableKind(ev.Kind):
		identifier := ""
		if t := ev.Tags.GetFirst([]string{"d"}); t != nil {
			identifier = t.Value()
		}
		return Address(ev.Kind, ev.PubKey, identifier), true
	}
	return "", false
}

// splitAddress breaks "kind:pubkey:identifier" back into its parts.
func splitAddress(addr string) (kind int, pubkey, identifier string, ok bool) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return
	}
	var err error
	if kind, err = strconv.Atoi(parts[0]); err != nil {
		return
	}
	return kind, parts[1], parts[2], true
}

// isOlder reports whether previous loses to next under the replaceable
// version ordering: higher created_at wins, lexically smaller id breaks
// ties.
func isOlder(previous, next *nostr.Event) bool {
	return previous.CreatedAt < next.CreatedAt ||
		(previous.CreatedAt == next.CreatedAt && previous.ID > next.ID)
}

// ExpirationOf returns the NIP-40 expiration timestamp of ev, if it
// carries a valid one.
func ExpirationOf(ev *nostr.Event) (at nostr.Timestamp, ok bool) {
	t := ev.Tags.GetFirst([]string{"expiration"})
	if t == nil || len(*t) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(t.Value(), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return nostr.Timestamp(n), true
}

func sortTimeline(evs []*nostr.Event) {
	sort.Slice(evs, func(i, j int) bool { return timelineLess(evs[i], evs[j]) })
}

// timelineLess orders newest first, lexically smaller id first on equal
// timestamps.
func timelineLess(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
