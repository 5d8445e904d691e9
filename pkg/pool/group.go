package pool

import (
	"sort"
	"sync"

	"github.com/hzrd149/applesauce-go/pkg/client"
	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/store"
	"github.com/nbd-wtf/go-nostr"
)

// Group routes operations to an explicit set of relays from the pool.
// The set is fixed at creation; the pool still owns the clients.
type Group struct {
	pool *P
	urls []string
}

// Group builds a routing group over the given relay URLs, normalized
// and deduplicated with their order preserved.
func (p *P) Group(urls ...string) *Group {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = nostr.NormalizeURL(u)
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return &Group{pool: p, urls: out}
}

// URLs reports the relays this group routes to.
func (g *Group) URLs() []string {
	return append([]string(nil), g.urls...)
}

// Mailboxes builds routing groups from pubkey's relay list (kind
// 10002) as held in the local store: the read group is where the
// user's inbox lives, the write group is where their events should be
// published. An r tag without a marker lands in both. A missing relay
// list yields two empty groups.
func (p *P) Mailboxes(c context.T, st *store.T, pubkey string) (read, write *Group) {
	var readURLs, writeURLs []string
	if ev := st.GetReplaceable(c, nostr.KindRelayListMetadata, pubkey,
		""); ev != nil {
		for _, tag := range ev.Tags {
			if len(tag) < 2 || tag[0] != "r" {
				continue
			}
			marker := ""
			if len(tag) >= 3 {
				marker = tag[2]
			}
			switch marker {
			case "read":
				readURLs = append(readURLs, tag[1])
			case "write":
				writeURLs = append(writeURLs, tag[1])
			default:
				readURLs = append(readURLs, tag[1])
				writeURLs = append(writeURLs, tag[1])
			}
		}
	}
	return p.Group(readURLs...), p.Group(writeURLs...)
}

// Publish broadcasts the event to every relay in the group and
// reports the per-relay outcome, nil meaning the relay accepted it.
func (g *Group) Publish(c context.T, ev *nostr.Event) map[string]error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string]error, len(g.urls))
	for _, url := range g.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := g.pool.EnsureRelay(url)
			if err == nil {
				err = r.Publish(c, ev)
			}
			mu.Lock()
			results[url] = err
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return results
}

// GroupListener merges event streams from every relay in a group,
// deduplicating by event id across relays.
type GroupListener struct {
	// Events carries each distinct event once, tagged with the first
	// relay that delivered it.
	Events chan *client.Message
	// EndOfStoredEvents is closed once every reachable relay has
	// signaled EOSE or errored out.
	EndOfStoredEvents chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	listeners []*client.Listener

	mu   sync.Mutex
	seen map[string]struct{}
}

// Unsubscribe detaches from every underlying relay subscription.
func (gl *GroupListener) Unsubscribe() {
	gl.closeOnce.Do(func() {
		close(gl.done)
		for _, l := range gl.listeners {
			l.Unsubscribe()
		}
	})
}

func (gl *GroupListener) deliver(msg *client.Message) {
	gl.mu.Lock()
	if _, dup := gl.seen[msg.Event.ID]; dup {
		gl.mu.Unlock()
		return
	}
	gl.seen[msg.Event.ID] = struct{}{}
	gl.mu.Unlock()
	select {
	case gl.Events <- msg:
	case <-gl.done:
	}
}

// Subscribe opens the filter set on every relay in the group and
// merges the streams. Relays that cannot be reached are skipped; an
// error is returned only when no relay accepted the subscription.
func (g *Group) Subscribe(c context.T, filters nostr.Filters) (*GroupListener, error) {
	gl := &GroupListener{
		Events:            make(chan *client.Message, 512),
		EndOfStoredEvents: make(chan struct{}),
		done:              make(chan struct{}),
		seen:              make(map[string]struct{}),
	}
	var firstErr error
	for _, url := range g.urls {
		r, err := g.pool.EnsureRelay(url)
		if err != nil {
			log.D.F("skipping %s: %s", url, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l, err := r.Subscribe(c, filters)
		if err != nil {
			log.D.F("skipping %s: %s", url, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		gl.listeners = append(gl.listeners, l)
	}
	if len(gl.listeners) == 0 {
		if firstErr == nil {
			firstErr = client.ErrClosed
		}
		return nil, firstErr
	}
	var eoseWg sync.WaitGroup
	for _, l := range gl.listeners {
		eoseWg.Add(1)
		go func(l *client.Listener) {
			eosed := false
			markEOSE := func() {
				if !eosed {
					eosed = true
					eoseWg.Done()
				}
			}
			defer markEOSE()
			for !eosed {
				select {
				case msg := <-l.Events:
					gl.deliver(msg)
				case <-l.EndOfStoredEvents:
					markEOSE()
				case reason := <-l.ClosedReason:
					log.D.F("stream ended: %s", reason)
					return
				case <-gl.done:
					return
				}
			}
			for {
				select {
				case msg := <-l.Events:
					gl.deliver(msg)
				case reason := <-l.ClosedReason:
					log.D.F("stream ended: %s", reason)
					return
				case <-gl.done:
					return
				}
			}
		}(l)
	}
	go func() {
		eoseWg.Wait()
		close(gl.EndOfStoredEvents)
	}()
	return gl, nil
}

// QuerySync collects stored events from every relay in the group,
// deduplicated by id and sorted newest first.
func (g *Group) QuerySync(c context.T, filter nostr.Filter) ([]*nostr.Event, error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	byID := make(map[string]*nostr.Event)
	var firstErr error
	for _, url := range g.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := g.pool.EnsureRelay(url)
			if err == nil {
				var events []*nostr.Event
				events, err = r.QuerySync(c, filter)
				mu.Lock()
				for _, ev := range events {
					byID[ev.ID] = ev
				}
				mu.Unlock()
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(url)
	}
	wg.Wait()
	if len(byID) == 0 && firstErr != nil {
		return nil, firstErr
	}
	out := make([]*nostr.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Count asks every relay for its match count and returns the largest
// answer. Counts cannot be deduplicated across relays so this is the
// tightest available approximation.
func (g *Group) Count(c context.T, filters nostr.Filters) (int64, error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var best int64
	var firstErr error
	answered := false
	for _, url := range g.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			var n int64
			r, err := g.pool.EnsureRelay(url)
			if err == nil {
				n, err = r.Count(c, filters)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			answered = true
			if n > best {
				best = n
			}
		}(url)
	}
	wg.Wait()
	if !answered {
		return 0, firstErr
	}
	return best, nil
}
