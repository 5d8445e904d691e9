// Package pool manages a set of relay clients keyed by normalized URL,
// handing out one canonical client per relay and routing operations to
// explicit groups of them.
package pool

import (
	"os"
	"sync"
	"time"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/hzrd149/applesauce-go/pkg/client"
	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/liveness"
	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/hzrd149/applesauce-go/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// dialTimeout bounds the initial connect attempt made by EnsureRelay.
const dialTimeout = 15 * time.Second

// namedLockShards spreads EnsureRelay contention so two different URLs
// rarely serialize behind each other.
const namedLockShards = 50

// StatusChange reports one relay's transition, tagged with its URL.
type StatusChange struct {
	URL    string
	Status client.Status
}

// Option configures a pool.
type Option func(p *P)

// WithLiveness wires a health tracker: dead relays are refused, dial
// results feed the failure history.
func WithLiveness(tr *liveness.Tracker) Option {
	return func(p *P) { p.liveness = tr }
}

// WithClientOptions is applied to every relay client the pool creates.
func WithClientOptions(opts ...client.Option) Option {
	return func(p *P) { p.clientOpts = opts }
}

// P holds at most one client per relay URL.
type P struct {
	ctx    context.T
	cancel context.F

	relays     *xsync.MapOf[string, *client.T]
	namedLock  [namedLockShards]sync.Mutex
	liveness   *liveness.Tracker
	clientOpts []client.Option

	statusMu  sync.Mutex
	statusMap map[string]client.Status

	changes *multicast.S[StatusChange]
}

// New creates an empty pool. Close releases every relay it created.
func New(c context.T, opts ...Option) *P {
	ctx, cancel := context.Cancel(c)
	p := &P{
		ctx:       ctx,
		cancel:    cancel,
		relays:    xsync.NewMapOf[*client.T](),
		statusMap: make(map[string]client.Status),
		changes:   multicast.New[StatusChange](),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *P) lockFor(url string) *sync.Mutex {
	return &p.namedLock[z.MemHashString(url)%namedLockShards]
}

// Relay looks up an existing client without dialing.
func (p *P) Relay(url string) (*client.T, bool) {
	return p.relays.Load(nostr.NormalizeURL(url))
}

// EnsureRelay returns the canonical client for url, dialing it the
// first time. Different spellings of the same relay URL converge on
// one client. A relay marked dead by the health tracker is refused
// until revived.
func (p *P) EnsureRelay(url string) (*client.T, error) {
	url = nostr.NormalizeURL(url)
	if p.liveness != nil && p.liveness.State(url) == liveness.Dead {
		return nil, liveness.ErrDead
	}
	lock := p.lockFor(url)
	lock.Lock()
	defer lock.Unlock()
	if r, ok := p.relays.Load(url); ok {
		return r, nil
	}
	r := client.New(p.ctx, url, p.clientOpts...)
	c, cancel := context.Timeout(p.ctx, dialTimeout)
	defer cancel()
	if err := r.Connect(c); err != nil {
		r.Close()
		if p.liveness != nil {
			p.liveness.RecordFailure(p.ctx, url)
		}
		return nil, err
	}
	if p.liveness != nil {
		p.liveness.RecordSuccess(p.ctx, url)
	}
	r.Statuses().Subscribe(func(s client.Status) {
		p.statusMu.Lock()
		if _, tracked := p.statusMap[url]; tracked {
			p.statusMap[url] = s
		}
		p.statusMu.Unlock()
		p.changes.Emit(StatusChange{URL: url, Status: s})
	})
	p.statusMu.Lock()
	p.statusMap[url] = r.Status()
	p.statusMu.Unlock()
	p.relays.Store(url, r)
	return r, nil
}

// Remove detaches the client for url from routing and status
// reporting. The socket is closed only when closeConn is set; a
// detached-but-open relay keeps serving whoever already holds it. The
// next EnsureRelay dials fresh.
func (p *P) Remove(url string, closeConn bool) {
	url = nostr.NormalizeURL(url)
	r, ok := p.relays.LoadAndDelete(url)
	if !ok {
		return
	}
	p.statusMu.Lock()
	delete(p.statusMap, url)
	p.statusMu.Unlock()
	if closeConn {
		if err := r.Close(); err != nil {
			log.D.F("closing %s: %s", url, err)
		}
	}
}

// Statuses snapshots the lifecycle phase of every pooled relay. The
// map is maintained incrementally from per-relay status callbacks, so
// reading it never touches the relays themselves.
func (p *P) Statuses() map[string]client.Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	out := make(map[string]client.Status, len(p.statusMap))
	for url, s := range p.statusMap {
		out[url] = s
	}
	return out
}

// StatusChanges is a stream of per-relay transitions.
func (p *P) StatusChanges() *multicast.S[StatusChange] { return p.changes }

// Close tears down every relay in the pool.
func (p *P) Close() {
	p.cancel()
	p.relays.Range(func(url string, r *client.T) bool {
		r.Close()
		p.relays.Delete(url)
		return true
	})
	p.statusMu.Lock()
	p.statusMap = make(map[string]client.Status)
	p.statusMu.Unlock()
}
