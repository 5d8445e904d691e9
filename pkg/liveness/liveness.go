// Package liveness is a per-relay circuit breaker: relays move between
// online, offline (exponential backoff) and dead (permanent until
// manually revived) based on recent connect results, and routing
// eligibility is gated on that state.
package liveness

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// ErrDead is returned for operations on a relay classified dead.
var ErrDead = errors.New("relay is dead until revived")

type State int

const (
	Online State = iota
	Offline
	Dead
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Storage is the injected persistence adapter. GetItem returns (nil,
// nil) for a missing key.
type Storage interface {
	GetItem(c context.T, key string) ([]byte, error)
	SetItem(c context.T, key string, value []byte) error
}

// MemoryStorage is the in-process Storage used when none is injected.
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

func (m *MemoryStorage) GetItem(_ context.T, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[key], nil
}

func (m *MemoryStorage) SetItem(_ context.T, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

// Info is the persisted health record of one relay.
type Info struct {
	URL          string `json:"url"`
	State        State  `json:"state"`
	Failures     int    `json:"failures"`
	BackoffUntil int64  `json:"backoff_until,omitempty"`
	LastSuccess  int64  `json:"last_success,omitempty"`
}

const indexKey = "liveness:index"

func relayKey(url string) string { return "liveness:" + url }

const (
	DefaultBaseBackoff   = 30 * time.Second
	DefaultMaxBackoff    = time.Hour
	DefaultDeadThreshold = 10
)

type Tracker struct {
	mu        sync.Mutex
	relays    map[string]*Info
	base      time.Duration
	max       time.Duration
	threshold int
	storage   Storage
	now       func() time.Time
}

type Option func(*Tracker)

func WithBaseBackoff(d time.Duration) Option {
	return func(t *Tracker) { t.base = d }
}

func WithMaxBackoff(d time.Duration) Option {
	return func(t *Tracker) { t.max = d }
}

// WithDeadThreshold sets how many consecutive failures classify a relay
// as dead.
func WithDeadThreshold(n int) Option {
	return func(t *Tracker) { t.threshold = n }
}

func WithStorage(s Storage) Option {
	return func(t *Tracker) { t.storage = s }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) (t *Tracker) {
	t = &Tracker{
		relays:    make(map[string]*Info),
		base:      DefaultBaseBackoff,
		max:       DefaultMaxBackoff,
		threshold: DefaultDeadThreshold,
		storage:   NewMemoryStorage(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return
}

// Load hydrates tracker state from storage.
func (t *Tracker) Load(c context.T) (err error) {
	var b []byte
	if b, err = t.storage.GetItem(c, indexKey); chk.E(err) {
		return
	}
	if b == nil {
		return nil
	}
	var urls []string
	if err = json.Unmarshal(b, &urls); chk.E(err) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, url := range urls {
		if b, err = t.storage.GetItem(c, relayKey(url)); chk.E(err) {
			return
		}
		if b == nil {
			continue
		}
		info := &Info{}
		if err = json.Unmarshal(b, info); chk.E(err) {
			return
		}
		t.relays[url] = info
	}
	log.D.F("loaded liveness state for %d relays", len(t.relays))
	return nil
}

// RecordFailure notes a failed interaction with the relay. A failure
// inside an active backoff window is ignored so one fault cannot be
// double-penalized. Crossing the dead threshold permanently classifies
// the relay until Revive.
func (t *Tracker) RecordFailure(c context.T, url string) {
	t.mu.Lock()
	info := t.get(url)
	now := t.now()
	if info.State == Dead ||
		(info.State == Offline && now.Unix() < info.BackoffUntil) {
		t.mu.Unlock()
		return
	}
	info.Failures++
	if info.Failures >= t.threshold {
		info.State = Dead
		info.BackoffUntil = 0
		log.W.F("relay %s classified dead after %d failures", url,
			info.Failures)
	} else {
		info.State = Offline
		info.BackoffUntil = now.Add(t.backoff(info.Failures)).Unix()
	}
	snapshot := *info
	t.mu.Unlock()
	t.persist(c, &snapshot)
}

// RecordSuccess resets the relay to online and clears failure history.
// Ignored for dead relays, which only Revive can clear.
func (t *Tracker) RecordSuccess(c context.T, url string) {
	t.mu.Lock()
	info := t.get(url)
	if info.State == Dead {
		t.mu.Unlock()
		return
	}
	info.State = Online
	info.Failures = 0
	info.BackoffUntil = 0
	info.LastSuccess = t.now().Unix()
	snapshot := *info
	t.mu.Unlock()
	t.persist(c, &snapshot)
}

// Revive demotes a dead relay to offline with a full backoff window, so
// it must wait out one maximum interval before Filter readmits it.
func (t *Tracker) Revive(c context.T, url string) error {
	t.mu.Lock()
	info, have := t.relays[url]
	if !have || info.State != Dead {
		t.mu.Unlock()
		return log.T.Err("revive: %s is not dead", url)
	}
	info.State = Offline
	info.Failures = t.threshold - 1
	info.BackoffUntil = t.now().Add(t.max).Unix()
	snapshot := *info
	t.mu.Unlock()
	t.persist(c, &snapshot)
	return nil
}

// Filter returns the urls currently eligible for routing: online relays
// and offline relays whose backoff window has elapsed. Dead relays are
// always excluded.
func (t *Tracker) Filter(urls []string) (eligible []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().Unix()
	for _, url := range urls {
		info, have := t.relays[url]
		if !have {
			eligible = append(eligible, url)
			continue
		}
		switch info.State {
		case Online:
			eligible = append(eligible, url)
		case Offline:
			if now >= info.BackoffUntil {
				eligible = append(eligible, url)
			}
		case Dead:
		}
	}
	return
}

// State returns the tracked state for url; unknown relays are online.
func (t *Tracker) State(url string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, have := t.relays[url]; have {
		return info.State
	}
	return Online
}

// Info returns a copy of the health record for url.
func (t *Tracker) Info(url string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, have := t.relays[url]; have {
		return *info, true
	}
	return Info{}, false
}

// get must be called with t.mu held.
func (t *Tracker) get(url string) *Info {
	info, have := t.relays[url]
	if !have {
		info = &Info{URL: url, State: Online}
		t.relays[url] = info
	}
	return info
}

// backoff is base * 2^(failures-1), capped at max.
func (t *Tracker) backoff(failures int) time.Duration {
	d := t.base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.max {
			return t.max
		}
	}
	if d > t.max {
		d = t.max
	}
	return d
}

func (t *Tracker) persist(c context.T, info *Info) {
	b, err := json.Marshal(info)
	if chk.E(err) {
		return
	}
	if chk.E(t.storage.SetItem(c, relayKey(info.URL), b)) {
		return
	}
	t.mu.Lock()
	urls := make([]string, 0, len(t.relays))
	for url := range t.relays {
		urls = append(urls, url)
	}
	t.mu.Unlock()
	sort.Strings(urls)
	if b, err = json.Marshal(urls); chk.E(err) {
		return
	}
	chk.E(t.storage.SetItem(c, indexKey, b))
}
