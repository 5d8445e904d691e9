// Package model builds shared, keep-warm live queries over an event
// store. Identical concurrent requests share one underlying computation;
// subscribers attach through a latest-value replay stream; an abandoned
// model idles for a grace window before teardown so rapid resubscribes
// do not churn.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/hzrd149/applesauce-go/pkg/slog"
	"github.com/hzrd149/applesauce-go/pkg/store"
)

var log, chk = slog.New(os.Stderr)

// DefaultGrace is how long an unreferenced model stays warm.
const DefaultGrace = 60 * time.Second

// M is a live query: Run starts the computation, pushing values through
// emit, and returns its teardown.
type M interface {
	Key() string
	Run(s *store.T, emit func(any)) (stop func())
}

// Keyf builds a deterministic model key from a name and its arguments.
func Keyf(name string, args ...any) string {
	b, err := json.Marshal(args)
	if chk.E(err) {
		b = []byte(fmt.Sprint(args...))
	}
	return fmt.Sprintf("%s:%016x", name, z.MemHashString(string(b)))
}

type entry struct {
	stream *multicast.Replay[any]
	stop   func()
	refs   int
	idle   *time.Timer
}

// Cache memoizes running models by key.
type Cache struct {
	mu     sync.Mutex
	store  *store.T
	grace  time.Duration
	models map[string]*entry
}

func NewCache(s *store.T) *Cache {
	return &Cache{store: s, grace: DefaultGrace, models: make(map[string]*entry)}
}

// SetGrace overrides the keep-warm window (tests use a short one).
func (c *Cache) SetGrace(d time.Duration) { c.grace = d }

// Len returns the number of warm models.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.models)
}

// Subscribe attaches fn to the model's value stream, starting the model
// if it is not already warm. The latest value, if any, is replayed
// immediately. The returned cancel detaches; when the last subscriber
// detaches the model idles for the grace window, then tears down.
func (c *Cache) Subscribe(m M, fn func(any)) (cancel func()) {
	key := m.Key()
	c.mu.Lock()
	e, have := c.models[key]
	if !have {
		e = &entry{stream: multicast.NewReplay[any]()}
		c.models[key] = e
	}
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.refs++
	c.mu.Unlock()

	// attach before starting the computation so the first subscriber
	// sees every value the model emits, not just the replayed latest
	unsub := e.stream.Subscribe(fn)
	if !have {
		stop := m.Run(c.store, e.stream.Emit)
		c.mu.Lock()
		e.stop = stop
		c.mu.Unlock()
		log.T.Ln("model started", key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			c.release(key, e)
		})
	}
}

func (c *Cache) release(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	e.idle = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		cur, have := c.models[key]
		if !have || cur != e || e.refs > 0 {
			c.mu.Unlock()
			return
		}
		delete(c.models, key)
		c.mu.Unlock()
		if e.stop != nil {
			e.stop()
		}
		log.T.Ln("model torn down", key)
	})
}

// SubscribeTyped is Subscribe with the stream values asserted to V.
func SubscribeTyped[V any](c *Cache, m M, fn func(V)) (cancel func()) {
	return c.Subscribe(m, func(v any) {
		if tv, ok := v.(V); ok {
			fn(tv)
		}
	})
}
