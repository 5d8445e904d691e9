// Package client speaks the relay side of the nostr wire protocol: one
// connection per relay, shared subscriptions, publish with OK
// confirmation, AUTH, COUNT and negentropy reconciliation.
package client

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/multicast"
	"github.com/hzrd149/applesauce-go/pkg/relayinfo"
	"github.com/hzrd149/applesauce-go/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

var (
	// ErrTimeout reports that a relay did not answer inside the
	// operation's deadline.
	ErrTimeout = errors.New("relay timed out")
	// ErrClosed reports an operation attempted on a closed client.
	ErrClosed = errors.New("relay client closed")
	// ErrUnsupported reports that the relay does not advertise the
	// capability an operation needs.
	ErrUnsupported = errors.New("relay does not support this operation")
)

type writeRequest struct {
	msg    []byte
	answer chan error
}

// T is a client for a single relay. All methods are safe for
// concurrent use.
type T struct {
	URL           string
	RequestHeader http.Header

	runCtx context.T
	cancel context.F

	mu            sync.Mutex
	conn          *connection
	dialing       bool
	status        Status
	challenge     string
	authenticated bool
	pendingAuth   bool
	authWaiters   []func()
	notices       []string
	info          *relayinfo.T
	ready         bool
	readyCh       chan struct{}
	serial        int

	statuses *multicast.Replay[Status]

	subs         *xsync.MapOf[string, *Subscription]
	byFilters    *xsync.MapOf[string, *Subscription]
	okCallbacks  *xsync.MapOf[string, func(ok bool, reason string)]
	countResults *xsync.MapOf[string, chan int64]
	negSessions  *xsync.MapOf[string, chan negFrame]

	writeQueue chan writeRequest

	backoff       Backoff
	maxRetries    int
	resubscribe   bool
	authHandler   Signer
	noticeHandler func(string)
}

// New creates a client for the given relay URL. The client does not
// touch the network until Connect is called.
func New(c context.T, url string, opts ...Option) *T {
	runCtx, cancel := context.Cancel(c)
	r := &T{
		URL:          nostr.NormalizeURL(url),
		runCtx:       runCtx,
		cancel:       cancel,
		status:       StatusDisconnected,
		readyCh:      make(chan struct{}),
		statuses:     multicast.NewReplay[Status](),
		subs:         xsync.NewMapOf[*Subscription](),
		byFilters:    xsync.NewMapOf[*Subscription](),
		okCallbacks:  xsync.NewMapOf[func(ok bool, reason string)](),
		countResults: xsync.NewMapOf[chan int64](),
		negSessions:  xsync.NewMapOf[chan negFrame](),
		writeQueue:   make(chan writeRequest),
		backoff:      DefaultBackoff,
		resubscribe:  true,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect dials the relay. The first attempt is synchronous and its
// failure is returned to the caller; once connected the client
// reconnects on its own until Close or the retry budget runs out.
// Concurrent calls coalesce into one dial.
func (r *T) Connect(c context.T) error {
	if r.runCtx.Err() != nil {
		return ErrClosed
	}
	r.mu.Lock()
	if r.conn != nil || r.dialing {
		r.mu.Unlock()
		return nil
	}
	r.dialing = true
	r.mu.Unlock()
	r.setStatus(StatusConnecting)
	conn, err := dial(c, r.URL, r.RequestHeader)
	if err != nil {
		r.mu.Lock()
		r.dialing = false
		r.mu.Unlock()
		r.setStatus(StatusDisconnected)
		return err
	}
	// attach publishes conn before the dialing flag drops, so a caller
	// racing past the flag still sees the live connection
	r.attach(conn)
	r.mu.Lock()
	r.dialing = false
	r.mu.Unlock()
	go r.run(conn)
	return nil
}

// Statuses is a replaying stream of status transitions.
func (r *T) Statuses() *multicast.Replay[Status] { return r.statuses }

// Status reports the current lifecycle phase.
func (r *T) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot captures everything the client currently knows about the
// relay.
func (r *T) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	notices := make([]string, len(r.notices))
	copy(notices, r.notices)
	return Snapshot{
		URL:           r.URL,
		Status:        r.status,
		Connected:     r.conn != nil,
		Ready:         r.ready,
		Authenticated: r.authenticated,
		Challenge:     r.challenge,
		Notices:       notices,
		Info:          r.info,
	}
}

// Information fetches the relay's NIP-11 document, caching the first
// successful answer.
func (r *T) Information(c context.T) (*relayinfo.T, error) {
	r.mu.Lock()
	if r.info != nil {
		info := r.info
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()
	info, err := relayinfo.Fetch(c, r.URL)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
	return info, nil
}

// Close ends the client. Live subscriptions are errored out and the
// socket is torn down.
func (r *T) Close() error {
	r.setStatus(StatusClosing)
	r.cancel()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		return conn.close()
	}
	r.failSubscriptions(ErrClosed)
	r.setStatus(StatusClosed)
	return nil
}

func (r *T) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.statuses.Emit(s)
}

func (r *T) setReady(ready bool) {
	r.mu.Lock()
	if ready == r.ready {
		r.mu.Unlock()
		return
	}
	r.ready = ready
	if ready {
		close(r.readyCh)
	} else {
		r.readyCh = make(chan struct{})
	}
	r.mu.Unlock()
}

// waitReady blocks until the transport is connected and no auth demand
// is outstanding.
func (r *T) waitReady(c context.T) error {
	for {
		r.mu.Lock()
		ready, ch := r.ready, r.readyCh
		r.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-c.Done():
			return c.Err()
		case <-r.runCtx.Done():
			return ErrClosed
		}
	}
}

func (r *T) attach(conn *connection) {
	r.mu.Lock()
	r.conn = conn
	r.challenge = ""
	r.authenticated = false
	r.pendingAuth = false
	r.status = StatusConnected
	r.mu.Unlock()
	r.statuses.Emit(StatusConnected)
	r.setReady(true)
	r.setStatus(StatusReady)
}

func (r *T) detach() {
	r.mu.Lock()
	r.conn = nil
	r.authenticated = false
	r.mu.Unlock()
	r.setReady(false)
}

// run owns the transport: it drives the read loop and, when it dies,
// the reconnect schedule.
func (r *T) run(conn *connection) {
	attempt := 0
	for {
		epochCtx, epochCancel := context.Cancel(r.runCtx)
		go r.writeLoop(epochCtx, conn)
		err := r.readLoop(epochCtx, conn)
		epochCancel()
		conn.close()
		r.detach()
		if r.runCtx.Err() != nil {
			r.failSubscriptions(ErrClosed)
			r.setStatus(StatusClosed)
			return
		}
		r.failNegSessions(err)
		if !r.resubscribe {
			r.failSubscriptions(err)
		}
		for {
			attempt++
			delay := r.backoff(err, attempt)
			if delay < 0 || (r.maxRetries > 0 && attempt > r.maxRetries) {
				r.failSubscriptions(err)
				r.setStatus(StatusErrored)
				return
			}
			r.setStatus(StatusReconnecting)
			select {
			case <-time.After(delay):
			case <-r.runCtx.Done():
				r.failSubscriptions(ErrClosed)
				r.setStatus(StatusClosed)
				return
			}
			r.setStatus(StatusConnecting)
			next, derr := dial(r.runCtx, r.URL, r.RequestHeader)
			if derr != nil {
				err = derr
				continue
			}
			conn = next
			attempt = 0
			r.attach(conn)
			if r.resubscribe {
				r.replaySubscriptions()
			}
			break
		}
	}
}

func (r *T) writeLoop(c context.T, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.D.F("{%s} ping failed: %s", r.URL, err)
				conn.close()
				return
			}
		case req := <-r.writeQueue:
			log.T.F("{%s} sending %s", r.URL, req.msg)
			err := conn.writeMessage(req.msg)
			req.answer <- err
			if err != nil {
				conn.close()
				return
			}
		}
	}
}

func (r *T) readLoop(c context.T, conn *connection) error {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := conn.readMessage(c, buf); err != nil {
			return err
		}
		message := make([]byte, buf.Len())
		copy(message, buf.Bytes())
		log.T.F("{%s} received %s", r.URL, message)
		r.dispatch(message)
	}
}

// send queues one frame for the writer and waits for the write result.
func (r *T) send(c context.T, msg []byte) error {
	req := writeRequest{msg: msg, answer: make(chan error, 1)}
	select {
	case r.writeQueue <- req:
	case <-c.Done():
		return c.Err()
	case <-r.runCtx.Done():
		return ErrClosed
	}
	select {
	case err := <-req.answer:
		return err
	case <-c.Done():
		return c.Err()
	case <-r.runCtx.Done():
		return ErrClosed
	}
}

func (r *T) dispatch(message []byte) {
	if r.handleNeg(message) {
		return
	}
	envelope := nostr.ParseMessage(message)
	if envelope == nil {
		log.D.F("{%s} skipping unparseable message %s", r.URL, message)
		return
	}
	switch env := envelope.(type) {
	case *nostr.NoticeEnvelope:
		r.recordNotice(string(*env))
	case *nostr.AuthEnvelope:
		if env.Challenge == nil {
			return
		}
		r.mu.Lock()
		r.challenge = *env.Challenge
		pending := r.pendingAuth
		handler := r.authHandler
		r.mu.Unlock()
		if pending && handler != nil {
			go func() {
				if err := r.Auth(r.runCtx, handler); err != nil {
					log.D.F("{%s} auth failed: %s", r.URL, err)
				}
			}()
		}
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		sub, ok := r.subs.Load(*env.SubscriptionID)
		if !ok {
			return
		}
		if !sub.filters.Match(&env.Event) {
			log.D.F("{%s} filter mismatch on %s", r.URL, env.Event.ID)
			return
		}
		if fine, _ := env.Event.CheckSignature(); !fine {
			log.D.F("{%s} bad signature on %s", r.URL, env.Event.ID)
			return
		}
		ev := env.Event
		sub.dispatchEvent(&ev, r.URL)
	case *nostr.EOSEEnvelope:
		if sub, ok := r.subs.Load(string(*env)); ok {
			sub.dispatchEOSE()
		}
	case *nostr.ClosedEnvelope:
		sub, ok := r.subs.Load(env.SubscriptionID)
		if !ok {
			return
		}
		if strings.HasPrefix(env.Reason, "auth-required:") {
			r.retryAfterAuth(func() {
				if err := sub.fire(r.runCtx); err != nil {
					sub.dispatchClosed(err.Error())
				}
			})
			return
		}
		sub.dispatchClosed(env.Reason)
	case *nostr.OKEnvelope:
		if cb, ok := r.okCallbacks.Load(env.EventID); ok {
			cb(env.OK, env.Reason)
		}
	case *nostr.CountEnvelope:
		if env.Count == nil {
			return
		}
		if ch, ok := r.countResults.Load(env.SubscriptionID); ok {
			select {
			case ch <- *env.Count:
			default:
			}
		}
	}
}

func (r *T) recordNotice(msg string) {
	log.D.F("{%s} NOTICE %s", r.URL, msg)
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	if len(r.notices) > noticeRing {
		r.notices = r.notices[len(r.notices)-noticeRing:]
	}
	handler := r.noticeHandler
	r.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// Publish sends the event and waits for the relay's OK. A refusal
// prefixed with auth-required holds the result back until an AUTH
// succeeds, then resends the event exactly once.
func (r *T) Publish(c context.T, ev *nostr.Event) error {
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, PublishTimeout)
		defer cancel()
	}
	if err := r.waitReady(c); err != nil {
		return mapDeadline(c, err)
	}
	frame, err := nostr.EventEnvelope{Event: *ev}.MarshalJSON()
	if chk.E(err) {
		return err
	}
	result := make(chan error, 1)
	var resent atomic.Bool
	r.okCallbacks.Store(ev.ID, func(ok bool, reason string) {
		switch {
		case ok:
			result <- nil
		case strings.HasPrefix(reason, "auth-required:") && resent.CompareAndSwap(false, true):
			r.retryAfterAuth(func() {
				if err := r.send(r.runCtx, frame); err != nil {
					result <- err
				}
			})
		default:
			result <- fmt.Errorf("msg: %s", reason)
		}
	})
	defer r.okCallbacks.Delete(ev.ID)
	if err = r.send(c, frame); err != nil {
		return err
	}
	select {
	case err = <-result:
		return err
	case <-c.Done():
		return mapDeadline(c, c.Err())
	}
}

// Auth answers the relay's stored challenge with a signed kind 22242
// event and waits for the relay to accept it.
func (r *T) Auth(c context.T, sign Signer) error {
	r.mu.Lock()
	challenge := r.challenge
	r.mu.Unlock()
	if challenge == "" {
		return fmt.Errorf("no auth challenge received from %s", r.URL)
	}
	ev := &nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"relay", r.URL},
			{"challenge", challenge},
		},
	}
	if err := sign(ev); chk.E(err) {
		return err
	}
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, PublishTimeout)
		defer cancel()
	}
	result := make(chan error, 1)
	r.okCallbacks.Store(ev.ID, func(ok bool, reason string) {
		if ok {
			result <- nil
		} else {
			result <- fmt.Errorf("msg: %s", reason)
		}
	})
	defer r.okCallbacks.Delete(ev.ID)
	frame, err := nostr.AuthEnvelope{Event: *ev}.MarshalJSON()
	if chk.E(err) {
		return err
	}
	if err = r.send(c, frame); err != nil {
		return err
	}
	select {
	case err = <-result:
		if err != nil {
			return err
		}
		r.finishAuth()
		return nil
	case <-c.Done():
		return mapDeadline(c, c.Err())
	}
}

// demandAuth flips the client out of ready until an AUTH succeeds,
// triggering the auth handler if one is installed and a challenge is
// already known.
func (r *T) demandAuth() {
	r.mu.Lock()
	if r.pendingAuth {
		r.mu.Unlock()
		return
	}
	r.pendingAuth = true
	challenge := r.challenge
	handler := r.authHandler
	r.mu.Unlock()
	r.setReady(false)
	if handler != nil && challenge != "" {
		go func() {
			if err := r.Auth(r.runCtx, handler); err != nil {
				log.D.F("{%s} auth failed: %s", r.URL, err)
			}
		}()
	}
}

func (r *T) retryAfterAuth(fn func()) {
	r.mu.Lock()
	if r.authenticated {
		r.mu.Unlock()
		go fn()
		return
	}
	r.authWaiters = append(r.authWaiters, fn)
	r.mu.Unlock()
	r.demandAuth()
}

func (r *T) finishAuth() {
	r.mu.Lock()
	r.authenticated = true
	r.pendingAuth = false
	waiters := r.authWaiters
	r.authWaiters = nil
	r.mu.Unlock()
	r.setReady(true)
	for _, fn := range waiters {
		go fn()
	}
}

// Count asks the relay how many events match the filters.
func (r *T) Count(c context.T, filters nostr.Filters) (int64, error) {
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, PublishTimeout)
		defer cancel()
	}
	if err := r.waitReady(c); err != nil {
		return 0, mapDeadline(c, err)
	}
	id := r.nextID("count")
	result := make(chan int64, 1)
	r.countResults.Store(id, result)
	defer r.countResults.Delete(id)
	frame, err := nostr.CountEnvelope{
		SubscriptionID: id,
		Filters:        filters,
	}.MarshalJSON()
	if chk.E(err) {
		return 0, err
	}
	if err = r.send(c, frame); err != nil {
		return 0, err
	}
	select {
	case n := <-result:
		return n, nil
	case <-c.Done():
		return 0, mapDeadline(c, c.Err())
	}
}

// QuerySync collects the stored events matching the filter and returns
// when the relay signals the end of stored events.
func (r *T) QuerySync(c context.T, filter nostr.Filter) ([]*nostr.Event, error) {
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, PublishTimeout)
		defer cancel()
	}
	l, err := r.Subscribe(c, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	defer l.Unsubscribe()
	var out []*nostr.Event
	for {
		select {
		case msg := <-l.Events:
			out = append(out, msg.Event)
		case <-l.EndOfStoredEvents:
			for {
				select {
				case msg := <-l.Events:
					out = append(out, msg.Event)
				default:
					return out, nil
				}
			}
		case reason := <-l.ClosedReason:
			return out, fmt.Errorf("subscription closed by %s: %s", r.URL, reason)
		case <-c.Done():
			return out, mapDeadline(c, c.Err())
		}
	}
}

func (r *T) failSubscriptions(err error) {
	r.subs.Range(func(_ string, sub *Subscription) bool {
		sub.dispatchClosed(err.Error())
		return true
	})
}

func (r *T) replaySubscriptions() {
	r.subs.Range(func(_ string, sub *Subscription) bool {
		go func(sub *Subscription) {
			if err := sub.fire(r.runCtx); err != nil {
				sub.dispatchClosed(err.Error())
			}
		}(sub)
		return true
	})
}

func (r *T) nextID(prefix string) string {
	r.mu.Lock()
	r.serial++
	n := r.serial
	r.mu.Unlock()
	return fmt.Sprintf("%s:%d:%s", prefix, n, hex.EncodeToString(frand.Bytes(4)))
}

func mapDeadline(c context.T, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(c.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
