package client

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// PublishTimeout bounds how long Publish waits for the relay's OK
	// when the caller's context carries no deadline.
	PublishTimeout = 10 * time.Second

	// pingInterval keeps intermediaries from reaping idle sockets.
	pingInterval = 29 * time.Second

	// noticeRing caps how many NOTICE messages a snapshot retains.
	noticeRing = 16
)

// Backoff computes the delay before reconnect attempt n (1-based).
// Returning a negative duration abandons the relay.
type Backoff func(err error, attempt int) time.Duration

// DefaultBackoff doubles from one second up to a minute.
func DefaultBackoff(_ error, attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Signer signs an event in place, filling pubkey, id and sig.
type Signer func(ev *nostr.Event) error

// Option configures a relay client.
type Option func(r *T)

// WithAuthHandler installs a signer used to answer AUTH challenges
// automatically, including the retry path when a publish is refused
// with an auth-required prefix.
func WithAuthHandler(sign Signer) Option {
	return func(r *T) { r.authHandler = sign }
}

// WithBackoff replaces the reconnect delay policy.
func WithBackoff(b Backoff) Option {
	return func(r *T) { r.backoff = b }
}

// WithMaxRetries caps reconnect attempts before the client gives up
// and reports StatusErrored. Zero means retry forever.
func WithMaxRetries(n int) Option {
	return func(r *T) { r.maxRetries = n }
}

// WithoutResubscribe disables replaying live subscriptions after a
// reconnect. Streams then error out when the transport drops.
func WithoutResubscribe() Option {
	return func(r *T) { r.resubscribe = false }
}

// WithNoticeHandler forwards NOTICE frames to fn in addition to the
// snapshot ring.
func WithNoticeHandler(fn func(msg string)) Option {
	return func(r *T) { r.noticeHandler = fn }
}
