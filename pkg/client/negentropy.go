package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/relayinfo"
	"github.com/nbd-wtf/go-nostr"
)

// Reconciler drives one side of a negentropy set reconciliation. The
// messages are hex encoded wire payloads; the client only moves them.
type Reconciler interface {
	// Initiate produces the opening message.
	Initiate() (msg string, err error)
	// Reconcile consumes the relay's message and produces the reply.
	// done reports that the sets are reconciled and no reply is
	// needed.
	Reconcile(msg string) (reply string, done bool, err error)
}

type negFrame struct {
	msg string
	err error
}

// Negentropy runs a set reconciliation round against the relay for the
// events matching the filter. The relay must advertise NIP-77 support
// in its information document, otherwise ErrUnsupported is returned.
// Exactly one NEG-CLOSE is sent whether the session succeeds, errors
// or is canceled.
func (r *T) Negentropy(c context.T, filter nostr.Filter, rec Reconciler) error {
	if err := c.Err(); err != nil {
		return err
	}
	if info, err := r.Information(c); err == nil &&
		!info.Supports(relayinfo.NegentropySync) {
		return ErrUnsupported
	}
	if err := r.waitReady(c); err != nil {
		return err
	}
	id := r.nextID("neg")
	frames := make(chan negFrame, 8)
	r.negSessions.Store(id, frames)
	defer r.negSessions.Delete(id)

	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			frame, err := json.Marshal([]any{"NEG-CLOSE", id})
			if chk.E(err) {
				return
			}
			cc, cancel := context.Timeout(context.Bg(), time.Second)
			defer cancel()
			if err = r.send(cc, frame); err != nil {
				log.D.F("{%s} failed to close neg session %s: %s",
					r.URL, id, err)
			}
		})
	}
	defer closeSession()

	initial, err := rec.Initiate()
	if err != nil {
		return err
	}
	open, err := json.Marshal([]any{"NEG-OPEN", id, filter, initial})
	if chk.E(err) {
		return err
	}
	if err = r.send(c, open); err != nil {
		return err
	}
	for {
		select {
		case f := <-frames:
			if f.err != nil {
				return f.err
			}
			reply, done, err := rec.Reconcile(f.msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			next, err := json.Marshal([]any{"NEG-MSG", id, reply})
			if chk.E(err) {
				return err
			}
			if err = r.send(c, next); err != nil {
				return err
			}
		case <-c.Done():
			return c.Err()
		case <-r.runCtx.Done():
			return ErrClosed
		}
	}
}

// handleNeg intercepts NEG-* frames, which the envelope parser does
// not know about. Reports whether the message was a negentropy frame.
func (r *T) handleNeg(message []byte) bool {
	if !bytes.HasPrefix(bytes.TrimSpace(message), []byte(`["NEG-`)) {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(message, &arr); err != nil || len(arr) < 3 {
		return true
	}
	var label, id string
	if err := json.Unmarshal(arr[0], &label); err != nil ||
		!strings.HasPrefix(label, "NEG-") {
		return false
	}
	if err := json.Unmarshal(arr[1], &id); err != nil {
		return true
	}
	frames, ok := r.negSessions.Load(id)
	if !ok {
		return true
	}
	switch label {
	case "NEG-MSG":
		var msg string
		if err := json.Unmarshal(arr[2], &msg); chk.E(err) {
			return true
		}
		select {
		case frames <- negFrame{msg: msg}:
		default:
			log.W.F("{%s} dropping neg frame on stalled session %s",
				r.URL, id)
		}
	case "NEG-ERR":
		var reason string
		if err := json.Unmarshal(arr[2], &reason); chk.E(err) {
			reason = string(arr[2])
		}
		select {
		case frames <- negFrame{err: fmt.Errorf(
			"negentropy error from %s: %s", r.URL, reason)}:
		default:
		}
	}
	return true
}

func (r *T) failNegSessions(err error) {
	r.negSessions.Range(func(id string, frames chan negFrame) bool {
		select {
		case frames <- negFrame{err: err}:
		default:
		}
		return true
	})
}
