package client

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/hzrd149/applesauce-go/pkg/relayinfo"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

// fakeRelay is an in-process websocket relay for exercising the
// client. Every frame the client sends is recorded; responses are up
// to the per-test handler.
type fakeRelay struct {
	t         *testing.T
	srv       *httptest.Server
	info      *relayinfo.T
	onConnect func(conn net.Conn)
	handler   func(fr *fakeRelay, conn net.Conn, msg []byte)

	mu     sync.Mutex
	conns  []net.Conn
	frames []string
}

func newFakeRelay(t *testing.T,
	handler func(fr *fakeRelay, conn net.Conn, msg []byte)) *fakeRelay {
	fr := &fakeRelay{t: t, handler: handler}
	fr.srv = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				if fr.info == nil {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/nostr+json")
				json.NewEncoder(w).Encode(fr.info)
				return
			}
			conn, _, _, err := ws.UpgradeHTTP(r, w)
			if err != nil {
				return
			}
			fr.mu.Lock()
			fr.conns = append(fr.conns, conn)
			fr.mu.Unlock()
			if fr.onConnect != nil {
				fr.onConnect(conn)
			}
			go fr.serve(conn)
		}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http")
}

func (fr *fakeRelay) serve(conn net.Conn) {
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		fr.mu.Lock()
		fr.frames = append(fr.frames, string(msg))
		fr.mu.Unlock()
		if fr.handler != nil {
			fr.handler(fr, conn, msg)
		}
	}
}

func (fr *fakeRelay) write(conn net.Conn, msg string) {
	err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(msg))
	if err != nil {
		fr.t.Logf("fake relay write failed: %s", err)
	}
}

func (fr *fakeRelay) writeJSON(conn net.Conn, parts ...any) {
	b, err := json.Marshal(parts)
	require.NoError(fr.t, err)
	fr.write(conn, string(b))
}

// received counts recorded client frames whose label matches.
func (fr *fakeRelay) received(label string) int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	n := 0
	prefix := `["` + label + `"`
	for _, f := range fr.frames {
		if strings.HasPrefix(f, prefix) {
			n++
		}
	}
	return n
}

func (fr *fakeRelay) dropConnections() {
	fr.mu.Lock()
	conns := fr.conns
	fr.conns = nil
	fr.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func frameParts(t *testing.T, msg []byte) (label string, arr []json.RawMessage) {
	require.NoError(t, json.Unmarshal(msg, &arr))
	require.NotEmpty(t, arr)
	require.NoError(t, json.Unmarshal(arr[0], &label))
	return
}

func signedNote(t *testing.T, content string) *nostr.Event {
	sec := nostr.GeneratePrivateKey()
	ev := &nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{},
	}
	require.NoError(t, ev.Sign(sec))
	return ev
}
