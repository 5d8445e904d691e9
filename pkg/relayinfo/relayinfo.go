// Package relayinfo fetches the NIP-11 relay information document, used
// for capability negotiation before choosing a sync strategy.
package relayinfo

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// NegentropySync is the protocol extension number for set reconciliation.
const NegentropySync = 77

// T is the relay information document, trimmed to the fields the client
// consults.
type T struct {
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	PubKey        string     `json:"pubkey,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips,omitempty"`
	Software      string     `json:"software,omitempty"`
	Version       string     `json:"version,omitempty"`
	Limitation    Limitation `json:"limitation,omitempty"`
}

type Limitation struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
}

// Supports reports whether the document lists the given extension.
func (info *T) Supports(nip int) bool {
	if info == nil {
		return false
	}
	for _, n := range info.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

// Fetch retrieves the information document for a relay websocket url.
func Fetch(c context.T, u string) (info *T, err error) {
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, 7*time.Second)
		defer cancel()
	}
	if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "ws") {
		u = "wss://" + u
	}
	var p *url.URL
	if p, err = url.Parse(u); chk.E(err) {
		return
	}
	switch p.Scheme {
	case "ws":
		p.Scheme = "http"
	case "wss":
		p.Scheme = "https"
	}
	p.Path = strings.TrimRight(p.Path, "/")

	var req *http.Request
	if req, err = http.NewRequestWithContext(c, http.MethodGet, p.String(),
		nil); chk.E(err) {
		return
	}
	req.Header.Add("Accept", "application/nostr+json")
	var resp *http.Response
	if resp, err = http.DefaultClient.Do(req); err != nil {
		return nil, log.T.Err("NIP-11 request to %s failed: %s", u, err)
	}
	defer resp.Body.Close()
	var b []byte
	if b, err = io.ReadAll(resp.Body); chk.E(err) {
		return
	}
	info = &T{}
	if err = json.Unmarshal(b, info); chk.E(err) {
		return nil, err
	}
	return
}
