package app

import (
	"fmt"
	"os"
	"time"

	"github.com/hzrd149/applesauce-go/pkg/client"
	"github.com/hzrd149/applesauce-go/pkg/context"
	"github.com/hzrd149/applesauce-go/pkg/interrupt"
	"github.com/hzrd149/applesauce-go/pkg/liveness"
	"github.com/hzrd149/applesauce-go/pkg/pool"
	"github.com/hzrd149/applesauce-go/pkg/slog"
	"github.com/hzrd149/applesauce-go/pkg/store"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

type Config struct {
	Relays    []string `arg:"positional,required" help:"relays to stream from, eg wss://relay.example.com"`
	Kinds     []int    `arg:"-k,--kind,separate" help:"event kinds to stream, all kinds when omitted"`
	Authors   []string `arg:"-a,--author,separate" help:"restrict to these author pubkeys (hex)"`
	Limit     int      `arg:"-l,--limit" default:"0" help:"stored events to backfill from each relay before going live"`
	MaxEvents int      `arg:"-m,--max" default:"100000" help:"events kept in memory before the oldest untouched are pruned"`
	Sec       string   `arg:"-s,--sec" help:"secret key in hex, used to answer auth challenges"`
	JSON      bool     `arg:"-j,--json" help:"print raw event JSON instead of a summary line"`
}

func (cfg *Config) Main() (err error) {
	c, cancel := context.Cancel(context.Bg())
	interrupt.AddHandler(func() {
		log.I.Ln("interrupt received, shutting down")
		cancel()
	})

	var clientOpts []client.Option
	if cfg.Sec != "" {
		if _, err = nostr.GetPublicKey(cfg.Sec); chk.E(err) {
			return fmt.Errorf("invalid secret key: %w", err)
		}
		sec := cfg.Sec
		clientOpts = append(clientOpts,
			client.WithAuthHandler(func(ev *nostr.Event) error {
				return ev.Sign(sec)
			}))
	}

	st := store.New()
	defer st.Close()
	st.Inserted().Subscribe(func(ev *nostr.Event) {
		cfg.print(st, ev)
	})

	tracker := liveness.NewTracker()
	p := pool.New(c, pool.WithLiveness(tracker),
		pool.WithClientOptions(clientOpts...))
	defer p.Close()

	f := nostr.Filter{Kinds: cfg.Kinds, Authors: cfg.Authors, Limit: cfg.Limit}
	g := p.Group(cfg.Relays...)
	var gl *pool.GroupListener
	if gl, err = g.Subscribe(c, nostr.Filters{f}); chk.E(err) {
		return
	}
	defer gl.Unsubscribe()
	log.I.F("streaming from %d relays", len(g.URLs()))

	for {
		select {
		case msg := <-gl.Events:
			st.Add(c, msg.Event, msg.Relay)
			if cfg.MaxEvents > 0 && st.Memory.Len() > cfg.MaxEvents {
				n := st.Prune(st.Memory.Len() - cfg.MaxEvents)
				log.D.F("pruned %d events", n)
			}
		case <-gl.EndOfStoredEvents:
			log.I.Ln("end of stored events, now streaming live")
		case <-c.Done():
			return nil
		}
	}
}

func (cfg *Config) print(st *store.T, ev *nostr.Event) {
	if cfg.JSON {
		fmt.Println(ev.String())
		return
	}
	seenOn := st.Memory.SeenOn(ev.ID)
	relay := ""
	if len(seenOn) > 0 {
		relay = seenOn[0]
	}
	fmt.Printf("%s %s kind=%d author=%s %s\n",
		time.Unix(int64(ev.CreatedAt), 0).Format(time.RFC3339),
		ev.ID[:16], ev.Kind, ev.PubKey[:16], relay)
}
