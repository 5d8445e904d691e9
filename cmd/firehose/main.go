// Package main streams live events from a set of relays into a local
// event store and prints them as they arrive, deduplicated across
// relays and with replaceable events collapsed to their newest
// version.
package main

import (
	"os"

	"github.com/alexflint/go-arg"
	"github.com/hzrd149/applesauce-go/cmd/firehose/app"
	"github.com/hzrd149/applesauce-go/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var cfg app.Config

func main() {
	arg.MustParse(&cfg)
	if err := cfg.Main(); chk.E(err) {
		os.Exit(1)
	}
}
