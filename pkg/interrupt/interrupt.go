// Package interrupt runs registered shutdown handlers on SIGINT/SIGTERM
// or on a programmatic shutdown request.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	mu        sync.Mutex
	requested atomic.Bool
	sigCh     chan os.Signal
	handlers  []handler

	// Done is closed after all handlers have run.
	Done = make(chan struct{})
)

type handler struct {
	source string
	fn     func()
}

// AddHandler registers fn to be called when an interrupt arrives. The
// first call starts the signal listener. Handlers run in LIFO order.
func AddHandler(fn func()) {
	_, file, line, _ := runtime.Caller(1)
	mu.Lock()
	defer mu.Unlock()
	handlers = append(handlers, handler{fmt.Sprintf("%s:%d", file, line), fn})
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go listen()
	}
}

// Request triggers the handlers as though a signal had arrived.
func Request() {
	if requested.CompareAndSwap(false, true) {
		go invoke()
	}
}

// Requested reports whether shutdown has already been triggered.
func Requested() bool { return requested.Load() }

func listen() {
	<-sigCh
	if requested.CompareAndSwap(false, true) {
		invoke()
	}
}

func invoke() {
	mu.Lock()
	hs := make([]handler, len(handlers))
	copy(hs, handlers)
	mu.Unlock()
	for i := len(hs) - 1; i >= 0; i-- {
		hs[i].fn()
	}
	close(Done)
}
