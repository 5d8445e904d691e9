// Package slog is a simple leveled logger with a compact check/error
// syntax, colored level tags and code locations.
//
// Packages using it declare
//
//	var log, chk = slog.New(os.Stderr)
//
// and then guard error returns with `if chk.E(err) { ... }`, which both
// logs the error with its location and evaluates true when it is set.
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off int32 = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

type (
	// Ln prints lists of interfaces with spaces in between.
	Ln func(a ...interface{})
	// F prints like fmt.Printf surrounded by log details.
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice.
	S func(a ...interface{})
	// Chk prints an error if it is set, and returns whether it was.
	Chk func(e error) bool
	// Err constructs an error from a format string, logs it, and returns
	// it so it can be passed up the call chain already printed.
	Err func(format string, a ...interface{}) error

	LevelPrinter struct {
		Ln
		F
		S
		Chk
		Err
	}
	LevelSpec struct {
		ID        int32
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32
	LevelSpecs   = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(255, 128, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
)

func init() {
	switch strings.ToUpper(os.Getenv("SAUCE_LOGLEVEL")) {
	case "FATAL":
		SetLogLevel(Fatal)
	case "ERROR":
		SetLogLevel(Error)
	case "WARN":
		SetLogLevel(Warn)
	case "DEBUG":
		SetLogLevel(Debug)
	case "TRACE":
		SetLogLevel(Trace)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	default:
		SetLogLevel(Info)
	}
}

func SetLogLevel(l int32) { currentLevel.Store(l) }
func GetLogLevel() int32  { return currentLevel.Load() }

// Log is a set of log printers for the various levels.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of level printers that only print when an error is
// present, and report back whether it was.
type Check struct {
	F, E, W, I, D, T Chk
}

// New returns a Log and a Check that write to the given writer.
func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: getPrinter(Fatal, writer),
		E: getPrinter(Error, writer),
		W: getPrinter(Warn, writer),
		I: getPrinter(Info, writer),
		D: getPrinter(Debug, writer),
		T: getPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func joinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func tsShort() string {
	return time.Now().Format("150405.000")
}

func getLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	output = color.Bit24(0, 128, 255, false).Sprint(file, ":", line)
	return
}

func getPrinter(l int32, writer io.Writer) LevelPrinter {
	tag := func() string { return LevelSpecs[l].Colorizer(LevelSpecs[l].Name) }
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if l > currentLevel.Load() {
				return
			}
			fmt.Fprintf(writer, "%s %s %s %s\n", tsShort(), tag(),
				joinStrings(a...), getLoc(2))
		},
		F: func(format string, a ...interface{}) {
			if l > currentLevel.Load() {
				return
			}
			fmt.Fprintf(writer, "%s %s %s %s\n", tsShort(), tag(),
				fmt.Sprintf(format, a...), getLoc(2))
		},
		S: func(a ...interface{}) {
			if l > currentLevel.Load() {
				return
			}
			fmt.Fprintf(writer, "%s %s %s %s\n", tsShort(), tag(),
				spew.Sdump(a...), getLoc(2))
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if l <= currentLevel.Load() {
				fmt.Fprintf(writer, "%s %s %s %s\n", tsShort(), tag(),
					e.Error(), getLoc(2))
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			if l <= currentLevel.Load() {
				fmt.Fprintf(writer, "%s %s %s %s\n", tsShort(), tag(),
					fmt.Sprintf(format, a...), getLoc(2))
			}
			return fmt.Errorf(format, a...)
		},
	}
}
