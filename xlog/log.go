// Package xlog is the leveled logger used across every package in this
// module. Call New at package-init time to get a matched pair of printers
// and checkers, the same two-value idiom used throughout the engine.
package xlog

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

type Level int32

const (
	Off Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(Info))
	switch strings.ToUpper(os.Getenv("GOSSIP_LOG")) {
	case "TRACE":
		SetLevel(Trace)
	case "DEBUG":
		SetLevel(Debug)
	case "WARN":
		SetLevel(Warn)
	case "ERROR":
		SetLevel(Error)
	case "FATAL":
		SetLevel(Fatal)
	case "OFF":
		SetLevel(Off)
	}
}

func SetLevel(l Level) { currentLevel.Store(int32(l)) }
func GetLevel() Level  { return Level(currentLevel.Load()) }

type levelSpec struct {
	name      string
	colorizer func(a ...interface{}) string
}

var specs = map[Level]levelSpec{
	Fatal: {"FTL", color.Bit24(128, 0, 0, false).Sprint},
	Error: {"ERR", color.Bit24(255, 0, 0, false).Sprint},
	Warn:  {"WRN", color.Bit24(200, 170, 0, false).Sprint},
	Info:  {"INF", color.Bit24(0, 200, 0, false).Sprint},
	Debug: {"DBG", color.Bit24(0, 125, 255, false).Sprint},
	Trace: {"TRC", color.Bit24(125, 0, 255, false).Sprint},
}

// Ln prints a list of values joined by spaces.
type Ln func(a ...interface{})

// F prints a format string.
type F func(format string, a ...interface{})

// S dumps values with spew, for Trace-level debugging of large structures.
type S func(a ...interface{})

// Chk logs an error if non-nil and reports whether it did.
type Chk func(e error) bool

// Err builds, logs and returns a formatted error.
type Err func(format string, a ...interface{}) error

type LevelPrinter struct {
	Ln
	F
	S
	Chk
	Err
}

// Log is the full set of per-level printers, and Check the matching set of
// bare Chk functions — callers typically write `log, chk := xlog.New(w)`.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

type Check struct {
	F, E, W, I, D, T Chk
}

func loc(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return color.Bit24(0, 128, 255, false).Sprint(file, ":", line)
}

func join(a ...interface{}) string {
	parts := make([]string, len(a))
	for i := range a {
		parts[i] = fmt.Sprint(a[i])
	}
	return strings.Join(parts, " ")
}

func printer(l Level, w io.Writer) LevelPrinter {
	spec := specs[l]
	enabled := func() bool { return GetLevel() >= l }
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if !enabled() {
				return
			}
			fmt.Fprintf(w, "%s %s %s %s\n", timestamp(), spec.colorizer(spec.name), join(a...), loc(3))
		},
		F: func(format string, a ...interface{}) {
			if !enabled() {
				return
			}
			fmt.Fprintf(w, "%s %s %s %s\n", timestamp(), spec.colorizer(spec.name), fmt.Sprintf(format, a...), loc(3))
		},
		S: func(a ...interface{}) {
			if !enabled() {
				return
			}
			fmt.Fprintf(w, "%s %s %s %s\n", timestamp(), spec.colorizer(spec.name), spew.Sdump(a...), loc(3))
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if enabled() {
				fmt.Fprintf(w, "%s %s %s %s\n", timestamp(), spec.colorizer(spec.name), e.Error(), loc(3))
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			e := fmt.Errorf(format, a...)
			if enabled() {
				fmt.Fprintf(w, "%s %s %s %s\n", timestamp(), spec.colorizer(spec.name), e.Error(), loc(3))
			}
			return e
		},
	}
}

func timestamp() string { return time.Now().Format("15:04:05.000") }

// New returns a Log/Check pair writing to w. Call once per package:
//
//	var log, chk = xlog.New(os.Stderr)
func New(w io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: printer(Fatal, w),
		E: printer(Error, w),
		W: printer(Warn, w),
		I: printer(Info, w),
		D: printer(Debug, w),
		T: printer(Trace, w),
	}
	c = &Check{F: l.F.Chk, E: l.E.Chk, W: l.W.Chk, I: l.I.Chk, D: l.D.Chk, T: l.T.Chk}
	return
}
