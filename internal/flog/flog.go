// Package flog is a small leveled, non-blocking logger for the reactor's
// I/O thread: formatting and writing never block the caller, messages are
// dropped (and counted) past the channel's capacity instead of stalling.
package flog

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type Level int

const None Level = -1
const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

var (
	minLevel = Info
	logCh    = make(chan string, 1024)
	dropped  atomic.Uint64
)

// Dropped returns the number of log messages dropped due to channel full.
func Dropped() uint64 { return dropped.Load() }

var levelStrings = [...]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
	Fatal: "FATAL",
}

var sinkStarted atomic.Bool

// SetLevel sets the minimum level that is logged. Pass -1 (None) to
// silence the logger entirely.
func SetLevel(l int) {
	minLevel = Level(l)
	if l != -1 && sinkStarted.CompareAndSwap(false, true) {
		go func() {
			for msg := range logCh {
				fmt.Fprint(os.Stdout, msg)
			}
		}()
	}
}

// Field is a single key=value pair attached to a log line, typically a
// connection id or remote address so lines correlate to one session.
type Field struct {
	Key   string
	Value any
}

func ConnID(id int32) Field       { return Field{"conn", id} }
func Remote(addr string) Field    { return Field{"remote", addr} }
func Fields(fs ...Field) []Field  { return fs }

func logf(level Level, fields []Field, format string, args ...any) {
	if level < minLevel || minLevel == None {
		return
	}

	// Check channel capacity before formatting to avoid wasted allocations.
	if len(logCh) == cap(logCh) {
		dropped.Add(1)
		return
	}

	var levelStr string
	if int(level) < len(levelStrings) {
		levelStr = levelStrings[level]
	} else {
		levelStr = "UNKNOWN"
	}

	now := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", now, levelStr, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	line := b.String()

	select {
	case logCh <- line:
	default:
		dropped.Add(1)
	}
}

func (l Level) String() string {
	if int(l) >= 0 && int(l) < len(levelStrings) {
		return levelStrings[l]
	}
	if l == None {
		return "None"
	}
	return "UNKNOWN"
}

func Debugf(format string, args ...any) { logf(Debug, nil, format, args...) }
func Infof(format string, args ...any)  { logf(Info, nil, format, args...) }
func Warnf(format string, args ...any)  { logf(Warn, nil, format, args...) }
func Errorf(format string, args ...any) { logf(Error, nil, format, args...) }
func Fatalf(format string, args ...any) {
	logf(Fatal, nil, format, args...)
	time.Sleep(10 * time.Millisecond)
	os.Exit(1)
}

// WithFields logs at the given level tagged with structured fields, e.g.
// flog.WithFields(flog.Info, flog.Fields(flog.ConnID(id)), "established")
func WithFields(level Level, fields []Field, format string, args ...any) {
	logf(level, fields, format, args...)
}

func Close() { close(logCh) }
