// Package logging holds the kernel's two output channels: a leveled console
// logger for humans and the EventLog, a bounded record of kernel events that
// is drained outside of the time critical paths.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type MaskLevel int

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

// Verbosity levels as used by the -v flag of the simulator.
var verbosity = []MaskLevel{
	ErrorMask,
	ErrorMask | WarnMask,
	ErrorMask | WarnMask | InfoMask,
	ErrorMask | WarnMask | InfoMask | DebugMask,
}

// Verbosity returns the mask for a -v level. Levels past the last one enable
// everything.
func Verbosity(v int) MaskLevel {
	if v < 0 {
		return Nothing
	}
	if v >= len(verbosity) {
		return verbosity[len(verbosity)-1]
	}
	return verbosity[v]
}

// Logger writes leveled, line oriented messages. A nil *Logger discards
// everything, so components can take an optional logger without checks.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	level MaskLevel
	color bool
}

// New returns a logger writing to w. Nothing is colored.
func New(w io.Writer, level MaskLevel) *Logger {
	return &Logger{w: w, level: level | fatalMask}
}

// NewConsole returns a logger writing to standard error. Level prefixes are
// colored when standard error is a terminal, unless noColor is set.
func NewConsole(level MaskLevel, noColor bool) *Logger {
	fd := os.Stderr.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return &Logger{
		w:     colorable.NewColorableStderr(),
		level: level | fatalMask,
		color: tty && !noColor,
	}
}

// SetLevel lets you set the mask directly, like ErrorMask|DebugMask. It
// returns the previous mask.
func (l *Logger) SetLevel(mask MaskLevel) MaskLevel {
	if l == nil {
		return Nothing
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.level &^ fatalMask
	l.level = mask | fatalMask
	return r
}

func (l *Logger) Level() MaskLevel {
	if l == nil {
		return Nothing
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level &^ fatalMask
}

// Enabled reports whether messages at level m would be printed.
func (l *Logger) Enabled(m MaskLevel) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level&m != 0
}

// LevelToString lists the enabled levels, lowest first.
func (l *Logger) LevelToString() string {
	level := l.Level()
	var names []string
	for _, n := range []struct {
		m    MaskLevel
		name string
	}{
		{ErrorMask, "error"},
		{WarnMask, "warn"},
		{InfoMask, "info"},
		{DebugMask, "debug"},
		{StatsMask, "stats"},
	} {
		if level&n.m != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, " ")
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
	ansiPurple = "\x1b[35m"
)

func (l *Logger) logf(m MaskLevel, prefix, format string, params ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level&m == 0 {
		return
	}
	if l.color {
		prefix = levelColor(m) + prefix + ansiReset
	}
	msg := strings.TrimRight(fmt.Sprintf(format, params...), "\n")
	fmt.Fprintf(l.w, "%s %s\n", prefix, msg)
}

func levelColor(m MaskLevel) string {
	switch {
	case m&(ErrorMask|fatalMask) != 0:
		return ansiRed
	case m&WarnMask != 0:
		return ansiYellow
	case m&InfoMask != 0:
		return ansiCyan
	case m&DebugMask != 0:
		return ansiGray
	default:
		return ansiPurple
	}
}

// exit is replaced in tests.
var exit = os.Exit

// Fatalf prints the message and exits the process with exitCode. Fatalf is not
// maskable.
func (l *Logger) Fatalf(exitCode int, format string, params ...interface{}) {
	l.logf(fatalMask, "FATAL:", format, params...)
	exit(exitCode)
}

func (l *Logger) Errorf(format string, params ...interface{}) {
	l.logf(ErrorMask, "ERROR:", format, params...)
}

func (l *Logger) Warnf(format string, params ...interface{}) {
	l.logf(WarnMask, " WARN:", format, params...)
}

func (l *Logger) Infof(format string, params ...interface{}) {
	l.logf(InfoMask, " INFO:", format, params...)
}

func (l *Logger) Debugf(format string, params ...interface{}) {
	l.logf(DebugMask, "DEBUG:", format, params...)
}

// Statsf logs at the stats level. The category shows up in the prefix.
func (l *Logger) Statsf(category string, format string, params ...interface{}) {
	l.logf(StatsMask, "STATS["+category+"]:", format, params...)
}
