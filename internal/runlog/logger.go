package runlog

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"basis-engine/pkg/types"
)

// Logger is one component's structured logger. It writes JSON lines to
// <component>.log inside the run directory. Every record carries the engine
// timestamp (simulated in backtest), the real UTC wall clock, correlation id,
// pid, component, and a severity; coded errors add error_code, and HIGH or
// CRITICAL records add a stack trace.
type Logger struct {
	z     zerolog.Logger
	clock types.Clock
}

// Factory opens component loggers against a run directory and owns the file
// handles until Close.
type Factory struct {
	dm    *DirManager
	clock types.Clock
	cid   string
	pid   int
	level zerolog.Level

	mu    sync.Mutex
	files []*os.File
}

// NewFactory builds a logger factory for one run.
func NewFactory(dm *DirManager, clock types.Clock, cid string, pid int, level string) *Factory {
	return &Factory{dm: dm, clock: clock, cid: cid, pid: pid, level: ParseLevel(level)}
}

// Component opens (or creates) <name>.log and returns a logger bound to it.
func (f *Factory) Component(name string) (*Logger, error) {
	path := f.dm.ComponentLogPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, types.Coded(types.CodeLogWriteFailed,
			fmt.Errorf("open component log %s: %w", path, err))
	}
	f.mu.Lock()
	f.files = append(f.files, file)
	f.mu.Unlock()

	z := zerolog.New(file).Level(f.level).With().
		Str("component", name).
		Str("correlation_id", f.cid).
		Int("pid", f.pid).
		Logger()
	return &Logger{z: z, clock: f.clock}, nil
}

// Close releases every file handle the factory opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, file := range f.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.files = nil
	return firstErr
}

// stamp adds the per-record required fields to an event.
func (l *Logger) stamp(ev *zerolog.Event, sev types.Severity) *zerolog.Event {
	return ev.
		Time("timestamp", l.clock.Now()).
		Time("real_utc_time", time.Now().UTC()).
		Str("severity", string(sev))
}

// Debug starts a LOW-severity debug record.
func (l *Logger) Debug() *zerolog.Event { return l.stamp(l.z.Debug(), types.SeverityLow) }

// Info starts a LOW-severity info record.
func (l *Logger) Info() *zerolog.Event { return l.stamp(l.z.Info(), types.SeverityLow) }

// Warn starts a MEDIUM-severity record.
func (l *Logger) Warn() *zerolog.Event { return l.stamp(l.z.Warn(), types.SeverityMedium) }

// Err starts an error record classified by err's coded severity (MEDIUM for
// uncoded errors). HIGH and CRITICAL records carry a stack trace.
func (l *Logger) Err(err error) *zerolog.Event {
	sev := types.SeverityOf(err)
	ev := l.stamp(l.z.Error(), sev).Err(err)
	if ce, ok := types.AsCoded(err); ok {
		ev = ev.Str("error_code", ce.Code)
	}
	if sev.AtLeast(types.SeverityHigh) {
		ev = ev.Str("stack", string(debug.Stack()))
	}
	return ev
}

// Console returns a logger writing human-readable lines to stderr, for
// process-level messages that happen outside any run directory.
func Console(name, level string) *Logger {
	z := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(ParseLevel(level)).With().
		Str("component", name).
		Logger()
	return &Logger{z: z, clock: types.RealClock{}}
}

// ParseLevel maps a config level string onto zerolog's scale, defaulting to
// info for unknown values.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
