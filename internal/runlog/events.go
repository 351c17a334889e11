package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"basis-engine/pkg/types"
)

const eventBufferSize = 1024

type record struct {
	kind types.EventKind
	line []byte
}

// EventLogger writes domain events as append-only JSONL, one stream per
// event kind under events/. The hot path marshals and enqueues; a single
// background goroutine owns the file handles and buffered writers, so disk
// latency never blocks the tick. Streams flush when their buffer fills, at
// tick boundaries (Flush), and at shutdown (Close). Previously-written lines
// survive a crash; at worst the final line is torn and detectable by a JSON
// parse error.
type EventLogger struct {
	dir string
	cid string
	pid int

	ch       chan record
	flushReq chan chan error
	quit     chan struct{}
	finished chan struct{}
	closed   atomic.Bool

	errs *Logger // LOG- conditions; never fatal

	// owned by the writer goroutine
	writers map[types.EventKind]*bufio.Writer
	files   map[types.EventKind]*os.File
}

// NewEventLogger starts the background writer for a run's events directory.
// errs may be nil; write failures are then silently dropped.
func NewEventLogger(dir, correlationID string, pid int, errs *Logger) *EventLogger {
	e := &EventLogger{
		dir:      dir,
		cid:      correlationID,
		pid:      pid,
		ch:       make(chan record, eventBufferSize),
		flushReq: make(chan chan error),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
		errs:     errs,
		writers:  make(map[types.EventKind]*bufio.Writer),
		files:    make(map[types.EventKind]*os.File),
	}
	go e.run()
	return e
}

// Stamp builds the EventMeta every domain event embeds. t is engine time.
func (e *EventLogger) Stamp(t time.Time) types.EventMeta {
	return types.EventMeta{
		CorrelationID: e.cid,
		PID:           e.pid,
		Timestamp:     t,
		RealUTCTime:   time.Now().UTC(),
	}
}

// Emit appends one event to its kind's stream. Blocks only when the bounded
// buffer is full (backpressure, not loss). Events emitted after Close are
// dropped with a warning.
func (e *EventLogger) Emit(kind types.EventKind, event any) {
	line, err := json.Marshal(event)
	if err != nil {
		e.logErr(types.Codedf(types.CodeLogWriteFailed, "marshal %s event: %v", kind, err))
		return
	}
	if e.closed.Load() {
		e.logErr(types.Codedf(types.CodeLogWriteFailed, "emit %s after close", kind))
		return
	}
	e.ch <- record{kind: kind, line: line}
}

// Flush drains the queue and flushes every stream to disk. Called by the
// engine at tick boundaries.
func (e *EventLogger) Flush() error {
	if e.closed.Load() {
		return nil
	}
	ack := make(chan error, 1)
	e.flushReq <- ack
	return <-ack
}

// Close drains, flushes, and closes every stream. Idempotent.
func (e *EventLogger) Close() error {
	if e.closed.Swap(true) {
		<-e.finished
		return nil
	}
	close(e.quit)
	<-e.finished
	return nil
}

func (e *EventLogger) run() {
	defer close(e.finished)
	for {
		select {
		case rec := <-e.ch:
			e.write(rec)
		case ack := <-e.flushReq:
			e.drain()
			ack <- e.flushAll()
		case <-e.quit:
			e.drain()
			e.flushAll()
			for _, f := range e.files {
				f.Close()
			}
			return
		}
	}
}

// drain consumes everything currently queued without blocking.
func (e *EventLogger) drain() {
	for {
		select {
		case rec := <-e.ch:
			e.write(rec)
		default:
			return
		}
	}
}

func (e *EventLogger) write(rec record) {
	w, err := e.writerFor(rec.kind)
	if err != nil {
		e.logErr(err)
		return
	}
	if _, err := w.Write(rec.line); err != nil {
		e.logErr(types.Codedf(types.CodeLogWriteFailed, "write %s event: %v", rec.kind, err))
		return
	}
	if err := w.WriteByte('\n'); err != nil {
		e.logErr(types.Codedf(types.CodeLogWriteFailed, "write %s newline: %v", rec.kind, err))
	}
}

func (e *EventLogger) writerFor(kind types.EventKind) (*bufio.Writer, error) {
	if w, ok := e.writers[kind]; ok {
		return w, nil
	}
	path := filepath.Join(e.dir, string(kind)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, types.Coded(types.CodeLogWriteFailed,
			fmt.Errorf("open event stream %s: %w", path, err))
	}
	w := bufio.NewWriterSize(f, 64*1024)
	e.files[kind] = f
	e.writers[kind] = w
	return w, nil
}

func (e *EventLogger) flushAll() error {
	var firstErr error
	for kind, w := range e.writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = types.Codedf(types.CodeLogWriteFailed, "flush %s stream: %v", kind, err)
		}
	}
	return firstErr
}

func (e *EventLogger) logErr(err error) {
	if e.errs != nil {
		e.errs.Err(err).Msg("event logger")
	}
}
