// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the logging library of the MMU emulation.
//
// Walks and shadow updates run on every guest trap, so debug statements on
// those paths are guarded:
//
//	if log.IsLogging(log.Debug) {
//		log.Debugf(...)
//	}
//
// Formatting the arguments is the expensive part, even when nothing is
// emitted.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level. Higher levels are more verbose.
type Level uint32

const (
	// Warning is always emitted.
	Warning Level = iota

	// Info is emitted by default.
	Info

	// Debug is emitted only when asked for.
	Debug
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// Emitter is the final destination for logs. depth is the number of frames
// between Emit and the logging call site.
type Emitter interface {
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer serializes writes to Next. Messages that cannot be written are
// counted and reported once Next accepts output again.
type Writer struct {
	// Next is where output is written.
	Next io.Writer

	mu      sync.Mutex
	dropped int
}

// Write writes data, followed by a newline if data does not end in one.
func (w *Writer) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.writeAll(data)
	if err != nil {
		w.dropped++
		return n, err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		w.writeAll([]byte{'\n'})
	}
	if w.dropped > 0 {
		msg := fmt.Sprintf("\n*** Dropped %d log messages ***\n", w.dropped)
		if _, err := w.writeAll([]byte(msg)); err == nil {
			w.dropped = 0
		}
	}
	return n, nil
}

// writeAll retries short writes to non-blocking descriptors.
func (w *Writer) writeAll(data []byte) (int, error) {
	n := 0
	for n < len(data) {
		m, err := w.Next.Write(data[n:])
		n += m
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			time.Sleep(time.Millisecond)
			continue
		}
		return n, err
	}
	return n, nil
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(_ int, _ Level, _ time.Time, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// MultiEmitter emits to each of its Emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m *MultiEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	for _, e := range *m {
		e.Emit(1+depth, level, timestamp, format, v...)
	}
}

// TestLogger is implemented by testing.T and testing.B.
type TestLogger interface {
	Logf(format string, v ...any)
}

// TestEmitter sends logs to a test's log.
type TestEmitter struct {
	TestLogger
}

// Emit implements Emitter.Emit.
func (t *TestEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	t.Logf("%c] %s", level.String()[0], fmt.Sprintf(format, v...))
}

// Logger is the interface components take to log with context, such as the
// emulated CPU they act for. BasicLogger implements it.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)

	// IsLogging reports whether level is emitted, so callers can skip
	// building expensive arguments.
	IsLogging(level Level) bool
}

// BasicLogger sends everything at or below Level to Emitter.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth logs at Debug, attributing the message depth frames up.
func (l *BasicLogger) DebugfAtDepth(depth int, format string, v ...any) {
	l.emit(depth+1, Debug, format, v...)
}

// InfofAtDepth logs at Info, attributing the message depth frames up.
func (l *BasicLogger) InfofAtDepth(depth int, format string, v ...any) {
	l.emit(depth+1, Info, format, v...)
}

// WarningfAtDepth logs at Warning, attributing the message depth frames up.
func (l *BasicLogger) WarningfAtDepth(depth int, format string, v ...any) {
	l.emit(depth+1, Warning, format, v...)
}

func (l *BasicLogger) emit(depth int, level Level, format string, v ...any) {
	if l.IsLogging(level) {
		l.Emit(depth+1, level, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadUint32((*uint32)(&l.Level)) >= uint32(level)
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&l.Level), uint32(level))
}

// current is the global logger. It is replaced, never mutated, except for
// its level.
var (
	currentMu sync.Mutex
	current   atomic.Pointer[BasicLogger]
)

// Log returns the global logger.
func Log() *BasicLogger {
	return current.Load()
}

// SetTarget sends the global logger's output to target, keeping its level.
func SetTarget(target Emitter) {
	currentMu.Lock()
	defer currentMu.Unlock()
	level := Level(atomic.LoadUint32((*uint32)(&Log().Level)))
	current.Store(&BasicLogger{Level: level, Emitter: target})
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	Log().SetLevel(level)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

// IsLogging reports whether the global logger emits level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// prefixLogger prepends a fixed prefix to every message.
type prefixLogger struct {
	prefix string
	next   Logger
}

func (p *prefixLogger) Debugf(format string, v ...any) {
	if p.next.IsLogging(Debug) {
		p.next.Debugf("%s%s", p.prefix, fmt.Sprintf(format, v...))
	}
}

func (p *prefixLogger) Infof(format string, v ...any) {
	if p.next.IsLogging(Info) {
		p.next.Infof("%s%s", p.prefix, fmt.Sprintf(format, v...))
	}
}

func (p *prefixLogger) Warningf(format string, v ...any) {
	p.next.Warningf("%s%s", p.prefix, fmt.Sprintf(format, v...))
}

func (p *prefixLogger) IsLogging(level Level) bool {
	return p.next.IsLogging(level)
}

// ForVCPU returns a Logger that tags every message with the index of an
// emulated CPU.
func ForVCPU(next Logger, id int) Logger {
	return &prefixLogger{prefix: fmt.Sprintf("[vcpu %d] ", id), next: next}
}

func init() {
	current.Store(&BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: os.Stderr}}})
}
