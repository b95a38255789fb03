package build

import (
	"fmt"
	"time"
)

const (
	repeatFlushInterval = 5 * time.Second
	tailBufferSize      = 100
)

// logAggregator collapses consecutive identical build lines and keeps a
// bounded tail for failure reports.
type logAggregator struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
	now      func() time.Time
}

func newLogAggregator(emit func(string)) *logAggregator {
	return &logAggregator{
		emit:     emit,
		maxDelay: repeatFlushInterval,
		bufSize:  tailBufferSize,
		now:      time.Now,
	}
}

func (a *logAggregator) Add(line string) {
	if a == nil || line == "" {
		return
	}
	now := a.now()
	if a.last == "" {
		a.last = line
		a.repeats = 0
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

func (a *logAggregator) Flush() {
	if a == nil {
		return
	}
	a.flushRepeatsAt(a.now())
}

func (a *logAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *logAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.record(line)
	a.lastEmit = now
}

func (a *logAggregator) record(line string) {
	if a.bufSize <= 0 {
		return
	}
	if len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
}

// Snapshot returns up to limit of the most recent emitted lines.
func (a *logAggregator) Snapshot(limit int) []string {
	if a == nil || len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}
