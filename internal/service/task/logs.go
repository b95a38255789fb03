package task

import (
	"context"
	"strings"
	"sync"

	"github.com/splax/localvercel/pkg/api/client"
)

// taskLog buffers a task's log lines and ships them in chunks.
type taskLog struct {
	exec   *Executor
	target client.Target
	taskID string

	send  sync.Mutex // keeps chunks in order
	mu    sync.Mutex
	buf   strings.Builder
	stage string
}

func newTaskLog(e *Executor, target client.Target, taskID string) *taskLog {
	return &taskLog{exec: e, target: target, taskID: taskID}
}

// Line appends one line, shipping the buffer once it grows past the flush size.
func (l *taskLog) Line(stage, line string) {
	line = strings.TrimRight(line, "\r\n")
	l.mu.Lock()
	l.stage = stage
	l.buf.WriteString("[")
	l.buf.WriteString(stage)
	l.buf.WriteString("] ")
	l.buf.WriteString(line)
	l.buf.WriteByte('\n')
	full := l.buf.Len() >= l.exec.cfg.LogFlushBytes
	l.mu.Unlock()
	if full {
		l.Flush(context.Background())
	}
}

// Stage logs a stage transition and ships everything buffered so far.
func (l *taskLog) Stage(ctx context.Context, stage, line string) {
	l.Line(stage, line)
	l.Flush(ctx)
}

// Flush ships the buffered lines. Delivery failures drop the chunk.
func (l *taskLog) Flush(ctx context.Context) {
	l.send.Lock()
	defer l.send.Unlock()
	l.mu.Lock()
	if l.buf.Len() == 0 {
		l.mu.Unlock()
		return
	}
	chunk := client.LogChunk{TaskID: l.taskID, Stage: l.stage, Chunk: l.buf.String()}
	l.buf.Reset()
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.exec.cfg.ReportTimeout)
	defer cancel()
	if err := l.exec.deps.Reporter.AppendLogs(ctx, l.target, chunk); err != nil {
		l.exec.logger.Warn("log shipping failed", "task_id", l.taskID, "bytes", len(chunk.Chunk), "error", err)
	}
}
