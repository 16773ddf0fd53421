package stream

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/task"
)

// DefaultHeartbeatInterval is how often a keepalive chunk is written while
// the terminal chunk is still pending.
const DefaultHeartbeatInterval = 5 * time.Second

// heartbeatChunk is ignored by JSON parsers reading the concatenated body, so
// padding never changes the meaning of the eventual payload.
var heartbeatChunk = []byte("\n")

// Heartbeat adapts a blocking wait into an HTTP-streamable byte sequence that
// survives idle-connection timeouts of intermediary proxies.
//
// The real consumption runs as a supervised background task that resolves a
// ValueEvent with the terminal chunk; Serve pads the response with ignorable
// whitespace until then. Client disconnect cancels the consumer and awaits
// its teardown before returning, so the underlying subscription is released
// rather than leaked.
type Heartbeat struct {
	Interval  time.Duration
	Registry  *task.Registry
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// Flusher is the part of http.ResponseWriter Serve needs beyond io.Writer.
type Flusher interface {
	Flush()
}

// Serve writes keepalive padding every Interval until last fires, then writes
// the terminal chunk exactly once. consume is started as a tracked task and
// must resolve last before returning. Returns ctx.Err on client disconnect,
// after the consumer has fully unwound.
func (h *Heartbeat) Serve(ctx context.Context, w io.Writer, flusher Flusher, consume task.Fn, last *task.ValueEvent) error {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	consumer := h.Registry.Go("run_stream_consume", consume)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-last.Fired():
			chunk, _ := last.Value()
			if chunk == nil {
				// No values were produced; body must still parse as JSON.
				chunk = []byte("null")
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			flusher.Flush()
			return nil

		case <-timer.C:
			if _, err := w.Write(heartbeatChunk); err != nil {
				return err
			}
			flusher.Flush()
			h.Collector.RecordHeartbeat()
			timer.Reset(interval)

		case <-ctx.Done():
			consumer.Cancel()
			<-consumer.Done()
			h.Logger.Debug("heartbeat stream canceled by client")
			return ctx.Err()
		}
	}
}
