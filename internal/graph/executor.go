// Package graph defines the execution seam between the orchestration server
// and the computation-graph engine. The server treats the engine as an
// external collaborator: it hands over input and a sink, and consumes the
// emitted event stream.
package graph

import (
	"context"
	"encoding/json"
	"time"
)

// Sink receives events as the executor produces them. mode names the stream
// channel ("values", "events", "messages"); payload is a raw JSON chunk.
type Sink func(ctx context.Context, mode string, payload []byte) error

// Executor runs one graph invocation to completion, emitting intermediate
// events through sink and returning the final output chunk. A nil error with
// nil output is valid for runs that produce no values.
type Executor interface {
	Execute(ctx context.Context, input []byte, sink Sink) (output []byte, err error)
}

// EchoExecutor is the built-in development executor: it emits the input as a
// single values event after an optional delay and returns it as the output.
// Useful for wiring tests and local smoke runs without a real engine.
type EchoExecutor struct {
	// Delay before emitting, to exercise streaming paths. Zero means
	// immediate.
	Delay time.Duration
}

func (e *EchoExecutor) Execute(ctx context.Context, input []byte, sink Sink) ([]byte, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := input
	if out == nil {
		out = []byte("null")
	} else if !json.Valid(out) {
		b, err := json.Marshal(string(out))
		if err != nil {
			return nil, err
		}
		out = b
	}

	if err := sink(ctx, "values", out); err != nil {
		return nil, err
	}
	return out, nil
}
