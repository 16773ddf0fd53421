package handlers

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/queue"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/internal/stream"
	"github.com/BaSui01/graphflow/internal/task"
	"github.com/BaSui01/graphflow/types"
)

// StreamHandler serves the streaming run endpoints: create-and-stream (SSE),
// create-and-wait (heartbeat-padded JSON), stream reconnect and join.
//
// Creation flows subscribe to the run's feed before the row is inserted so
// the executor's very first event cannot be missed, and release the handle if
// the insert fails.
type StreamHandler struct {
	store     *storage.Store
	broker    *stream.Broker
	svc       *queue.Service
	heartbeat *stream.Heartbeat
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewStreamHandler wires the handler. collector may be nil.
func NewStreamHandler(store *storage.Store, broker *stream.Broker, svc *queue.Service, heartbeat *stream.Heartbeat, logger *zap.Logger, collector *metrics.Collector) *StreamHandler {
	return &StreamHandler{
		store:     store,
		broker:    broker,
		svc:       svc,
		heartbeat: heartbeat,
		logger:    logger.With(zap.String("component", "stream_handler")),
		collector: collector,
	}
}

func runLocation(run *storage.Run) string {
	if run.ThreadID != nil {
		return fmt.Sprintf("/threads/%s/runs/%s", run.ThreadID, run.ID)
	}
	return "/runs/" + run.ID.String()
}

// streamHeaders marks the response as unbufferable by intermediaries.
func streamHeaders(w http.ResponseWriter, contentType, location string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if location != "" {
		w.Header().Set("Location", location)
	}
}

// createForStreaming runs the subscribe -> create sequence shared by the
// create-and-stream and create-and-wait endpoints.
func (h *StreamHandler) createForStreaming(w http.ResponseWriter, r *http.Request) (*storage.Run, *stream.Subscription, bool) {
	threadID, ok := optionalThreadID(w, r, h.logger)
	if !ok {
		return nil, nil, false
	}

	var req api.CreateRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return nil, nil, false
	}

	run, err := buildRun(&req, threadID)
	if err != nil {
		WriteError(w, err, h.logger)
		return nil, nil, false
	}

	// Subscribe first: the worker may start publishing the moment the row
	// becomes visible.
	sub := h.broker.Subscribe(run.ID)
	if err := h.store.CreateRun(r.Context(), run); err != nil {
		sub.Release()
		WriteError(w, err, h.logger)
		return nil, nil, false
	}

	h.collector.RecordRunCreated(runKind(threadID))
	return run, sub, true
}

// HandleCreateRunStream serves POST /runs/stream and
// POST /threads/{thread_id}/runs/stream.
func (h *StreamHandler) HandleCreateRunStream(w http.ResponseWriter, r *http.Request) {
	run, sub, ok := h.createForStreaming(w, r)
	if !ok {
		return
	}

	opts := stream.JoinOptions{
		Sub:                sub,
		ThreadID:           run.ThreadID,
		StreamModes:        run.StreamModes,
		CancelOnDisconnect: run.OnDisconnect == types.OnDisconnectCancel,
	}
	h.serveSSE(w, r, run, opts)
}

// HandleStreamRun serves GET /threads/{thread_id}/runs/{run_id}/stream, the
// reconnect path. Completed runs replay their final chunk.
func (h *StreamHandler) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathUUID(w, r, "thread_id", h.logger)
	if !ok {
		return
	}
	runID, ok := PathUUID(w, r, "run_id", h.logger)
	if !ok {
		return
	}

	run, err := h.store.GetRun(r.Context(), runID, &threadID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	opts := stream.JoinOptions{
		ThreadID:           &threadID,
		CancelOnDisconnect: r.URL.Query().Get("cancel_on_disconnect") == "true",
	}
	h.serveSSE(w, r, run, opts)
}

func (h *StreamHandler) serveSSE(w http.ResponseWriter, r *http.Request, run *storage.Run, opts stream.JoinOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"response writer does not support streaming", h.logger)
		return
	}

	events, err := h.broker.Join(r.Context(), h.svc, run.ID, opts)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	streamHeaders(w, "text/event-stream; charset=utf-8", runLocation(run))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Mode, ev.Payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HandleCreateRunWait serves POST /runs/wait and
// POST /threads/{thread_id}/runs/wait: create the run, hold the connection
// with keepalive padding and answer with the final value.
func (h *StreamHandler) HandleCreateRunWait(w http.ResponseWriter, r *http.Request) {
	run, sub, ok := h.createForStreaming(w, r)
	if !ok {
		return
	}

	opts := stream.JoinOptions{
		Sub:                sub,
		ThreadID:           run.ThreadID,
		CancelOnDisconnect: run.OnDisconnect == types.OnDisconnectCancel,
	}
	h.serveWait(w, r, run, opts)
}

// HandleJoinRun serves GET /threads/{thread_id}/runs/{run_id}/join: block
// until the run is terminal and answer its final record.
func (h *StreamHandler) HandleJoinRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathUUID(w, r, "thread_id", h.logger)
	if !ok {
		return
	}
	runID, ok := PathUUID(w, r, "run_id", h.logger)
	if !ok {
		return
	}

	run, err := h.store.GetRun(r.Context(), runID, &threadID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.serveWait(w, r, run, stream.JoinOptions{ThreadID: &threadID})
}

// serveWait consumes the run's stream on a supervised task and writes a
// whitespace-padded JSON body: the concatenation always parses as the final
// value.
func (h *StreamHandler) serveWait(w http.ResponseWriter, r *http.Request, run *storage.Run, opts stream.JoinOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"response writer does not support streaming", h.logger)
		return
	}

	events, err := h.broker.Join(r.Context(), h.svc, run.ID, opts)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	streamHeaders(w, "application/json; charset=utf-8", runLocation(run))

	last := task.NewValueEvent()
	consume := func(ctx context.Context) error {
		var final []byte
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					last.Set(final)
					return nil
				}
				if ev.Mode == types.StreamModeValues || ev.Mode == types.StreamModeError {
					final = ev.Payload
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := h.heartbeat.Serve(r.Context(), w, flusher, consume, last); err != nil && r.Context().Err() == nil {
		h.logger.Warn("wait stream ended abnormally",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	}
}
