package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/queue"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/types"
)

// RunHandler serves the non-streaming run endpoints: create, batch create,
// list, get, delete and cancel.
type RunHandler struct {
	store     *storage.Store
	svc       *queue.Service
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewRunHandler wires the handler. collector may be nil.
func NewRunHandler(store *storage.Store, svc *queue.Service, logger *zap.Logger, collector *metrics.Collector) *RunHandler {
	return &RunHandler{
		store:     store,
		svc:       svc,
		logger:    logger.With(zap.String("component", "run_handler")),
		collector: collector,
	}
}

// buildRun validates a request and materializes the storage row, id included.
// The id is generated here so streaming callers can subscribe before the row
// exists.
func buildRun(req *api.CreateRunRequest, threadID *uuid.UUID) (*storage.Run, error) {
	for _, mode := range req.StreamMode {
		if !types.ValidStreamMode(mode) {
			return nil, types.NewError(types.ErrInvalidRequest, "unknown stream mode "+mode)
		}
	}
	switch req.OnDisconnect {
	case "", types.OnDisconnectContinue, types.OnDisconnectCancel:
	default:
		return nil, types.NewError(types.ErrInvalidRequest, "on_disconnect must be continue or cancel")
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &storage.Run{
		ID:           id,
		ThreadID:     threadID,
		Status:       types.RunStatusPending,
		StreamModes:  storage.StringList(req.StreamMode),
		OnDisconnect: req.OnDisconnect,
		Input:        req.Input,
	}, nil
}

// optionalThreadID parses {thread_id} when the route carries one.
func optionalThreadID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*uuid.UUID, bool) {
	if r.PathValue("thread_id") == "" {
		return nil, true
	}
	id, ok := PathUUID(w, r, "thread_id", logger)
	if !ok {
		return nil, false
	}
	return &id, true
}

func toAPIRun(run *storage.Run) api.Run {
	out := api.Run{
		RunID:        run.ID.String(),
		Status:       string(run.Status),
		StreamMode:   run.StreamModes,
		OnDisconnect: run.OnDisconnect,
		Input:        run.Input,
		Output:       run.Output,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
	if run.ThreadID != nil {
		out.ThreadID = run.ThreadID.String()
	}
	return out
}

// HandleCreateRun serves POST /runs and POST /threads/{thread_id}/runs.
func (h *RunHandler) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := optionalThreadID(w, r, h.logger)
	if !ok {
		return
	}

	var req api.CreateRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	run, err := buildRun(&req, threadID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := h.store.CreateRun(r.Context(), run); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.collector.RecordRunCreated(runKind(threadID))
	WriteJSON(w, http.StatusOK, toAPIRun(run))
}

// HandleCreateRunBatch serves POST /runs/batch. The body is a JSON array of
// run creation payloads; all rows are inserted in one transaction.
func (h *RunHandler) HandleCreateRunBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []api.CreateRunRequest
	if err := DecodeJSONBody(w, r, &reqs, h.logger); err != nil {
		return
	}
	if len(reqs) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "batch must not be empty", h.logger)
		return
	}

	runs := make([]*storage.Run, 0, len(reqs))
	for i := range reqs {
		run, err := buildRun(&reqs[i], nil)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		runs = append(runs, run)
	}

	if err := h.store.CreateRunBatch(r.Context(), runs); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	out := make([]api.Run, len(runs))
	for i, run := range runs {
		out[i] = toAPIRun(run)
		h.collector.RecordRunCreated("batch")
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleListRuns serves GET /threads/{thread_id}/runs with limit, offset and
// status query parameters.
func (h *RunHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathUUID(w, r, "thread_id", h.logger)
	if !ok {
		return
	}

	filter := storage.RunFilter{ThreadID: &threadID}
	filter.Limit, filter.Offset = QueryLimitOffset(r)
	if status := r.URL.Query().Get("status"); status != "" {
		if !types.RunStatus(status).Valid() {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown status "+status, h.logger)
			return
		}
		filter.Status = types.RunStatus(status)
	}

	runs, err := h.store.SearchRuns(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	out := make([]api.Run, len(runs))
	for i, run := range runs {
		out[i] = toAPIRun(run)
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleGetRun serves GET /threads/{thread_id}/runs/{run_id}.
func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
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
	WriteJSON(w, http.StatusOK, toAPIRun(run))
}

// HandleDeleteRun serves DELETE /threads/{thread_id}/runs/{run_id}. Running
// runs conflict; absent runs 404.
func (h *RunHandler) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathUUID(w, r, "thread_id", h.logger)
	if !ok {
		return
	}
	runID, ok := PathUUID(w, r, "run_id", h.logger)
	if !ok {
		return
	}

	if err := h.store.DeleteRun(r.Context(), runID, &threadID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCancelRun serves POST /threads/{thread_id}/runs/{run_id}/cancel.
// action=interrupt|rollback chooses what happens to the row; wait=true delays
// the response until the run is terminal and answers 204 instead of 202.
func (h *RunHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathUUID(w, r, "thread_id", h.logger)
	if !ok {
		return
	}
	runID, ok := PathUUID(w, r, "run_id", h.logger)
	if !ok {
		return
	}

	action := types.NormalizeCancelAction(r.URL.Query().Get("action"))
	if err := h.svc.CancelRun(r.Context(), runID, &threadID, action); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		if _, err := h.svc.WaitTerminal(r.Context(), runID, &threadID); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func runKind(threadID *uuid.UUID) string {
	if threadID != nil {
		return "stateful"
	}
	return "stateless"
}
