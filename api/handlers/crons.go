package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/internal/cron"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/types"
)

// CronHandler serves the schedule endpoints. The routes are only registered
// when the cron feature is enabled and licensed, so every request reaching
// this handler is already entitled.
type CronHandler struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewCronHandler wires the handler.
func NewCronHandler(store *storage.Store, logger *zap.Logger) *CronHandler {
	return &CronHandler{
		store:  store,
		logger: logger.With(zap.String("component", "cron_handler")),
	}
}

func toAPICron(c *storage.Cron) api.Cron {
	out := api.Cron{
		CronID:    c.ID.String(),
		Schedule:  c.Schedule,
		Payload:   c.Payload,
		EndTime:   c.EndTime,
		NextRunAt: c.NextRunAt,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.ThreadID != nil {
		out.ThreadID = c.ThreadID.String()
	}
	return out
}

// HandleCreateCron serves POST /runs/crons and
// POST /threads/{thread_id}/runs/crons.
func (h *CronHandler) HandleCreateCron(w http.ResponseWriter, r *http.Request) {
	threadID, ok := optionalThreadID(w, r, h.logger)
	if !ok {
		return
	}

	var req api.CreateCronRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	next, err := cron.NextFire(req.Schedule, time.Now())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if req.EndTime != nil && !req.EndTime.After(time.Now()) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "end_time must be in the future", h.logger)
		return
	}

	record := &storage.Cron{
		ThreadID:  threadID,
		Schedule:  req.Schedule,
		Payload:   req.Input,
		EndTime:   req.EndTime,
		NextRunAt: next,
	}
	if err := h.store.CreateCron(r.Context(), record); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, toAPICron(record))
}

// HandleSearchCrons serves POST /runs/crons/search.
func (h *CronHandler) HandleSearchCrons(w http.ResponseWriter, r *http.Request) {
	var req api.SearchCronsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	filter := storage.CronFilter{Limit: req.Limit, Offset: req.Offset}
	if filter.Limit <= 0 {
		filter.Limit = 10
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if req.ThreadID != "" {
		id, err := uuid.Parse(req.ThreadID)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "thread_id must be a valid UUID", h.logger)
			return
		}
		filter.ThreadID = &id
	}

	crons, err := h.store.SearchCrons(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	out := make([]api.Cron, len(crons))
	for i, c := range crons {
		out[i] = toAPICron(c)
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleDeleteCron serves DELETE /runs/crons/{cron_id}.
func (h *CronHandler) HandleDeleteCron(w http.ResponseWriter, r *http.Request) {
	cronID, ok := PathUUID(w, r, "cron_id", h.logger)
	if !ok {
		return
	}

	if err := h.store.DeleteCron(r.Context(), cronID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
