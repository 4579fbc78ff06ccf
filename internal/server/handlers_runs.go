package server

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/storage"
)

// HandleListRuns handles GET /v1/conversations/{id}/runs. The most recent
// runs come first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.store.GetConversation(r.Context(), user.ID, convID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	list, err := h.runs.ListByConversation(r.Context(), convID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if list == nil {
		list = []model.Run{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if err == nil && run.UserID != user.ID {
		// Other users' runs are indistinguishable from missing ones.
		err = fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	steps, err := h.runs.Steps(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list steps", err)
		return
	}
	if steps == nil {
		steps = []model.Step{}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("parley.run_id", runID.String()),
		attribute.String("parley.run_status", string(run.Status)),
	)
	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Steps: steps})
}

// HandleConfirmRun handles POST /v1/runs/{run_id}/confirm.
func (h *Handlers) HandleConfirmRun(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.chat.ConfirmRun(r.Context(), user, runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.chat.CancelRun(r.Context(), user, runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}
