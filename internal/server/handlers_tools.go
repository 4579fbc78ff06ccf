package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
)

// HandleToolRegistry handles GET /v1/tools/registry.
func (h *Handlers) HandleToolRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.catalog.List())
}

// HandleInvokeTool handles POST /v1/tools/{name}?conversation_id=. The body
// is the tool's argument object. Tools that need confirmation come back as
// an awaiting_confirmation run; the rest are already dispatched. Either way
// the outcome arrives on the conversation's event stream.
func (h *Handlers) HandleInvokeTool(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	convID, err := uuid.Parse(r.URL.Query().Get("conversation_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "conversation_id query parameter must be a UUID")
		return
	}

	var args map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "body must be a JSON object of tool arguments")
		return
	}
	if args == nil {
		args = map[string]any{}
	}

	idem, proceed := h.beginIdempotentWrite(w, r, user.ID, "POST:/v1/tools/"+name+"?conversation_id="+convID.String(), args)
	if !proceed {
		return
	}

	run, err := h.chat.Invoke(r.Context(), user, convID, name, args)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeDomainError(w, r, err)
		return
	}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusAccepted, run)
	writeJSON(w, r, http.StatusAccepted, run)
}
