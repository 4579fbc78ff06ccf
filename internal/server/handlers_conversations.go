package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/model"
)

// HandleCreateConversation handles POST /v1/conversations.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req model.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = model.DefaultConversationTitle
	}
	conv, err := h.store.CreateConversation(r.Context(), model.Conversation{
		ID:     uuid.New(),
		UserID: user.ID,
		Title:  title,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create conversation", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, conv)
}

// HandleListConversations handles GET /v1/conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)
	convs, err := h.store.ListConversations(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list conversations", err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeList(w, r, convs, len(convs), limit, offset)
}

// HandleGetConversation handles GET /v1/conversations/{id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	conv, err := h.store.GetConversation(r.Context(), user.ID, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleUpdateConversation handles PATCH /v1/conversations/{id}.
func (h *Handlers) HandleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" {
			// A blank title keeps the current one.
			req.Title = nil
		} else {
			req.Title = &t
		}
	}
	conv, err := h.store.UpdateConversation(r.Context(), user.ID, id, req.Title, req.Archived)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleDeleteConversation handles DELETE /v1/conversations/{id}.
func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.store.DeleteConversation(r.Context(), user.ID, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePostMessage handles POST /v1/conversations/{id}/messages. The
// message is persisted and any run it starts proceeds in the background, so
// the response is 202 with the run as it stands.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text or attachments is required")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, user.ID, "POST:/v1/conversations/"+convID.String()+"/messages", req)
	if !proceed {
		return
	}

	resp, err := h.chat.HandleMessage(r.Context(), user, convID, req.Text, req.Attachments)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeDomainError(w, r, err)
		return
	}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusAccepted, resp)
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleListMessages handles GET /v1/conversations/{id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
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
	limit, offset := queryLimit(r, 100), queryOffset(r)
	msgs, err := h.store.ListMessages(r.Context(), convID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list messages", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeList(w, r, msgs, len(msgs), limit, offset)
}

// HandleStream handles GET /v1/conversations/{id}/stream (SSE).
//
// The subscription is taken before anything is written, so every event
// published after the ": connected" comment reaches this client. The
// subscription is released when the client goes away or the broker closes.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
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

	rc := http.NewResponseController(w)
	sub := h.broker.Subscribe(convID)
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.Warn("stream: flush unsupported", "error", err)
		return
	}

	// Events and keepalives share the writer; a failed write ends the stream.
	var mu sync.Mutex
	send := func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	ctx, cancel := context.WithCancel(r.Context())
	pinged := make(chan struct{})
	go func() {
		defer close(pinged)
		keepalive := time.NewTicker(h.keepalive)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if err := send([]byte(": keepalive\n\n")); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-pinged
	}()

	for ev := range h.broker.Stream(ctx, sub) {
		frame, err := broker.FormatSSE(ev)
		if err != nil {
			h.logger.Warn("stream: unencodable event", "event", ev.Name, "error", err)
			continue
		}
		if err := send(frame); err != nil {
			return
		}
	}
}
