package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/storage"
)

// CreateConversation stores a conversation, filling ID and timestamps when unset.
func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, err
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = &conversation{Conversation: conv}
	return conv, nil
}

// lookupConversation must be called with s.mu held.
func (s *Store) lookupConversation(userID string, id uuid.UUID) (*conversation, error) {
	c, ok := s.conversations[id]
	if !ok || c.deleted || c.UserID != userID {
		return nil, fmt.Errorf("memory: conversation %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

// GetConversation returns a non-deleted conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, userID string, id uuid.UUID) (model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupConversation(userID, id)
	if err != nil {
		return model.Conversation{}, err
	}
	return c.Conversation, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Conversation{}
	for _, c := range s.conversations {
		if c.UserID == userID && !c.deleted {
			out = append(out, c.Conversation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, limit, offset), nil
}

// UpdateConversation applies the non-nil fields.
func (s *Store) UpdateConversation(ctx context.Context, userID string, id uuid.UUID, title *string, archived *bool) (model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupConversation(userID, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if title != nil {
		c.Title = *title
	}
	if archived != nil {
		c.Archived = *archived
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Conversation, nil
}

// DeleteConversation soft-deletes a conversation.
func (s *Store) DeleteConversation(ctx context.Context, userID string, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupConversation(userID, id)
	if err != nil {
		return err
	}
	c.deleted = true
	return nil
}

// CreateMessage appends a message to its conversation.
func (s *Store) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Attachments = slices.Clone(msg.Attachments)
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return model.Message{}, fmt.Errorf("memory: conversation %s: %w", msg.ConversationID, storage.ErrNotFound)
	}
	c.UpdatedAt = msg.CreatedAt
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return msg, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return page(slices.Clone(s.messages[conversationID]), limit, offset), nil
}

// PutFile stores a file. Used for seeding and tests.
func (s *Store) PutFile(f model.File) model.File {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return f
}

// GetFile returns a file owned by userID.
func (s *Store) GetFile(ctx context.Context, userID string, id uuid.UUID) (model.File, error) {
	if err := ctx.Err(); err != nil {
		return model.File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.UserID != userID {
		return model.File{}, fmt.Errorf("memory: file %s: %w", id, storage.ErrNotFound)
	}
	return f, nil
}

// ---- idempotency ---------------------------------------------------------

// BeginIdempotency reserves a key for processing, mirroring the Postgres store.
func (s *Store) BeginIdempotency(ctx context.Context, userID, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyLookup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{userID, endpoint, key}
	e, ok := s.idem[k]
	if !ok {
		s.idem[k] = &idemEntry{hash: requestHash, updatedAt: time.Now()}
		return storage.IdempotencyLookup{}, nil
	}
	if e.hash != requestHash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if e.completed {
		return storage.IdempotencyLookup{Completed: true, StatusCode: e.statusCode, ResponseData: e.response}, nil
	}
	return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
}

// CompleteIdempotency stores the final response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, userID, endpoint, key string, statusCode int, responseData any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("memory: marshal idempotency response: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idem[idemKey{userID, endpoint, key}]
	if !ok || e.completed {
		return fmt.Errorf("memory: complete idempotency: key not found or not in_progress")
	}
	e.completed = true
	e.statusCode = statusCode
	e.response = payload
	e.updatedAt = time.Now()
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation.
func (s *Store) ClearInProgressIdempotency(ctx context.Context, userID, endpoint, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{userID, endpoint, key}
	if e, ok := s.idem[k]; ok && !e.completed {
		delete(s.idem, k)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed and abandoned in-progress keys.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for k, e := range s.idem {
		ttl := inProgressTTL
		if e.completed {
			ttl = completedTTL
		}
		if now.Sub(e.updatedAt) > ttl {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
