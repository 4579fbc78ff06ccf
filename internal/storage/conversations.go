package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/parley/internal/model"
)

const conversationColumns = `id, user_id, title, archived, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// CreateConversation inserts a conversation, filling ID and timestamps when unset.
func (db *DB) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.UserID, conv.Title, conv.Archived, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a non-deleted conversation owned by userID.
func (db *DB) GetConversation(ctx context.Context, userID string, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (db *DB) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversation applies the non-nil fields.
func (db *DB) UpdateConversation(ctx context.Context, userID string, id uuid.UUID, title *string, archived *bool) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`UPDATE conversations
		 SET title = COALESCE($3, title),
		     archived = COALESCE($4, archived),
		     updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		 RETURNING `+conversationColumns,
		id, userID, title, archived,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: update conversation: %w", err)
	}
	return c, nil
}

// DeleteConversation soft-deletes a conversation. Runs and messages are kept for audit.
func (db *DB) DeleteConversation(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateMessage inserts a message and bumps the conversation's updated_at.
func (db *DB) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, text, attachments, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.Attachments, msg.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`, msg.ConversationID, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, role, text, attachments, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at, id
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.Attachments, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetFile returns a file owned by userID.
func (db *DB) GetFile(ctx context.Context, userID string, id uuid.UUID) (model.File, error) {
	var f model.File
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, filename, content_type, text_content, created_at
		 FROM files WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&f.ID, &f.UserID, &f.Filename, &f.ContentType, &f.TextContent, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.File{}, fmt.Errorf("storage: file %s: %w", id, ErrNotFound)
		}
		return model.File{}, fmt.Errorf("storage: get file: %w", err)
	}
	return f, nil
}

// InsertFile stores file metadata and extracted text. Upload handling lives
// outside this service; the method exists for seeding and tests.
func (db *DB) InsertFile(ctx context.Context, f model.File) (model.File, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO files (id, user_id, filename, content_type, text_content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.UserID, f.Filename, f.ContentType, f.TextContent, f.CreatedAt,
	)
	if err != nil {
		return model.File{}, fmt.Errorf("storage: insert file: %w", err)
	}
	return f, nil
}
