package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments"`
	CreatedAt      time.Time `json:"created_at"`
}

// File is an uploaded document that messages can reference as an attachment.
// Uploading is handled elsewhere; this core only reads files.
type File struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	TextContent string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
