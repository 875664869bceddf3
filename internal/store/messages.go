package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lox/workspaceai/internal/agent"
)

// Message is one entry in an owner's conversation audit log. Content is the
// JSON encoding of whatever was recorded: a string for user and assistant
// text, an object for tool results.
type Message struct {
	ID        string
	OwnerID   string
	Role      agent.Role
	Content   json.RawMessage
	CreatedAt time.Time
}

// Text returns the content as a string when it was recorded as one.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// MessageLog records the conversation. Messages are listed newest first.
type MessageLog interface {
	AppendMessage(ctx context.Context, ownerID string, role agent.Role, content any) (Message, error)
	ListMessages(ctx context.Context, ownerID string, limit int) ([]Message, error)
	GetMessage(ctx context.Context, ownerID, id string) (Message, error)
}

// MaxMessageListLimit caps ListMessages.
const MaxMessageListLimit = 200

func clampMessageLimit(limit int) int {
	if limit <= 0 || limit > MaxMessageListLimit {
		return MaxMessageListLimit
	}
	return limit
}
