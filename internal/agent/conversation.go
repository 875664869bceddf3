package agent

import (
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContextItem is one role-tagged entry of the conversation passed to the
// planner. Content is either a string or any JSON-encodable value.
type ContextItem struct {
	Role    Role `json:"role"`
	Content any  `json:"content"`
}

// Conversation is an append-only, chronologically ordered list of context
// items for a single orchestration pass.
type Conversation struct {
	items []ContextItem
}

func NewConversation(items ...ContextItem) *Conversation {
	c := &Conversation{}
	for _, item := range items {
		c.Append(item.Role, item.Content)
	}
	return c
}

func (c *Conversation) Append(role Role, content any) {
	c.items = append(c.items, ContextItem{Role: role, Content: content})
}

// Items returns a copy of the items in the order they were appended.
func (c *Conversation) Items() []ContextItem {
	out := make([]ContextItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Conversation) Len() int {
	return len(c.items)
}

type encodedContextItem struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// encodeContextItems flattens structured content into JSON strings so every
// item can be sent as a chat message.
func encodeContextItems(items []ContextItem) []encodedContextItem {
	out := make([]encodedContextItem, 0, len(items))
	for _, item := range items {
		role := item.Role
		if role == "" {
			role = RoleUser
		}
		out = append(out, encodedContextItem{Role: role, Content: contentString(item.Content)})
	}
	return out
}

func contentString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
