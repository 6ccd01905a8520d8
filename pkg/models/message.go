package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one immutable entry in a conversation.
//
// Content may be empty only for assistant messages that carry tool-invocation
// data instead of text.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// HasToolData reports whether the message carries tool invocations.
func (m *Message) HasToolData() bool {
	return len(m.ToolCalls) > 0 || len(m.ToolResults) > 0
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			clone.ToolCalls[i] = ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: cloneRaw(call.Arguments),
			}
		}
	}
	if m.ToolResults != nil {
		clone.ToolResults = make([]ToolResult, len(m.ToolResults))
		for i, result := range m.ToolResults {
			clone.ToolResults[i] = ToolResult{
				ToolCallID: result.ToolCallID,
				Name:       result.Name,
				Result:     cloneRaw(result.Result),
			}
		}
	}
	return &clone
}

// ToolCall is an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one ToolCall. Result is always set; failures
// are encoded as an object with an "error" field.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result"`
}

// IsError reports whether the result payload is an error object.
func (r ToolResult) IsError() bool {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(r.Result, &probe); err != nil {
		return false
	}
	return probe.Error != nil
}

// MessageView is the client-facing projection of a Message. Field order is
// part of the wire format.
type MessageView struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// View projects the message for clients.
func (m *Message) View() MessageView {
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Views projects a slice of messages, never returning nil.
func Views(messages []*Message) []MessageView {
	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		views = append(views, msg.View())
	}
	return views
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
