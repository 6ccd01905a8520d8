// Package gateway serves chat sessions over WebSocket.
//
// Each connection runs one Session: setup resolves the owner and
// conversation, a watchdog closes stale connections and a sequential
// message loop feeds user messages through the Pipeline.
package gateway

import (
	"encoding/json"

	"github.com/haasonsaas/goalchat/pkg/models"
)

// Inbound frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
)

// Outbound frame types. FrameMessage is shared with inbound.
const (
	FrameHistory = "history"
	FrameError   = "error"
	FramePong    = "pong"
)

// Error texts sent to clients.
const (
	errInvalidJSON     = "Invalid JSON format"
	errEmptyContent    = "Message content cannot be empty"
	errProcessing      = "Sorry, I couldn't process your message. Please try again."
	errFrameFailed     = "Failed to process message"
	errUnknownTypeText = "Unknown message type: "
)

// Envelope is an inbound client frame.
type Envelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// decodeEnvelope parses one inbound frame. A frame without a type decodes
// fine and is reported as an unknown type by the caller.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Frame is an outbound server frame.
type Frame struct {
	Type     string
	Data     *models.MessageView
	Messages []models.MessageView
	Error    string
}

// MessageFrame wraps one persisted message.
func MessageFrame(msg *models.Message) Frame {
	view := msg.View()
	return Frame{Type: FrameMessage, Data: &view}
}

// HistoryFrame carries the conversation loaded at setup.
func HistoryFrame(messages []*models.Message) Frame {
	return Frame{Type: FrameHistory, Messages: models.Views(messages)}
}

// ErrorFrame reports a recoverable failure.
func ErrorFrame(text string) Frame {
	return Frame{Type: FrameError, Error: text}
}

// PongFrame answers a ping.
func PongFrame() Frame {
	return Frame{Type: FramePong}
}

// MarshalJSON emits only the fields of the frame's type, so a history
// frame always carries a messages array, even an empty one.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameHistory:
		messages := f.Messages
		if messages == nil {
			messages = []models.MessageView{}
		}
		return json.Marshal(struct {
			Type     string               `json:"type"`
			Messages []models.MessageView `json:"messages"`
		}{f.Type, messages})
	case FrameMessage:
		return json.Marshal(struct {
			Type string              `json:"type"`
			Data *models.MessageView `json:"data"`
		}{f.Type, f.Data})
	case FrameError:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}{f.Type, f.Error})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{f.Type})
	}
}
