// Package events contains the message envelopes sent over the
// /api/hash/stream websocket.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeHash carries one generated hash.
	MessageTypeHash MessageType = "hash:generated"
	// MessageTypeBatchDone closes a requested batch.
	MessageTypeBatchDone MessageType = "hash:batch_done"

	// System messages
	MessageTypeSystemStats MessageType = "system:stats"

	// Connection messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// HashEvent is the payload of a hash:generated message.
type HashEvent struct {
	Sequence int    `json:"sequence"`
	Variant  string `json:"variant"`
	Hash     string `json:"hash"`
	Epoch    uint64 `json:"epoch"`
}

// BatchDoneEvent is the payload of a hash:batch_done message.
type BatchDoneEvent struct {
	Count     int   `json:"count"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// ErrorEvent is the payload of an error message.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
	Fatal   bool   `json:"fatal"`
}

// NewMessage stamps a message of type t at now.
func NewMessage(t MessageType, traceID string, data interface{}, now time.Time) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{Type: t, Timestamp: now, TraceID: traceID},
		Data:        data,
	}
}
