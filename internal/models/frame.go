package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType names the kind of a WebSocket frame
type MessageType string

const (
	// Requests, answered by a response frame with the same id
	MessageTypeInit    MessageType = "init"
	MessageTypeWatch   MessageType = "watch"
	MessageTypeUnwatch MessageType = "unwatch"
	MessageTypeForget  MessageType = "forget"
	MessageTypeSync    MessageType = "sync"

	// Server messages
	MessageTypeResponse MessageType = "response"
	MessageTypePush     MessageType = "push"
	MessageTypeError    MessageType = "error"
)

// Frame is one WebSocket message. Requests carry a client-chosen id that
// comes back on their response; pushes have none.
type Frame struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a frame
func NewFrame(t MessageType, id string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, ID: id, Data: raw}, nil
}

// ConnectionInfo describes one transport connection for logs and spans
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"` // "websocket" or "http"
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewConnectionInfo stamps a new connection with a random id
func NewConnectionInfo(transport, remoteAddr string) *ConnectionInfo {
	return &ConnectionInfo{
		ID:          uuid.NewString(),
		Transport:   transport,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}
