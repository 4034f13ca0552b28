// Package wire defines the Terrarium relay WebSocket contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay, the browser client, and the worker to keep
// the wire protocol authoritative.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version embedded into every envelope.
const Version = 1

// Envelope kinds (wire-stable).
const (
	// KindMessage broadcasts a stored chat message (relay -> visitor sockets).
	KindMessage = "message"
	// KindWorkerState broadcasts a worker-state transition (relay -> visitor sockets).
	KindWorkerState = "worker_state"
	// KindChunk broadcasts a streaming partial reply; never persisted.
	KindChunk = "chunk"
	// KindActivity notifies the worker of new activity in a conversation.
	KindActivity = "chat_activity"
	// KindError reports a socket-level error to the peer.
	KindError = "error"
)

var allowedKinds = map[string]struct{}{
	KindMessage:     {},
	KindWorkerState: {},
	KindChunk:       {},
	KindActivity:    {},
	KindError:       {},
}

// Envelope is the canonical wire wrapper. ChatID sits at the top level so the
// worker can route activity events without decoding the payload.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedKinds[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	return nil
}

// MessagePayload carries one stored message.
type MessagePayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerStatePayload carries a worker-state transition for a conversation.
type WorkerStatePayload struct {
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChunkPayload carries a streaming partial reply.
type ChunkPayload struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ActivityPayload carries the message id behind a chat_activity notification.
// The worker fetches full history on demand instead of receiving payloads.
type ActivityPayload struct {
	MessageID string `json:"messageId"`
}

// ErrorPayload is a socket-level error report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an envelope of the given kind, marshaling payload.
// A marshal failure returns an error envelope instead; payloads are plain
// structs so this only trips on programmer error.
func New(kind, chatID string, ts time.Time, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(ErrorPayload{Code: "encode_failed", Message: err.Error()})
		kind = KindError
	}
	return Envelope{
		V:       Version,
		Type:    kind,
		ChatID:  chatID,
		TS:      ts,
		Payload: raw,
	}
}
