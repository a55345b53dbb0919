package transport

import (
	"encoding/json"
	"time"
)

// wireMessage is the type-peek for frames in both directions.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomEvent is one committed message on the persona's feed. Seq increases
// monotonically across the whole feed; within a room every session observes
// events in seq order.
type RoomEvent struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	Body       string    `json:"body"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"ts"`
}

type connectParams struct {
	User   string        `json:"user"`
	Token  string        `json:"token"`
	Nonce  string        `json:"nonce"`
	Client connectClient `json:"client"`
}

type connectClient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
}

type resumeParams struct {
	Cursor int64 `json:"cursor"`
}

type sendParams struct {
	RoomID         string `json:"roomId"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type typingParams struct {
	RoomID string `json:"roomId"`
	Typing bool   `json:"typing"`
}
