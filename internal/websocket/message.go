package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeStateChanged MessageType = "state_changed"
	TypeSyncStatus   MessageType = "sync_status"
	TypeNotification MessageType = "notification"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResult   MessageType = "sync_result"
	TypeError        MessageType = "error"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type SyncResultPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
