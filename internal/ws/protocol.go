package ws

import (
	"time"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/event"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []app.SessionStatus `json:"sessions"`
}

// EventPayload carries one normalized event from a session or its poller.
type EventPayload struct {
	Server string      `json:"server"`
	Kind   string      `json:"kind"`
	At     time.Time   `json:"at"`
	Event  event.Event `json:"event"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
