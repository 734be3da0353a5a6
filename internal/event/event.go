// Package event defines the normalized events a session emits. The set of
// variants is closed: every type implementing Event lives in this package.
package event

import (
	"time"
)

// Kind identifies an event variant.
type Kind int

const (
	KindTeamMessage Kind = iota
	KindAlarmTriggered
	KindSwitchChanged
	KindStorageUpdated
	KindConnected
	KindDisconnected
	KindReconnecting
	KindReconnectFailed
	KindSpawn
	KindDespawn
	KindTransportError
)

var kindNames = map[Kind]string{
	KindTeamMessage:     "team_message",
	KindAlarmTriggered:  "alarm_triggered",
	KindSwitchChanged:   "switch_changed",
	KindStorageUpdated:  "storage_updated",
	KindConnected:       "connected",
	KindDisconnected:    "disconnected",
	KindReconnecting:    "reconnecting",
	KindReconnectFailed: "reconnect_failed",
	KindSpawn:           "spawn",
	KindDespawn:         "despawn",
	KindTransportError:  "transport_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is implemented by every normalized event variant.
type Event interface {
	Kind() Kind
	isEvent()
}

// Item is one occupied slot reported by a storage monitor.
type Item struct {
	ItemID      int32 `json:"itemId" bson:"item_id"`
	Quantity    int32 `json:"quantity" bson:"quantity"`
	IsBlueprint bool  `json:"isBlueprint,omitempty" bson:"is_blueprint,omitempty"`
}

type TeamMessage struct {
	SenderID   string    `json:"senderId" bson:"sender_id"`
	SenderName string    `json:"senderName" bson:"sender_name"`
	Text       string    `json:"text" bson:"text"`
	Time       time.Time `json:"time" bson:"time"`
}

type AlarmTriggered struct {
	EntityID uint32 `json:"entityId" bson:"entity_id"`
}

type SwitchChanged struct {
	EntityID uint32 `json:"entityId" bson:"entity_id"`
	Value    bool   `json:"value" bson:"value"`
}

// StorageUpdated carries the full slot list of a storage monitor. Items is
// never nil for a classified update, even when the container is empty.
type StorageUpdated struct {
	EntityID uint32 `json:"entityId" bson:"entity_id"`
	Items    []Item `json:"items" bson:"items"`
	Capacity int    `json:"capacity" bson:"capacity"`
}

// FillRatio returns occupied slots over capacity, or 0 when capacity is
// unknown.
func (s StorageUpdated) FillRatio() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(len(s.Items)) / float64(s.Capacity)
}

type Connected struct{}

type Disconnected struct {
	Intentional bool `json:"intentional" bson:"intentional"`
}

type Reconnecting struct {
	Attempt int           `json:"attempt" bson:"attempt"`
	Delay   time.Duration `json:"delay" bson:"delay"`
}

// DelayMs returns the scheduled backoff in milliseconds.
func (r Reconnecting) DelayMs() int64 {
	return r.Delay.Milliseconds()
}

type ReconnectFailed struct {
	Attempts int `json:"attempts" bson:"attempts"`
}

type Spawn struct {
	Type WorldEvent `json:"type" bson:"type"`
	Grid string     `json:"grid,omitempty" bson:"grid,omitempty"`
	At   time.Time  `json:"at" bson:"at"`
}

type Despawn struct {
	Type WorldEvent `json:"type" bson:"type"`
	At   time.Time  `json:"at" bson:"at"`
}

// TransportError reports a transport fault. It is informational; the
// reconnect state machine reacts to the accompanying disconnect.
type TransportError struct {
	Err error `json:"-" bson:"-"`
}

func (TeamMessage) Kind() Kind     { return KindTeamMessage }
func (AlarmTriggered) Kind() Kind  { return KindAlarmTriggered }
func (SwitchChanged) Kind() Kind   { return KindSwitchChanged }
func (StorageUpdated) Kind() Kind  { return KindStorageUpdated }
func (Connected) Kind() Kind       { return KindConnected }
func (Disconnected) Kind() Kind    { return KindDisconnected }
func (Reconnecting) Kind() Kind    { return KindReconnecting }
func (ReconnectFailed) Kind() Kind { return KindReconnectFailed }
func (Spawn) Kind() Kind           { return KindSpawn }
func (Despawn) Kind() Kind         { return KindDespawn }
func (TransportError) Kind() Kind  { return KindTransportError }

func (TeamMessage) isEvent()     {}
func (AlarmTriggered) isEvent()  {}
func (SwitchChanged) isEvent()   {}
func (StorageUpdated) isEvent()  {}
func (Connected) isEvent()       {}
func (Disconnected) isEvent()    {}
func (Reconnecting) isEvent()    {}
func (ReconnectFailed) isEvent() {}
func (Spawn) isEvent()           {}
func (Despawn) isEvent()         {}
func (TransportError) isEvent()  {}
