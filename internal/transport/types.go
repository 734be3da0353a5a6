package transport

import (
	"time"
)

// AppEmpty marks a request or response variant that carries no body.
type AppEmpty struct{}

// AppRequest is a single client-to-server request. Exactly one of the
// variant pointers is set.
type AppRequest struct {
	Seq             uint32             `json:"seq"`
	PlayerID        string             `json:"playerId"`
	PlayerToken     string             `json:"playerToken"`
	EntityID        uint32             `json:"entityId,omitempty"`
	GetInfo         *AppEmpty          `json:"getInfo,omitempty"`
	GetMapMarkers   *AppEmpty          `json:"getMapMarkers,omitempty"`
	GetEntityInfo   *AppEmpty          `json:"getEntityInfo,omitempty"`
	SetEntityValue  *AppSetEntityValue `json:"setEntityValue,omitempty"`
	SendTeamMessage *AppSendMessage    `json:"sendTeamMessage,omitempty"`
}

type AppSetEntityValue struct {
	Value bool `json:"value"`
}

type AppSendMessage struct {
	Message string `json:"message"`
}

// AppMessage is the envelope for every server-to-client frame. A frame is
// either the response to a request (correlated by Seq) or an unsolicited
// broadcast.
type AppMessage struct {
	Response  *AppResponse  `json:"response,omitempty"`
	Broadcast *AppBroadcast `json:"broadcast,omitempty"`
}

type AppResponse struct {
	Seq        uint32         `json:"seq"`
	Success    *AppEmpty      `json:"success,omitempty"`
	Error      *AppError      `json:"error,omitempty"`
	Info       *ServerInfo    `json:"info,omitempty"`
	MapMarkers *AppMapMarkers `json:"mapMarkers,omitempty"`
	EntityInfo *EntityInfo    `json:"entityInfo,omitempty"`
}

type AppError struct {
	Error string `json:"error"`
}

type ServerInfo struct {
	Name          string `json:"name"`
	Map           string `json:"map"`
	MapSize       uint32 `json:"mapSize"`
	Players       uint32 `json:"players"`
	MaxPlayers    uint32 `json:"maxPlayers"`
	QueuedPlayers uint32 `json:"queuedPlayers"`
	Seed          uint32 `json:"seed"`
}

type AppMapMarkers struct {
	Markers []Marker `json:"markers"`
}

// MarkerType enumerates map marker kinds as numbered on the wire.
type MarkerType int32

const (
	MarkerPlayer           MarkerType = 1
	MarkerExplosion        MarkerType = 2
	MarkerVendingMachine   MarkerType = 3
	MarkerCH47             MarkerType = 4
	MarkerCargoShip        MarkerType = 5
	MarkerCrate            MarkerType = 6
	MarkerGenericRadius    MarkerType = 7
	MarkerPatrolHelicopter MarkerType = 8
)

type Marker struct {
	ID       uint32     `json:"id"`
	Type     MarkerType `json:"type"`
	X        float32    `json:"x"`
	Y        float32    `json:"y"`
	Rotation float32    `json:"rotation,omitempty"`
	Name     string     `json:"name,omitempty"`
}

// EntityType is the device type reported by an entity-info response.
type EntityType int32

const (
	EntitySwitch         EntityType = 1
	EntityAlarm          EntityType = 2
	EntityStorageMonitor EntityType = 3
)

type EntityInfo struct {
	Type    EntityType     `json:"type"`
	Payload *EntityPayload `json:"payload,omitempty"`
}

// EntityPayload is the state of an entity. Its fields are populated
// depending on the device type, which the payload itself does not state.
// Items is nil when the field is absent and non-nil (possibly empty) when
// present.
type EntityPayload struct {
	Value            *bool        `json:"value,omitempty"`
	Items            []EntityItem `json:"items"`
	Capacity         *int32       `json:"capacity,omitempty"`
	HasProtection    *bool        `json:"hasProtection,omitempty"`
	ProtectionExpiry uint32       `json:"protectionExpiry,omitempty"`
}

type EntityItem struct {
	ItemID          int32 `json:"itemId"`
	Quantity        int32 `json:"quantity"`
	ItemIsBlueprint bool  `json:"itemIsBlueprint,omitempty"`
}

type AppBroadcast struct {
	TeamMessage   *AppTeamMessage   `json:"teamMessage,omitempty"`
	EntityChanged *AppEntityChanged `json:"entityChanged,omitempty"`
}

type AppTeamMessage struct {
	Message *AppChatMessage `json:"message"`
}

type AppChatMessage struct {
	SteamID string `json:"steamId"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Color   string `json:"color,omitempty"`
	Time    int64  `json:"time"`
}

// SentAt converts the wire timestamp (unix seconds) to a time.Time. A zero
// timestamp yields the zero time.
func (m *AppChatMessage) SentAt() time.Time {
	if m.Time == 0 {
		return time.Time{}
	}
	return time.Unix(m.Time, 0).UTC()
}

type AppEntityChanged struct {
	EntityID uint32         `json:"entityId"`
	Payload  *EntityPayload `json:"payload"`
}
