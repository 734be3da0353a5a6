package session

import (
	"encoding/json"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

// States lists every state, in lifecycle order.
var States = []State{Idle, Connecting, Connected, Reconnecting, Failed}

var stateNames = map[State]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Failed:       "failed",
}

var stateFromName = map[string]State{
	"idle":         Idle,
	"connecting":   Connecting,
	"connected":    Connected,
	"reconnecting": Reconnecting,
	"failed":       Failed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

func stateLabels() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = s.String()
	}
	return out
}

// Status is a point-in-time snapshot of a Session, safe to retain.
type Status struct {
	Address  string `json:"address"`
	OwnerID  string `json:"ownerId"`
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
}
