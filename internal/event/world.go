package event

// WorldEvent is a transient map occurrence tracked by the poller.
type WorldEvent int

const (
	CargoShip WorldEvent = iota
	PatrolHelicopter
	HeavyAPC
	OilRig
)

// WorldEvents lists every tracked kind in announcement order.
var WorldEvents = []WorldEvent{CargoShip, PatrolHelicopter, HeavyAPC, OilRig}

var worldEventNames = map[WorldEvent]string{
	CargoShip:        "cargo_ship",
	PatrolHelicopter: "patrol_helicopter",
	HeavyAPC:         "heavy_apc",
	OilRig:           "oil_rig",
}

var worldEventLabels = map[WorldEvent]string{
	CargoShip:        "Cargo Ship",
	PatrolHelicopter: "Patrol Helicopter",
	HeavyAPC:         "Bradley APC",
	OilRig:           "Oil Rig crate",
}

func (w WorldEvent) String() string {
	if s, ok := worldEventNames[w]; ok {
		return s
	}
	return "unknown"
}

// Label is the human-readable name used in chat alerts.
func (w WorldEvent) Label() string {
	if s, ok := worldEventLabels[w]; ok {
		return s
	}
	return w.String()
}
