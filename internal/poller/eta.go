package poller

import (
	"fmt"
	"time"

	"github.com/raidwatch/backend/internal/event"
)

// Window is the respawn interval range of a world event.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Expected is the midpoint of the window, or the fixed value.
func (w Window) Expected() time.Duration {
	return w.Min + (w.Max-w.Min)/2
}

// RespawnWindows holds the known respawn intervals per world event.
var RespawnWindows = map[event.WorldEvent]Window{
	event.CargoShip:        {Min: 2 * time.Hour, Max: 4 * time.Hour},
	event.PatrolHelicopter: {Min: 2 * time.Hour, Max: 4 * time.Hour},
	event.HeavyAPC:         {Min: 30 * time.Minute, Max: 30 * time.Minute},
	event.OilRig:           {Min: 15 * time.Minute, Max: 15 * time.Minute},
}

// RespawnETA returns the time left until kind is expected back. ok is false
// when the timer is active or no despawn has been seen.
func RespawnETA(kind event.WorldEvent, t EventTimer, now time.Time) (remaining time.Duration, ok bool) {
	if t.Active || t.DespawnedAt.IsZero() {
		return 0, false
	}
	w, known := RespawnWindows[kind]
	if !known {
		return 0, false
	}
	return w.Expected() - now.Sub(t.DespawnedAt), true
}

// Describe renders a one-line status of kind for chat.
func Describe(kind event.WorldEvent, t EventTimer, now time.Time) string {
	label := kind.Label()
	switch {
	case t.Active && !t.SpawnedAt.IsZero():
		return fmt.Sprintf("%s is up (for %s)", label, formatDuration(now.Sub(t.SpawnedAt)))
	case t.Active:
		return fmt.Sprintf("%s is up", label)
	case t.DespawnedAt.IsZero():
		return fmt.Sprintf("%s: no sighting yet", label)
	}
	remaining, ok := RespawnETA(kind, t, now)
	if !ok {
		return fmt.Sprintf("%s left %s ago", label, formatDuration(now.Sub(t.DespawnedAt)))
	}
	if remaining <= 0 {
		return fmt.Sprintf("%s may have already respawned", label)
	}
	return fmt.Sprintf("%s respawns in ~%s", label, formatDuration(remaining))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
