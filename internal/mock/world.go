package mock

import (
	"context"
	"math/rand"
	"time"

	"github.com/raidwatch/backend/internal/transport"
)

// Demo device ids seeded by Populate.
const (
	DemoAlarmID   uint32 = 1001
	DemoSwitchID  uint32 = 1002
	DemoStorageID uint32 = 1003

	demoStorageCapacity = 24
)

// Populate seeds a believable world: a 4000-unit map, one alarm, one
// switch and one storage monitor.
func (s *Server) Populate() {
	s.SetMapSize(4000)
	off := false
	s.AddEntity(DemoAlarmID, transport.EntityAlarm, transport.EntityPayload{Value: &off})
	s.AddEntity(DemoSwitchID, transport.EntitySwitch, transport.EntityPayload{Value: &off})
	capacity := int32(demoStorageCapacity)
	s.AddEntity(DemoStorageID, transport.EntityStorageMonitor, transport.EntityPayload{
		Items:    []transport.EntityItem{},
		Capacity: &capacity,
	})
}

// Run advances the demo world every tick until ctx is done: world events
// appear and leave on staggered cycles, the storage monitor fills and
// empties, and the alarm fires now and then.
func (s *Server) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			s.advance(n)
		}
	}
}

func (s *Server) advance(n int) {
	var markers []transport.Marker
	if n%40 < 18 {
		markers = append(markers, transport.Marker{ID: 1, Type: transport.MarkerCargoShip, X: 300 + float32(n*10%3000), Y: 3850})
	}
	if n%30 >= 10 && n%30 < 16 {
		markers = append(markers, transport.Marker{ID: 2, Type: transport.MarkerPatrolHelicopter, X: 2000, Y: 2000})
	}
	if n%50 >= 25 && n%50 < 27 {
		markers = append(markers, transport.Marker{ID: 3, Type: transport.MarkerExplosion, X: 1450, Y: 900})
	}
	if n%60 >= 45 {
		markers = append(markers, transport.Marker{ID: 4, Type: transport.MarkerCrate, X: 3600, Y: 400})
	}
	s.SetMarkers(markers...)

	// Storage sweeps 0..capacity and back so fill alerts re-arm.
	phase := n % (2 * demoStorageCapacity)
	filled := phase
	if phase > demoStorageCapacity {
		filled = 2*demoStorageCapacity - phase
	}
	items := make([]transport.EntityItem, filled)
	for i := range items {
		items[i] = transport.EntityItem{ItemID: -932201673, Quantity: int32(100 + rand.Intn(900))}
	}
	capacity := int32(demoStorageCapacity)
	s.Broadcast(&transport.AppBroadcast{EntityChanged: &transport.AppEntityChanged{
		EntityID: DemoStorageID,
		Payload:  &transport.EntityPayload{Items: items, Capacity: &capacity},
	}})

	if rand.Intn(20) == 0 {
		on := true
		s.Broadcast(&transport.AppBroadcast{EntityChanged: &transport.AppEntityChanged{
			EntityID: DemoAlarmID,
			Payload:  &transport.EntityPayload{Value: &on},
		}})
	}
}
