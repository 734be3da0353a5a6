package poller

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/transport"
)

type fakeSource struct {
	mu         sync.Mutex
	connected  bool
	markers    []transport.Marker
	markersErr error
	mapSize    uint32
	infoCalls  int
}

func (f *fakeSource) Address() string { return "10.0.0.1:28082" }

func (f *fakeSource) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) MapMarkers(ctx context.Context) ([]transport.Marker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markersErr != nil {
		return nil, f.markersErr
	}
	return append([]transport.Marker(nil), f.markers...), nil
}

func (f *fakeSource) ServerInfo(ctx context.Context) (*transport.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return &transport.ServerInfo{MapSize: f.mapSize}, nil
}

func (f *fakeSource) set(markers ...transport.Marker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = markers
}

var cargo = transport.Marker{ID: 1, Type: transport.MarkerCargoShip, X: 300, Y: 3850}

// newStarted returns a poller with blank timers, as after Start, but with
// no background goroutine so tests drive ticks directly.
func newStarted(src Source) (*Poller, *[]event.Event) {
	p := New(src, Config{})
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	var got []event.Event
	p.Subscribe(func(ev event.Event) { got = append(got, ev) })
	return p, &got
}

func TestBaselineThenDespawn(t *testing.T) {
	src := &fakeSource{connected: true, mapSize: 4000}
	p, got := newStarted(src)
	ctx := context.Background()

	src.set(cargo)
	p.tick(ctx)
	if len(*got) != 0 {
		t.Fatalf("baseline tick emitted %v", *got)
	}
	if !p.Timers()[event.CargoShip].Active {
		t.Error("baseline did not mark cargo active")
	}

	p.tick(ctx)
	if len(*got) != 0 {
		t.Fatalf("unchanged tick emitted %v", *got)
	}

	src.set()
	p.tick(ctx)
	if len(*got) != 1 {
		t.Fatalf("got %d events, want 1", len(*got))
	}
	d, ok := (*got)[0].(event.Despawn)
	if !ok || d.Type != event.CargoShip {
		t.Errorf("event = %#v, want cargo Despawn", (*got)[0])
	}
	if p.Timers()[event.CargoShip].DespawnedAt.IsZero() {
		t.Error("despawn time not recorded")
	}
}

func TestSpawnCarriesGrid(t *testing.T) {
	src := &fakeSource{connected: true, mapSize: 4000}
	p, got := newStarted(src)
	ctx := context.Background()

	p.tick(ctx) // baseline: nothing present
	src.set(cargo)
	evs := p.tick(ctx)
	want := []event.Kind{event.KindSpawn}
	if len(evs) != 1 || evs[0].Kind() != want[0] {
		t.Fatalf("events = %v", evs)
	}
	s := evs[0].(event.Spawn)
	if s.Type != event.CargoShip || s.Grid != "C2" {
		t.Errorf("spawn = %+v, want cargo at C2", s)
	}
	if !reflect.DeepEqual(*got, evs) {
		t.Error("observers did not receive the same events")
	}
}

func TestOilRigCompositePresence(t *testing.T) {
	src := &fakeSource{connected: true}
	p, got := newStarted(src)
	ctx := context.Background()

	p.tick(ctx)
	src.set(transport.Marker{Type: transport.MarkerCH47})
	p.tick(ctx)
	src.set(transport.Marker{Type: transport.MarkerCrate})
	p.tick(ctx) // still present via the other marker kind
	src.set(transport.Marker{Type: transport.MarkerCrate}, transport.Marker{Type: transport.MarkerCH47})
	p.tick(ctx)
	src.set()
	p.tick(ctx)

	var kinds []event.Kind
	for _, ev := range *got {
		kinds = append(kinds, ev.Kind())
	}
	if !reflect.DeepEqual(kinds, []event.Kind{event.KindSpawn, event.KindDespawn}) {
		t.Errorf("kinds = %v, want one spawn and one despawn", kinds)
	}
	if s := (*got)[0].(event.Spawn); s.Type != event.OilRig || s.Grid != "unknown" {
		t.Errorf("spawn = %+v, want oil rig with unknown grid", s)
	}
}

func TestAllKindsTracked(t *testing.T) {
	src := &fakeSource{connected: true, mapSize: 3000}
	p, got := newStarted(src)
	ctx := context.Background()
	p.tick(ctx)
	src.set(
		transport.Marker{Type: transport.MarkerCargoShip},
		transport.Marker{Type: transport.MarkerPatrolHelicopter},
		transport.Marker{Type: transport.MarkerExplosion},
		transport.Marker{Type: transport.MarkerCrate},
		transport.Marker{Type: transport.MarkerPlayer},
		transport.Marker{Type: transport.MarkerVendingMachine},
	)
	p.tick(ctx)
	var types []event.WorldEvent
	for _, ev := range *got {
		types = append(types, ev.(event.Spawn).Type)
	}
	if !reflect.DeepEqual(types, event.WorldEvents) {
		t.Errorf("spawned %v, want %v", types, event.WorldEvents)
	}
}

func TestFailuresLeaveStateUnchanged(t *testing.T) {
	src := &fakeSource{connected: true}
	p, got := newStarted(src)
	ctx := context.Background()

	src.markersErr = errors.New("server rejected request: not_found")
	src.set(cargo)
	p.tick(ctx)
	if p.initialized {
		t.Fatal("failed tick consumed the baseline")
	}

	src.markersErr = nil
	p.tick(ctx) // baseline, cargo present
	src.connected = false
	src.set()
	p.tick(ctx)
	if !p.Timers()[event.CargoShip].Active {
		t.Error("not-connected tick changed state")
	}
	src.markersErr = errors.New("timeout")
	src.connected = true
	p.tick(ctx)
	if len(*got) != 0 {
		t.Errorf("aborted ticks emitted %v", *got)
	}

	src.markersErr = nil
	p.tick(ctx)
	if len(*got) != 1 {
		t.Errorf("recovery tick emitted %d events, want 1", len(*got))
	}
}

func TestHealthDegradesAndRecovers(t *testing.T) {
	src := &fakeSource{connected: true, markersErr: errors.New("timeout")}
	p, _ := newStarted(src)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		p.tick(ctx)
	}
	if h := p.Health(); h.Status != StatusHealthy || h.Failures != 2 {
		t.Errorf("health = %+v, want healthy with 2 failures", h)
	}
	p.tick(ctx)
	if h := p.Health(); h.Status != StatusDegraded || h.LastError != "timeout" {
		t.Errorf("health = %+v, want degraded", h)
	}
	src.markersErr = nil
	p.tick(ctx)
	if h := p.Health(); h.Status != StatusHealthy || h.Failures != 0 {
		t.Errorf("health = %+v, want recovered", h)
	}
}

func TestWorldSizeFetchedLazily(t *testing.T) {
	src := &fakeSource{connected: true, mapSize: 4250}
	p, _ := newStarted(src)
	p.tick(context.Background())
	if p.WorldSize() != 4250 {
		t.Errorf("WorldSize = %d, want 4250", p.WorldSize())
	}
	p.tick(context.Background())
	if src.infoCalls != 1 {
		t.Errorf("info queried %d times, want 1", src.infoCalls)
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{connected: true, mapSize: 4000}
	src.set(cargo)
	p := New(src, Config{Interval: 5 * time.Millisecond, WorldSizeDelay: time.Millisecond})

	var mu sync.Mutex
	var got []event.Event
	p.Subscribe(func(ev event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	p.Start()
	p.Start()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		ready := p.initialized
		p.mu.Unlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if p.WorldSize() != 4000 {
		t.Errorf("WorldSize = %d, want 4000", p.WorldSize())
	}

	p.Stop()
	if p.Running() || p.Timers() != nil {
		t.Error("Stop did not discard state")
	}
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 0 {
		t.Errorf("stable world emitted %d events", n)
	}

	// No despawn after stopping even though cargo has left.
	src.set()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("events after Stop: %v", got)
	}
	p.Stop()
}

type memLog struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (m *memLog) Record(_ context.Context, actorID, kind string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, actorID+"/"+kind)
	return m.err
}

func TestTransitionsRecordedForOwner(t *testing.T) {
	tests := []struct {
		name    string
		sinkErr error
	}{
		{"ok", nil},
		{"sink failure still publishes", errors.New("mongo down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{connected: true, mapSize: 4000}
			rec := &memLog{err: tt.sinkErr}
			p := New(src, Config{}, WithRecorder(rec, "76561198000000001"))
			p.mu.Lock()
			p.resetLocked()
			p.mu.Unlock()
			var got []event.Event
			p.Subscribe(func(ev event.Event) { got = append(got, ev) })
			ctx := context.Background()

			p.tick(ctx) // baseline
			src.set(cargo)
			p.tick(ctx)
			src.set()
			p.tick(ctx)

			want := []string{"76561198000000001/spawn", "76561198000000001/despawn"}
			if !reflect.DeepEqual(rec.entries, want) {
				t.Errorf("recorded %v, want %v", rec.entries, want)
			}
			if len(got) != 2 {
				t.Errorf("published %d events, want 2", len(got))
			}
		})
	}
}

func TestWithNilRecorderKeepsNop(t *testing.T) {
	p := New(&fakeSource{}, Config{}, WithRecorder(nil, "owner"))
	if _, ok := p.rec.(eventlog.Nop); !ok {
		t.Errorf("rec = %T, want eventlog.Nop", p.rec)
	}
}
