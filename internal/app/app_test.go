package app

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/raidwatch/backend/internal/bridge"
	"github.com/raidwatch/backend/internal/entity"
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/mock"
	"github.com/raidwatch/backend/internal/poller"
	"github.com/raidwatch/backend/internal/session"
	"github.com/raidwatch/backend/internal/transport"
)

type namerFunc func(ctx context.Context, id uint32, addr string) (string, error)

func (f namerFunc) ResolveDeviceName(ctx context.Context, id uint32, addr string) (string, error) {
	return f(ctx, id, addr)
}

func newTestApp(srv *mock.Server, namer bridge.Namer) *App {
	return New(Options{
		Dialer: srv.Dialer(),
		// Keep the poller goroutine idle; ticks are not under test here.
		Poller: poller.Config{Interval: time.Hour, WorldSizeDelay: time.Hour},
		Bridge: &bridge.Config{},
		Namer:  namer,
	})
}

func cfg(host string) session.Config {
	return session.Config{Host: host, Port: 28082, PlayerID: "76561198000000001", PlayerToken: "-991"}
}

func TestCreateSessionConnectsAndStartsPoller(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{MapSize: 4000})
	a := newTestApp(srv, nil)
	defer a.Close()

	s, err := a.CreateSession(cfg("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != session.Connecting {
		t.Errorf("state = %v, want connecting", s.State())
	}
	srv.Last().Accept()
	if !s.IsConnected() {
		t.Error("session not connected after handshake")
	}

	p, ok := a.Poller("10.0.0.1:28082")
	if !ok || !p.Running() {
		t.Fatal("poller not running")
	}
	if got, ok := a.GetSession("10.0.0.1:28082"); !ok || got != s {
		t.Error("GetSession did not return the created session")
	}
}

func TestDevicesSeedTypesAndNames(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{MapSize: 4000})
	lookups := 0
	a := newTestApp(srv, namerFunc(func(context.Context, uint32, string) (string, error) {
		lookups++
		return "from store", nil
	}))
	defer a.Close()

	s, err := a.CreateSession(cfg("10.0.0.1"),
		Device{EntityID: 1001, Type: entity.Alarm, Name: "Front gate"},
		Device{EntityID: 1003, Type: entity.StorageMonitor},
	)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []event.Kind
	s.Subscribe(func(ev event.Event) { kinds = append(kinds, ev.Kind()) })

	c := srv.Last()
	c.Accept()

	on := true
	c.Push(&transport.AppBroadcast{EntityChanged: &transport.AppEntityChanged{
		EntityID: 1001, Payload: &transport.EntityPayload{Value: &on},
	}})
	// A declared storage monitor classifies even without an items list.
	capacity := int32(10)
	c.Push(&transport.AppBroadcast{EntityChanged: &transport.AppEntityChanged{
		EntityID: 1003, Payload: &transport.EntityPayload{Capacity: &capacity},
	}})

	wantKinds := []event.Kind{event.KindConnected, event.KindAlarmTriggered, event.KindStorageUpdated}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("kinds = %v, want %v", kinds, wantKinds)
	}
	if sent := srv.Sent(); len(sent) != 1 || sent[0] != "ALARM: Front gate triggered" {
		t.Errorf("sent = %q", sent)
	}
	if lookups != 0 {
		t.Errorf("store consulted %d times for a declared name", lookups)
	}
}

func TestCreateSessionReplacesExisting(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{})
	a := newTestApp(srv, nil)
	defer a.Close()

	first, err := a.CreateSession(cfg("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	srv.Last().Accept()
	oldPoller, _ := a.Poller("10.0.0.1:28082")

	second, err := a.CreateSession(cfg("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected a new session")
	}
	if first.State() != session.Idle {
		t.Errorf("old session state = %v, want idle", first.State())
	}
	if oldPoller.Running() {
		t.Error("old poller still running")
	}
	if len(a.ListSessions()) != 1 {
		t.Errorf("ListSessions() = %d, want 1", len(a.ListSessions()))
	}

	// The old bridge must be detached: an alarm on the new session is sent once.
	srv.Last().Accept()
	on := true
	srv.Last().Push(&transport.AppBroadcast{EntityChanged: &transport.AppEntityChanged{
		EntityID: 5, Payload: &transport.EntityPayload{Value: &on},
	}})
	if sent := srv.Sent(); len(sent) != 1 {
		t.Errorf("sent = %q, want one alert", sent)
	}
}

func TestRemoveSession(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{})
	a := newTestApp(srv, nil)
	defer a.Close()

	s, _ := a.CreateSession(cfg("10.0.0.1"))
	srv.Last().Accept()
	p, _ := a.Poller("10.0.0.1:28082")

	if !a.RemoveSession("10.0.0.1:28082") {
		t.Fatal("RemoveSession reported nothing removed")
	}
	if a.RemoveSession("10.0.0.1:28082") {
		t.Error("second RemoveSession should report false")
	}
	if p.Running() {
		t.Error("poller still running after removal")
	}
	if s.State() != session.Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if _, ok := a.GetSession("10.0.0.1:28082"); ok {
		t.Error("session still registered")
	}
}

func TestInvalidConfig(t *testing.T) {
	a := newTestApp(mock.NewServer(transport.ServerInfo{}), nil)
	defer a.Close()
	if _, err := a.CreateSession(session.Config{Port: 28082}); err == nil {
		t.Fatal("expected error for empty host")
	}
	if len(a.ListSessions()) != 0 {
		t.Error("invalid session registered")
	}
}

func TestBadBridgeTemplateRejected(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{})
	a := New(Options{
		Dialer: srv.Dialer(),
		Bridge: &bridge.Config{Templates: bridge.Templates{Alarm: "{{"}},
	})
	defer a.Close()
	if _, err := a.CreateSession(cfg("10.0.0.1")); err == nil {
		t.Fatal("expected template error")
	}
	if len(a.ListSessions()) != 0 {
		t.Error("session left registered after failed wiring")
	}
}

func TestStatusesAndClose(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{})
	a := newTestApp(srv, nil)

	a.CreateSession(cfg("10.0.0.2"))
	a.CreateSession(cfg("10.0.0.1"))
	srv.Clients()[1].Accept()

	st := a.Statuses()
	if len(st) != 2 {
		t.Fatalf("Statuses() = %d entries, want 2", len(st))
	}
	if st[0].Address != "10.0.0.1:28082" || st[0].State != session.Connected {
		t.Errorf("first status = %+v", st[0].Status)
	}
	if st[1].State != session.Connecting {
		t.Errorf("second state = %v, want connecting", st[1].State)
	}
	if st[0].Poller.Status != poller.StatusHealthy {
		t.Errorf("poller health = %v", st[0].Poller.Status)
	}

	a.Close()
	if len(a.ListSessions()) != 0 {
		t.Error("sessions left after Close")
	}
	if _, err := a.CreateSession(cfg("10.0.0.3")); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateSession after Close err = %v, want ErrClosed", err)
	}
}

func TestOnEventForwardsWithAddress(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{})
	var got []string
	a := New(Options{
		Dialer:  srv.Dialer(),
		Poller:  poller.Config{Interval: time.Hour, WorldSizeDelay: time.Hour},
		OnEvent: func(server string, ev event.Event) { got = append(got, server+" "+ev.Kind().String()) },
	})
	defer a.Close()

	a.CreateSession(cfg("10.0.0.1"))
	srv.Last().Accept()
	a.RemoveSession("10.0.0.1:28082")

	want := []string{"10.0.0.1:28082 connected"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("forwarded = %q, want %q", got, want)
	}
}

type memLog struct {
	mu      sync.Mutex
	entries []string
}

func (m *memLog) Record(_ context.Context, actorID, kind string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, actorID+"/"+kind)
	return nil
}

func (m *memLog) has(entry string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func TestWorldEventsRecordedForOwner(t *testing.T) {
	srv := mock.NewServer(transport.ServerInfo{MapSize: 4000})
	rec := &memLog{}
	a := New(Options{
		Dialer:   srv.Dialer(),
		Poller:   poller.Config{Interval: 5 * time.Millisecond, WorldSizeDelay: time.Hour},
		Recorder: rec,
	})
	defer a.Close()

	c := cfg("10.0.0.1")
	c.OwnerID = "owner-7"
	if _, err := a.CreateSession(c); err != nil {
		t.Fatal(err)
	}
	srv.SetMarkers(transport.Marker{ID: 1, Type: transport.MarkerCargoShip, X: 300, Y: 3850})
	srv.Last().Accept()
	p, _ := a.Poller("10.0.0.1:28082")

	// Cargo present at baseline; its departure must be recorded.
	waitFor(t, func() bool { return p.Timers()[event.CargoShip].Active })
	srv.SetMarkers()
	waitFor(t, func() bool { return rec.has("owner-7/despawn") })

	if !rec.has("owner-7/connected") {
		t.Error("session connect was not recorded for the owner")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 3s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
