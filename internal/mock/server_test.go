package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raidwatch/backend/internal/transport"
)

func TestClientLifecycle(t *testing.T) {
	srv := NewServer(transport.ServerInfo{Name: "test", MapSize: 3000})
	var connected, disconnected int
	var lastErr error
	c, err := srv.Dialer()(transport.Config{Host: "h", Port: 1}, transport.Handlers{
		OnConnected:    func() { connected++ },
		OnDisconnected: func(err error) { disconnected++; lastErr = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetInfo(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("GetInfo before accept err = %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	mc := srv.Last()
	mc.Accept()
	mc.Accept()
	if connected != 1 {
		t.Errorf("OnConnected calls = %d, want 1", connected)
	}

	info, err := c.GetInfo(context.Background())
	if err != nil || info.MapSize != 3000 {
		t.Errorf("GetInfo = %+v, %v", info, err)
	}

	drop := errors.New("reset by peer")
	mc.Drop(drop)
	c.Disconnect()
	if disconnected != 1 || lastErr != drop {
		t.Errorf("disconnected = %d (%v), want 1 (%v)", disconnected, lastErr, drop)
	}
	if mc.Disconnects() != 1 {
		t.Errorf("Disconnects = %d, want 1", mc.Disconnects())
	}
}

func TestCommandsRecorded(t *testing.T) {
	srv := NewServer(transport.ServerInfo{})
	srv.AddEntity(7, transport.EntitySwitch, transport.EntityPayload{})
	c, _ := srv.Dialer()(transport.Config{}, transport.Handlers{})
	c.Connect()
	srv.Last().Accept()

	ctx := context.Background()
	if err := c.SetEntityValue(ctx, 7, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SendTeamMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if sets := srv.Sets(); len(sets) != 1 || sets[0] != (SetCall{EntityID: 7, Value: true}) {
		t.Errorf("sets = %+v", sets)
	}
	if sent := srv.Sent(); len(sent) != 1 || sent[0] != "hello" {
		t.Errorf("sent = %v", sent)
	}
	info, err := c.GetEntityInfo(ctx, 7)
	if err != nil || info.Payload.Value == nil || !*info.Payload.Value {
		t.Errorf("entity info after set = %+v, %v", info, err)
	}

	var respErr *transport.ResponseError
	if _, err := c.GetEntityInfo(ctx, 8); !errors.As(err, &respErr) {
		t.Errorf("unknown entity err = %v, want ResponseError", err)
	}

	srv.FailCommands(errors.New("rejected"))
	if err := c.SendTeamMessage(ctx, "again"); err == nil {
		t.Error("expected command failure")
	}
}

func TestAutoAccept(t *testing.T) {
	srv := NewServer(transport.ServerInfo{})
	srv.AutoAccept = true
	done := make(chan struct{})
	c, _ := srv.Dialer()(transport.Config{}, transport.Handlers{OnConnected: func() { close(done) }})
	c.Connect()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handshake not completed")
	}
}

func TestAdvanceCyclesWorld(t *testing.T) {
	srv := NewServer(transport.ServerInfo{})
	srv.Populate()

	var storage int
	c, _ := srv.Dialer()(transport.Config{}, transport.Handlers{
		OnBroadcast: func(b *transport.AppBroadcast) {
			if b.EntityChanged != nil && b.EntityChanged.EntityID == DemoStorageID {
				storage++
			}
		},
	})
	c.Connect()
	srv.Last().Accept()

	seen := map[transport.MarkerType]bool{}
	for n := 1; n <= 120; n++ {
		srv.advance(n)
		markers, _ := c.GetMapMarkers(context.Background())
		for _, m := range markers {
			seen[m.Type] = true
		}
	}
	for _, mt := range []transport.MarkerType{transport.MarkerCargoShip, transport.MarkerPatrolHelicopter, transport.MarkerExplosion, transport.MarkerCrate} {
		if !seen[mt] {
			t.Errorf("marker type %d never appeared", mt)
		}
	}
	if storage != 120 {
		t.Errorf("storage broadcasts = %d, want 120", storage)
	}
}
