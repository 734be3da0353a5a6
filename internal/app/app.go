// Package app wires sessions to their world poller and chat bridge.
package app

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/bridge"
	"github.com/raidwatch/backend/internal/entity"
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/poller"
	"github.com/raidwatch/backend/internal/session"
	"github.com/raidwatch/backend/internal/transport"
)

// Options configures every session the App creates.
type Options struct {
	// Dialer overrides the websocket transport, e.g. with a mock server.
	Dialer    transport.Dialer
	Recorder  eventlog.Recorder
	Transport transport.Config
	Poller    poller.Config

	// Bridge is nil to disable chat alerts.
	Bridge *bridge.Config
	// Namer resolves device names not declared on the session itself.
	Namer bridge.Namer
	// OnEvent, when set, receives every session and poller event.
	OnEvent func(server string, ev event.Event)
}

// Device is a paired entity known before it is first seen.
type Device struct {
	EntityID uint32
	Type     entity.Type
	Name     string
}

// SessionStatus is the externally visible state of one session.
type SessionStatus struct {
	session.Status
	Poller    poller.Health `json:"poller"`
	WorldSize uint32        `json:"worldSize"`
	Events    []string      `json:"events,omitempty"`
}

type attachment struct {
	poller *poller.Poller
	bridge *bridge.Bridge
	unsubs []func()
}

func (a *attachment) stop() {
	a.poller.Stop()
	if a.bridge != nil {
		a.bridge.Detach()
	}
	for _, u := range a.unsubs {
		u()
	}
}

// App owns the session registry and the per-session collaborators.
type App struct {
	opts     Options
	registry *session.Registry

	mu       sync.Mutex
	attached map[string]*attachment
	closed   bool
}

func New(opts Options) *App {
	var sopts []session.Option
	if opts.Dialer != nil {
		sopts = append(sopts, session.WithDialer(opts.Dialer))
	}
	if opts.Recorder != nil {
		sopts = append(sopts, session.WithRecorder(opts.Recorder))
	}
	sopts = append(sopts, session.WithTransport(opts.Transport))
	return &App{
		opts:     opts,
		registry: session.NewRegistry(sopts...),
		attached: make(map[string]*attachment),
	}
}

var ErrClosed = errors.New("app: closed")

// CreateSession registers a session for cfg, replacing any existing one
// for the same address, and starts connecting it.
func (a *App) CreateSession(cfg session.Config, devices ...Device) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}

	addr := cfg.Address()
	if old, ok := a.attached[addr]; ok {
		old.stop()
		delete(a.attached, addr)
	}

	s, err := a.registry.Create(cfg)
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string)
	for _, d := range devices {
		if d.Type != entity.Unknown {
			s.RegisterEntityType(d.EntityID, d.Type)
		}
		if d.Name != "" {
			names[d.EntityID] = d.Name
		}
	}

	var popts []poller.Option
	if a.opts.Recorder != nil {
		popts = append(popts, poller.WithRecorder(a.opts.Recorder, cfg.OwnerID))
	}
	att := &attachment{poller: poller.New(s, a.opts.Poller, popts...)}
	if a.opts.Bridge != nil {
		b, err := bridge.New(s, deviceNames{names: names, next: a.opts.Namer}, *a.opts.Bridge)
		if err != nil {
			a.registry.Remove(addr)
			return nil, err
		}
		b.Attach(att.poller)
		att.bridge = b
	}
	if fn := a.opts.OnEvent; fn != nil {
		forward := func(ev event.Event) { fn(addr, ev) }
		att.unsubs = append(att.unsubs, s.Subscribe(forward), att.poller.Subscribe(forward))
	}
	a.attached[addr] = att

	if err := s.Connect(); err != nil {
		log.WithField("server", addr).Warnf("connect: %v", err)
	}
	att.poller.Start()
	return s, nil
}

func (a *App) GetSession(addr string) (*session.Session, bool) {
	return a.registry.Get(addr)
}

// ListSessions returns sessions ordered by address.
func (a *App) ListSessions() []*session.Session {
	return a.registry.List()
}

// Poller returns the world poller attached to addr.
func (a *App) Poller(addr string) (*poller.Poller, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	att, ok := a.attached[addr]
	if !ok {
		return nil, false
	}
	return att.poller, true
}

// RemoveSession stops the session's poller and bridge, then disconnects
// and unregisters it.
func (a *App) RemoveSession(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if att, ok := a.attached[addr]; ok {
		att.stop()
		delete(a.attached, addr)
	}
	return a.registry.Remove(addr)
}

// Statuses reports every session with its poller state.
func (a *App) Statuses() []SessionStatus {
	sessions := a.registry.List()
	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		st := SessionStatus{Status: s.Status()}
		if p, ok := a.Poller(s.Address()); ok {
			st.Poller = p.Health()
			st.WorldSize = p.WorldSize()
			st.Events = p.Summary()
		}
		out = append(out, st)
	}
	return out
}

// Close removes every session. Further CreateSession calls fail.
func (a *App) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	for _, s := range a.registry.List() {
		a.RemoveSession(s.Address())
	}
}

// deviceNames answers from names declared with the session before
// falling back to next.
type deviceNames struct {
	names map[uint32]string
	next  bridge.Namer
}

func (d deviceNames) ResolveDeviceName(ctx context.Context, entityID uint32, serverAddress string) (string, error) {
	if n, ok := d.names[entityID]; ok {
		return n, nil
	}
	if d.next == nil {
		return "", nil
	}
	return d.next.ResolveDeviceName(ctx, entityID, serverAddress)
}
