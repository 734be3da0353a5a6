// Package session manages one companion-protocol connection per game
// server: lifecycle state, exponential-backoff reconnection, broadcast
// routing and command passthroughs.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/entity"
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/metrics"
	"github.com/raidwatch/backend/internal/transport"
)

// ErrNotConnected is returned by commands issued while no live connection
// exists.
var ErrNotConnected = errors.New("session: not connected")

const recordTimeout = 5 * time.Second

// Config identifies a game server and the credentials used on it.
type Config struct {
	Host        string
	Port        int
	PlayerID    string
	PlayerToken string
	// OwnerID is the actor durable log records are attributed to.
	OwnerID   string
	Reconnect Policy
}

// Address is the host:port registry key.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports whether c names a dialable server.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("session: empty host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("session: invalid port %d", c.Port)
	}
	return nil
}

// Session owns at most one transport handle for its server. All state is
// guarded by mu; observers are notified after mu is released so they may
// call back into the session.
type Session struct {
	cfg      Config
	addr     string
	dial     transport.Dialer
	rec      eventlog.Recorder
	schedule Scheduler
	tcfg     transport.Config
	log      *log.Entry

	observers event.Observers

	mu          sync.Mutex
	state       State
	intentional bool
	client      transport.Client
	gen         uint64 // bumped whenever client is replaced or dropped
	attempts    int
	timerToken  uint64 // bumped whenever a pending reconnect is invalidated
	stopTimer   func() bool
	cache       entity.Cache
}

// New returns an idle session. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	s := &Session{
		cfg:      cfg,
		addr:     cfg.Address(),
		dial:     transport.DialWS,
		rec:      eventlog.Nop{},
		schedule: afterFunc,
		cache:    make(entity.Cache),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.WithField("server", s.addr)
	metrics.SetSessionState(s.addr, Idle.String(), stateLabels())
	return s, nil
}

func (s *Session) Address() string { return s.addr }
func (s *Session) OwnerID() string { return s.cfg.OwnerID }
func (s *Session) Config() Config  { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Attempts is the number of reconnects scheduled since the last successful
// connect.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Address:  s.addr,
		OwnerID:  s.cfg.OwnerID,
		State:    s.state,
		Attempts: s.attempts,
	}
}

// Subscribe registers fn for every event the session emits. Events are
// delivered in registration order on the goroutine that produced them.
func (s *Session) Subscribe(fn event.Observer) (unsubscribe func()) {
	return s.observers.Subscribe(fn)
}

// RegisterEntityType seeds the classifier cache. Safe at any time.
func (s *Session) RegisterEntityType(id uint32, t entity.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[id] = t
}

// Connect cancels any pending reconnect, clears the intentional-close flag
// and dials a fresh handle, replacing any current one.
func (s *Session) Connect() error {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.intentional = false
	old := s.dropClientLocked()
	client, gen, evs := s.openLocked()
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	s.log.WithField("player", s.cfg.Redacted().PlayerID).Info("connecting")
	s.emit(evs...)
	s.start(client, gen)
	return nil
}

// Disconnect closes the connection and suppresses automatic reconnection.
// Calling it on an idle session is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.intentional = true
	s.cancelTimerLocked()
	client := s.dropClientLocked()
	prev := s.state
	s.setStateLocked(Idle)
	s.mu.Unlock()

	var err error
	if client != nil {
		err = client.Disconnect()
	}
	if prev != Idle && prev != Failed {
		s.log.Info("disconnected")
		s.emit(event.Disconnected{Intentional: true})
	}
	return err
}

// openLocked dials a new handle for generation gen. A nil client means
// construction failed and evs carries the error and the next retry.
func (s *Session) openLocked() (client transport.Client, gen uint64, evs []event.Event) {
	s.gen++
	gen = s.gen
	s.setStateLocked(Connecting)
	tc := s.tcfg
	tc.Host = s.cfg.Host
	tc.Port = s.cfg.Port
	tc.PlayerID = s.cfg.PlayerID
	tc.PlayerToken = s.cfg.PlayerToken
	client, err := s.dial(tc, s.handlers(gen))
	if err != nil {
		return nil, gen, s.failLocked(err)
	}
	s.client = client
	return client, gen, nil
}

// start begins the handshake of a handle returned by openLocked. A start
// failure is treated like a failed handshake.
func (s *Session) start(client transport.Client, gen uint64) {
	if client == nil {
		return
	}
	err := client.Connect()
	if err == nil {
		return
	}
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.gen++
	evs := s.failLocked(err)
	s.mu.Unlock()

	client.Disconnect()
	s.emit(evs...)
}

// failLocked reports err and schedules the next attempt.
func (s *Session) failLocked(err error) []event.Event {
	s.log.Warnf("transport unavailable: %v", err)
	evs := []event.Event{event.TransportError{Err: err}}
	return append(evs, s.scheduleReconnectLocked()...)
}

func (s *Session) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnConnected:    func() { s.onConnected(gen) },
		OnDisconnected: func(err error) { s.onDisconnected(gen, err) },
		OnError:        func(err error) { s.onError(gen, err) },
		OnBroadcast:    func(b *transport.AppBroadcast) { s.onBroadcast(gen, b) },
	}
}

func (s *Session) onConnected(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.log.Info("connected")
	s.emit(event.Connected{})
}

func (s *Session) onDisconnected(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.gen++
	wasConnected := s.state == Connected

	var evs []event.Event
	if s.intentional {
		s.setStateLocked(Idle)
		if wasConnected {
			evs = append(evs, event.Disconnected{Intentional: true})
		}
	} else {
		if wasConnected {
			evs = append(evs, event.Disconnected{Intentional: false})
		}
		evs = append(evs, s.scheduleReconnectLocked()...)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warnf("connection lost: %v", err)
	}
	s.emit(evs...)
}

func (s *Session) onError(gen uint64, err error) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || err == nil {
		return
	}
	s.emit(event.TransportError{Err: err})
}

func (s *Session) onBroadcast(gen uint64, b *transport.AppBroadcast) {
	if b == nil {
		return
	}
	var evs []event.Event
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch {
	case b.TeamMessage != nil && b.TeamMessage.Message != nil:
		m := b.TeamMessage.Message
		evs = append(evs, event.TeamMessage{
			SenderID:   m.SteamID,
			SenderName: m.Name,
			Text:       m.Message,
			Time:       m.SentAt(),
		})
	case b.EntityChanged != nil:
		evs = entity.Classify(b.EntityChanged.EntityID, b.EntityChanged.Payload, s.cache)
	}
	s.mu.Unlock()

	s.emit(evs...)
}

// scheduleReconnectLocked arms the backoff timer, or moves to Failed once
// MaxRetries attempts have been scheduled since the last connect.
func (s *Session) scheduleReconnectLocked() []event.Event {
	p := s.cfg.Reconnect
	if s.attempts >= p.MaxRetries {
		s.setStateLocked(Failed)
		s.log.WithField("attempts", s.attempts).Error("giving up reconnecting")
		return []event.Event{event.ReconnectFailed{Attempts: s.attempts}}
	}

	delay := p.Delay(s.attempts)
	s.attempts++
	s.setStateLocked(Reconnecting)
	s.timerToken++
	token := s.timerToken
	s.stopTimer = s.schedule(delay, func() { s.fireReconnect(token) })
	metrics.IncReconnectAttempt(s.addr)

	s.log.WithFields(log.Fields{
		"attempt": s.attempts,
		"delay":   delay,
	}).Info("reconnect scheduled")
	return []event.Event{event.Reconnecting{Attempt: s.attempts, Delay: delay}}
}

func (s *Session) fireReconnect(token uint64) {
	s.mu.Lock()
	if token != s.timerToken || s.intentional || s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.stopTimer = nil
	client, gen, evs := s.openLocked()
	s.mu.Unlock()

	s.emit(evs...)
	s.start(client, gen)
}

func (s *Session) cancelTimerLocked() {
	s.timerToken++
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}

// dropClientLocked detaches the current handle so its callbacks are
// ignored from now on, and returns it for closing outside the lock.
func (s *Session) dropClientLocked() transport.Client {
	c := s.client
	s.client = nil
	s.gen++
	return c
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	metrics.SetSessionState(s.addr, st.String(), stateLabels())
}

// emit records and publishes evs in order.
func (s *Session) emit(evs ...event.Event) {
	for _, ev := range evs {
		kind := ev.Kind().String()
		metrics.IncEvent(kind)
		s.record(kind, recordPayload(ev))
		s.observers.Publish(ev)
	}
}

func (s *Session) record(kind string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.rec.Record(ctx, s.cfg.OwnerID, kind, payload); err != nil {
		s.log.WithField("kind", kind).Warnf("event log: %v", err)
	}
}

func recordPayload(ev event.Event) any {
	switch e := ev.(type) {
	case event.Connected:
		return nil
	case event.TransportError:
		if e.Err == nil {
			return nil
		}
		return map[string]string{"error": e.Err.Error()}
	default:
		return ev
	}
}

func (s *Session) live() (transport.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.state != Connected {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// SendTeamMessage posts text to the in-game team chat.
func (s *Session) SendTeamMessage(ctx context.Context, text string) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	if err := c.SendTeamMessage(ctx, text); err != nil {
		return fmt.Errorf("send team message: %w", err)
	}
	return nil
}

// SetEntityValue switches a paired device on or off.
func (s *Session) SetEntityValue(ctx context.Context, entityID uint32, value bool) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	if err := c.SetEntityValue(ctx, entityID, value); err != nil {
		return fmt.Errorf("set entity %d: %w", entityID, err)
	}
	return nil
}

// EntityInfo queries a paired device. A known type in the reply is cached
// for the classifier.
func (s *Session) EntityInfo(ctx context.Context, entityID uint32) (*transport.EntityInfo, error) {
	c, err := s.live()
	if err != nil {
		return nil, err
	}
	info, err := c.GetEntityInfo(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity info %d: %w", entityID, err)
	}
	if t := entity.TypeFromWire(info.Type); t != entity.Unknown {
		s.RegisterEntityType(entityID, t)
	}
	return info, nil
}

// MapMarkers returns the current world marker snapshot.
func (s *Session) MapMarkers(ctx context.Context) ([]transport.Marker, error) {
	c, err := s.live()
	if err != nil {
		return nil, err
	}
	markers, err := c.GetMapMarkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("map markers: %w", err)
	}
	return markers, nil
}

// ServerInfo returns the server description, including world size.
func (s *Session) ServerInfo(ctx context.Context) (*transport.ServerInfo, error) {
	c, err := s.live()
	if err != nil {
		return nil, err
	}
	info, err := c.GetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("server info: %w", err)
	}
	return info, nil
}
