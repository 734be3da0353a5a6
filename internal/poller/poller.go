// Package poller tracks transient world events by periodically
// snapshotting a session's map markers and announcing spawn and despawn
// transitions.
package poller

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/metrics"
	"github.com/raidwatch/backend/internal/transport"
)

// Source is the session surface the poller needs.
type Source interface {
	Address() string
	IsConnected() bool
	MapMarkers(ctx context.Context) ([]transport.Marker, error)
	ServerInfo(ctx context.Context) (*transport.ServerInfo, error)
}

// EventTimer tracks one world event kind. A timer with Active false and a
// zero DespawnedAt has never been seen leaving.
type EventTimer struct {
	Active      bool      `json:"active"`
	SpawnedAt   time.Time `json:"spawnedAt,omitempty"`
	DespawnedAt time.Time `json:"despawnedAt,omitempty"`
}

// Config tunes a Poller. Zero fields take defaults.
type Config struct {
	Interval         time.Duration
	WorldSizeDelay   time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.WorldSizeDelay <= 0 {
		c.WorldSizeDelay = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Poller snapshots one session on a fixed interval. The first successful
// snapshot after Start is a baseline and announces nothing.
type Poller struct {
	src       Source
	cfg       Config
	now       func() time.Time
	rec       eventlog.Recorder
	actorID   string
	log       *log.Entry
	health    pollHealth
	observers event.Observers

	mu          sync.Mutex
	timers      map[event.WorldEvent]*EventTimer
	worldSize   uint32
	initialized bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option customises a Poller.
type Option func(*Poller)

// WithRecorder writes every spawn and despawn to rec, attributed to actorID.
func WithRecorder(rec eventlog.Recorder, actorID string) Option {
	return func(p *Poller) {
		if rec != nil {
			p.rec = rec
			p.actorID = actorID
		}
	}
}

func New(src Source, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		src: src,
		cfg: cfg.withDefaults(),
		now: time.Now,
		rec: eventlog.Nop{},
		log: log.WithField("server", src.Address()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn for Spawn and Despawn events.
func (p *Poller) Subscribe(fn event.Observer) (unsubscribe func()) {
	return p.observers.Subscribe(fn)
}

// Start begins polling with blank timers. It is a no-op while running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.resetLocked()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop cancels polling and discards all timers without emitting events.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	p.timers = nil
	p.initialized = false
	p.mu.Unlock()
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) resetLocked() {
	p.timers = make(map[event.WorldEvent]*EventTimer, len(event.WorldEvents))
	for _, k := range event.WorldEvents {
		p.timers[k] = &EventTimer{}
	}
	p.initialized = false
	p.worldSize = 0
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	sizeTimer := time.NewTimer(p.cfg.WorldSizeDelay)
	defer sizeTimer.Stop()

	p.log.WithField("interval", p.cfg.Interval).Debug("world poller started")
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("world poller stopped")
			return
		case <-sizeTimer.C:
			p.fetchWorldSize(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) fetchWorldSize(ctx context.Context) {
	if !p.src.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	info, err := p.src.ServerInfo(ctx)
	if err != nil {
		p.log.Debugf("world size query failed: %v", err)
		return
	}
	p.mu.Lock()
	p.worldSize = info.MapSize
	p.mu.Unlock()
}

// tick performs one snapshot and diff. Any failure leaves state unchanged.
func (p *Poller) tick(ctx context.Context) []event.Event {
	if !p.src.IsConnected() {
		metrics.IncPoll(metrics.ResultSkipped)
		return nil
	}

	p.mu.Lock()
	needSize := p.worldSize == 0
	p.mu.Unlock()
	if needSize {
		p.fetchWorldSize(ctx)
	}

	qctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	markers, err := p.src.MapMarkers(qctx)
	cancel()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		metrics.IncPoll(metrics.ResultError)
		p.health.recordFailure(err, p.now())
		p.reportHealth()
		return nil
	}
	metrics.IncPoll(metrics.ResultOK)
	p.health.recordSuccess()
	p.reportHealth()

	present := presence(markers)
	now := p.now()

	var evs []event.Event
	p.mu.Lock()
	if p.timers == nil {
		p.mu.Unlock()
		return nil
	}
	if !p.initialized {
		for _, k := range event.WorldEvents {
			_, ok := present[k]
			p.timers[k].Active = ok
		}
		p.initialized = true
		p.mu.Unlock()
		return nil
	}
	for _, k := range event.WorldEvents {
		t := p.timers[k]
		m, ok := present[k]
		switch {
		case ok && !t.Active:
			t.Active = true
			t.SpawnedAt = now
			evs = append(evs, event.Spawn{
				Type: k,
				Grid: Grid(float64(m.X), float64(m.Y), float64(p.worldSize)),
				At:   now,
			})
		case !ok && t.Active:
			t.Active = false
			t.DespawnedAt = now
			evs = append(evs, event.Despawn{Type: k, At: now})
		}
	}
	p.mu.Unlock()

	for _, ev := range evs {
		p.log.WithField("event", ev.Kind().String()).Info(describeTransition(ev))
		metrics.IncEvent(ev.Kind().String())
		p.record(ev)
		p.observers.Publish(ev)
	}
	return evs
}

func (p *Poller) record(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()
	if err := p.rec.Record(ctx, p.actorID, ev.Kind().String(), ev); err != nil {
		p.log.WithField("kind", ev.Kind().String()).Warnf("event log: %v", err)
	}
}

func (p *Poller) reportHealth() {
	h, changed := p.health.snapshotAndEmit(p.cfg.FailureThreshold)
	if !changed {
		return
	}
	if h.Status == StatusDegraded {
		p.log.WithField("failures", h.Failures).Warnf("marker polling degraded: %s", h.LastError)
	} else {
		p.log.Info("marker polling recovered")
	}
}

func describeTransition(ev event.Event) string {
	switch e := ev.(type) {
	case event.Spawn:
		return e.Type.Label() + " spawned at " + e.Grid
	case event.Despawn:
		return e.Type.Label() + " despawned"
	}
	return ev.Kind().String()
}

// presence maps each tracked kind seen in markers to its first marker.
func presence(markers []transport.Marker) map[event.WorldEvent]transport.Marker {
	out := make(map[event.WorldEvent]transport.Marker, len(event.WorldEvents))
	for _, m := range markers {
		k, ok := kindOf(m.Type)
		if !ok {
			continue
		}
		if _, seen := out[k]; !seen {
			out[k] = m
		}
	}
	return out
}

func kindOf(t transport.MarkerType) (event.WorldEvent, bool) {
	switch t {
	case transport.MarkerCargoShip:
		return event.CargoShip, true
	case transport.MarkerPatrolHelicopter:
		return event.PatrolHelicopter, true
	case transport.MarkerExplosion:
		return event.HeavyAPC, true
	case transport.MarkerCrate, transport.MarkerCH47:
		return event.OilRig, true
	}
	return 0, false
}

// Timers returns a copy of the current timers, or nil when stopped.
func (p *Poller) Timers() map[event.WorldEvent]EventTimer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timers == nil {
		return nil
	}
	out := make(map[event.WorldEvent]EventTimer, len(p.timers))
	for k, t := range p.timers {
		out[k] = *t
	}
	return out
}

func (p *Poller) WorldSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worldSize
}

func (p *Poller) Health() Health {
	return p.health.snapshot(p.cfg.FailureThreshold)
}

// Summary describes every tracked kind, in announcement order.
func (p *Poller) Summary() []string {
	timers := p.Timers()
	if timers == nil {
		return nil
	}
	now := p.now()
	out := make([]string, 0, len(event.WorldEvents))
	for _, k := range event.WorldEvents {
		out = append(out, Describe(k, timers[k], now))
	}
	return out
}
