// Package bridge forwards alert text for session and world events back
// into the server's team chat.
package bridge

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/metrics"
)

// Target is the session a bridge reads events from and writes alerts to.
type Target interface {
	Address() string
	Subscribe(fn event.Observer) (unsubscribe func())
	SendTeamMessage(ctx context.Context, text string) error
}

// Publisher is any additional event source, such as a world poller.
type Publisher interface {
	Subscribe(fn event.Observer) (unsubscribe func())
}

// Namer resolves a paired device's display name.
type Namer interface {
	ResolveDeviceName(ctx context.Context, entityID uint32, serverAddress string) (string, error)
}

// Config tunes a Bridge. Zero fields take defaults.
type Config struct {
	// FillThreshold is the storage fill ratio that raises an alert when
	// reached from below.
	FillThreshold  float64
	AnnounceSpawns bool
	// RatePerSecond and Burst bound outbound chat messages. A message that
	// cannot be sent within MaxWait is dropped.
	RatePerSecond float64
	Burst         int
	MaxWait       time.Duration
	SendTimeout   time.Duration
	LookupTimeout time.Duration
	Templates     Templates
}

func (c Config) withDefaults() Config {
	if c.FillThreshold <= 0 {
		c.FillThreshold = 0.9
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	return c
}

// Bridge turns events into chat alerts for one session. Sends are best
// effort: failures are logged and never reach the event source.
type Bridge struct {
	target  Target
	namer   Namer
	cfg     Config
	tpl     *compiled
	limiter *rate.Limiter
	log     *log.Entry

	mu     sync.Mutex
	above  map[uint32]bool
	unsubs []func()
}

// New builds a bridge. namer may be nil, in which case raw ids are used.
func New(target Target, namer Namer, cfg Config) (*Bridge, error) {
	if target == nil {
		return nil, errors.New("bridge: nil target")
	}
	cfg = cfg.withDefaults()
	tpl, err := compile(cfg.Templates)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		target:  target,
		namer:   namer,
		cfg:     cfg,
		tpl:     tpl,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log.WithField("server", target.Address()),
		above:   make(map[uint32]bool),
	}, nil
}

// Attach subscribes to the target and to any extra publishers.
func (b *Bridge) Attach(extra ...Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, b.target.Subscribe(b.Handle))
	for _, p := range extra {
		b.unsubs = append(b.unsubs, p.Subscribe(b.Handle))
	}
}

// Detach removes every subscription made by Attach.
func (b *Bridge) Detach() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Handle reacts to one event, sending at most one message before returning.
func (b *Bridge) Handle(ev event.Event) {
	switch e := ev.(type) {
	case event.AlarmTriggered:
		b.alarm(e)
	case event.StorageUpdated:
		b.storage(e)
	case event.Spawn:
		if b.cfg.AnnounceSpawns {
			b.send("spawn", b.tpl.spawn, TemplateData{
				Server: b.target.Address(),
				Event:  e.Type.Label(),
				Grid:   e.Grid,
			})
		}
	case event.Despawn:
		if b.cfg.AnnounceSpawns {
			b.send("despawn", b.tpl.despawn, TemplateData{
				Server: b.target.Address(),
				Event:  e.Type.Label(),
			})
		}
	}
}

func (b *Bridge) alarm(e event.AlarmTriggered) {
	b.send("alarm", b.tpl.alarm, TemplateData{
		Server:   b.target.Address(),
		EntityID: e.EntityID,
		Name:     b.name(e.EntityID),
	})
}

// storage alerts on the upward crossing of the fill threshold only. The
// above/below table is updated for every event so the alert re-arms once
// the container drops back under the threshold.
func (b *Bridge) storage(e event.StorageUpdated) {
	ratio := e.FillRatio()
	now := ratio >= b.cfg.FillThreshold

	b.mu.Lock()
	was := b.above[e.EntityID]
	b.above[e.EntityID] = now
	b.mu.Unlock()

	if !now || was {
		return
	}
	b.send("storage", b.tpl.storage, TemplateData{
		Server:   b.target.Address(),
		EntityID: e.EntityID,
		Name:     b.name(e.EntityID),
		Percent:  int(math.Round(ratio * 100)),
		Items:    len(e.Items),
		Capacity: e.Capacity,
	})
}

func (b *Bridge) name(id uint32) string {
	raw := strconv.FormatUint(uint64(id), 10)
	if b.namer == nil {
		return raw
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.LookupTimeout)
	defer cancel()
	name, err := b.namer.ResolveDeviceName(ctx, id, b.target.Address())
	if err != nil || name == "" {
		if err != nil {
			b.log.WithField("entity", id).Warnf("device name lookup failed: %v", err)
		}
		return raw
	}
	return name
}

func (b *Bridge) send(kind string, tpl *template.Template, data TemplateData) {
	text, err := render(tpl, data)
	if err != nil {
		b.log.WithField("alert", kind).Warnf("render alert: %v", err)
		metrics.IncAlert(kind, metrics.ResultError)
		return
	}

	wctx, cancel := context.WithTimeout(context.Background(), b.cfg.MaxWait)
	err = b.limiter.Wait(wctx)
	cancel()
	if err != nil {
		b.log.WithField("alert", kind).Warn("alert dropped by rate limit")
		metrics.IncAlert(kind, metrics.ResultSkipped)
		return
	}

	sctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	if err := b.target.SendTeamMessage(sctx, text); err != nil {
		b.log.WithField("alert", kind).Warnf("send alert: %v", err)
		metrics.IncAlert(kind, metrics.ResultError)
		return
	}
	metrics.IncAlert(kind, metrics.ResultOK)
}
