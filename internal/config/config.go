package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raidwatch/backend/internal/bridge"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/poller"
	"github.com/raidwatch/backend/internal/session"
	"github.com/raidwatch/backend/internal/transport"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Transport TransportConfig `yaml:"transport"`
	Poller    PollerConfig    `yaml:"poller"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Mock      MockConfig      `yaml:"mock"`
	Servers   []ServerEntry   `yaml:"servers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"`
}

type TransportConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	BroadcastQueue int           `yaml:"broadcast_queue"`
}

type PollerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	WorldSizeDelay   time.Duration `yaml:"world_size_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type BridgeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	FillThreshold  float64       `yaml:"fill_threshold"`
	AnnounceSpawns bool          `yaml:"announce_spawns"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	MaxWait        time.Duration `yaml:"max_wait"`
	Templates      struct {
		Alarm   string `yaml:"alarm"`
		Storage string `yaml:"storage"`
		Spawn   string `yaml:"spawn"`
		Despawn string `yaml:"despawn"`
	} `yaml:"templates"`
}

// MongoConfig enables the durable event log when URI is set.
type MongoConfig struct {
	URI              string        `yaml:"uri"`
	Database         string        `yaml:"database"`
	Collection       string        `yaml:"collection"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	Queue            int           `yaml:"queue"`
}

// PostgresConfig enables the pairing store when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MockConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tick    time.Duration `yaml:"tick"`
}

type ServerEntry struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	PlayerID    string        `yaml:"player_id"`
	PlayerToken string        `yaml:"player_token"`
	OwnerID     string        `yaml:"owner_id"`
	Devices     []DeviceEntry `yaml:"devices"`
}

// DeviceEntry pre-declares a paired device so its events classify
// correctly before any broadcast is seen.
type DeviceEntry struct {
	EntityID uint32 `yaml:"entity_id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // switch, alarm or storage_monitor
}

func defaultConfig() *Config {
	cfg := &Config{
		Log:  LogConfig{Level: "info", Format: "console"},
		HTTP: HTTPConfig{Addr: "127.0.0.1:9102"},
		Reconnect: ReconnectConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.5,
			MaxDelay:     60 * time.Second,
			MaxRetries:   10,
		},
		Transport: TransportConfig{
			DialTimeout:    10 * time.Second,
			RequestTimeout: 10 * time.Second,
			PingInterval:   30 * time.Second,
			BroadcastQueue: 64,
		},
		Poller: PollerConfig{
			Interval:         10 * time.Second,
			WorldSizeDelay:   2 * time.Second,
			RequestTimeout:   10 * time.Second,
			FailureThreshold: 3,
		},
		Bridge: BridgeConfig{
			Enabled:       true,
			FillThreshold: 0.9,
			RatePerSecond: 1,
			Burst:         3,
			MaxWait:       2 * time.Second,
		},
		Mongo: MongoConfig{
			Database:         "raidwatch",
			Collection:       "events",
			OperationTimeout: 5 * time.Second,
			Queue:            1024,
		},
		Mock: MockConfig{Tick: 5 * time.Second},
	}
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns defaults when path does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Bridge.FillThreshold <= 0 || c.Bridge.FillThreshold > 1 {
		return fmt.Errorf("bridge.fill_threshold must be in (0, 1], got %v", c.Bridge.FillThreshold)
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Host == "" || s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("servers[%d]: invalid address %q:%d", i, s.Host, s.Port)
		}
		addr := s.Session(session.Policy{}).Address()
		if seen[addr] {
			return fmt.Errorf("servers[%d]: duplicate address %s", i, addr)
		}
		seen[addr] = true
	}
	return nil
}

func (r ReconnectConfig) Policy() session.Policy {
	return session.Policy{
		InitialDelay: r.InitialDelay,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
		MaxRetries:   r.MaxRetries,
	}
}

func (t TransportConfig) Transport() transport.Config {
	return transport.Config{
		DialTimeout:    t.DialTimeout,
		RequestTimeout: t.RequestTimeout,
		PingInterval:   t.PingInterval,
		BroadcastQueue: t.BroadcastQueue,
	}
}

func (p PollerConfig) Options() poller.Config {
	return poller.Config{
		Interval:         p.Interval,
		WorldSizeDelay:   p.WorldSizeDelay,
		RequestTimeout:   p.RequestTimeout,
		FailureThreshold: p.FailureThreshold,
	}
}

func (b BridgeConfig) Options() bridge.Config {
	return bridge.Config{
		FillThreshold:  b.FillThreshold,
		AnnounceSpawns: b.AnnounceSpawns,
		RatePerSecond:  b.RatePerSecond,
		Burst:          b.Burst,
		MaxWait:        b.MaxWait,
		Templates: bridge.Templates{
			Alarm:   b.Templates.Alarm,
			Storage: b.Templates.Storage,
			Spawn:   b.Templates.Spawn,
			Despawn: b.Templates.Despawn,
		},
	}
}

func (m MongoConfig) EventLog() eventlog.MongoConfig {
	return eventlog.MongoConfig{
		URI:              m.URI,
		Database:         m.Database,
		Collection:       m.Collection,
		OperationTimeout: m.OperationTimeout,
		AppName:          "raidwatch",
	}
}

// Session builds the session config for this entry using policy for
// reconnect behaviour.
func (s ServerEntry) Session(policy session.Policy) session.Config {
	return session.Config{
		Host:        s.Host,
		Port:        s.Port,
		PlayerID:    s.PlayerID,
		PlayerToken: s.PlayerToken,
		OwnerID:     s.OwnerID,
		Reconnect:   policy,
	}
}
