package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/config"
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/metrics"
	"github.com/raidwatch/backend/internal/mock"
	"github.com/raidwatch/backend/internal/pairing"
	"github.com/raidwatch/backend/internal/transport"
	"github.com/raidwatch/backend/internal/ws"
)

const snapshotInterval = 15 * time.Second

func serve(c *cli.Context) error {
	cfg := loadedConfig(c)
	if addr := c.String("http"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Init(reg)

	opts := app.Options{
		Transport: cfg.Transport.Transport(),
		Poller:    cfg.Poller.Options(),
	}
	if cfg.Bridge.Enabled {
		bc := cfg.Bridge.Options()
		opts.Bridge = &bc
	}

	var recorder *eventlog.Async
	if cfg.Mongo.URI != "" {
		m, err := eventlog.OpenMongo(ctx, cfg.Mongo.EventLog())
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		recorder = eventlog.NewAsync(m, cfg.Mongo.Queue, cfg.Mongo.OperationTimeout)
		opts.Recorder = recorder
		log.WithField("database", cfg.Mongo.Database).Info("event log enabled")
	}

	var store *pairing.Store
	if cfg.Postgres.DSN != "" {
		db, err := pairing.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		store = pairing.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		opts.Namer = store
		log.Info("pairing store enabled")
	}

	if c.Bool("mock") || cfg.Mock.Enabled {
		srv := mock.NewServer(transport.ServerInfo{Name: "raidwatch demo", MapSize: 4000})
		srv.AutoAccept = true
		srv.Populate()
		go srv.Run(ctx, cfg.Mock.Tick)
		opts.Dialer = srv.Dialer()
		if len(cfg.Servers) == 0 {
			cfg.Servers = []config.ServerEntry{{
				Host: "demo.invalid", Port: 28082, OwnerID: "demo",
				Devices: []config.DeviceEntry{
					{EntityID: mock.DemoAlarmID, Name: "Base alarm", Type: "alarm"},
					{EntityID: mock.DemoSwitchID, Name: "Turrets", Type: "switch"},
					{EntityID: mock.DemoStorageID, Name: "Loot room", Type: "storage_monitor"},
				},
			}}
		}
		log.Info("starting in mock mode")
	}

	// Sessions are created only after broadcaster is assigned.
	var broadcaster *ws.Broadcaster
	opts.OnEvent = func(server string, ev event.Event) { broadcaster.Publish(server, ev) }
	a := app.New(opts)
	broadcaster = ws.NewBroadcaster(a, snapshotInterval, 0)

	policy := cfg.Reconnect.Policy()
	for _, s := range cfg.Servers {
		if _, err := a.CreateSession(s.Session(policy), configDevices(s.Devices)...); err != nil {
			log.WithField("server", net.JoinHostPort(s.Host, strconv.Itoa(s.Port))).Errorf("create session: %v", err)
		}
	}
	if store != nil {
		seedFromStore(ctx, a, store, policy)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	ws.NewServer(a, broadcaster, nil, c.String("token")).SetupRoutes(mux)

	err := ws.ListenAndServe(ctx, cfg.HTTP.Addr, mux)

	log.Info("shutting down")
	broadcaster.Stop()
	a.Close()
	if recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if ferr := recorder.Close(flushCtx); ferr != nil {
			log.Warnf("flush event log: %v", ferr)
		}
		cancel()
	}
	return err
}
