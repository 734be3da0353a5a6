package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/config"
	"github.com/raidwatch/backend/internal/entity"
	"github.com/raidwatch/backend/internal/pairing"
	"github.com/raidwatch/backend/internal/session"
)

func configDevices(in []config.DeviceEntry) []app.Device {
	out := make([]app.Device, 0, len(in))
	for _, d := range in {
		out = append(out, app.Device{EntityID: d.EntityID, Type: entity.ParseType(d.Type), Name: d.Name})
	}
	return out
}

func storeDevices(in []pairing.Device) []app.Device {
	out := make([]app.Device, 0, len(in))
	for _, d := range in {
		out = append(out, app.Device{EntityID: d.EntityID, Type: entity.ParseType(d.Type), Name: d.Name})
	}
	return out
}

// seedFromStore opens a session for every stored pairing not already
// configured in the config file.
func seedFromStore(ctx context.Context, a *app.App, store *pairing.Store, policy session.Policy) {
	pairings, err := store.List(ctx)
	if err != nil {
		log.Errorf("list pairings: %v", err)
		return
	}
	for _, p := range pairings {
		l := log.WithField("server", p.ServerAddress)
		if _, ok := a.GetSession(p.ServerAddress); ok {
			l.Debug("pairing shadowed by config entry")
			continue
		}
		host, portStr, err := net.SplitHostPort(p.ServerAddress)
		if err != nil {
			l.Warnf("skip pairing: %v", err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Warnf("skip pairing: bad port %q", portStr)
			continue
		}
		devices, err := store.Devices(ctx, p.ServerAddress)
		if err != nil {
			l.Warnf("load devices: %v", err)
		}
		cfg := session.Config{
			Host:        host,
			Port:        port,
			PlayerID:    p.PlayerID,
			PlayerToken: p.PlayerToken,
			OwnerID:     p.OwnerID,
			Reconnect:   policy,
		}
		if _, err := a.CreateSession(cfg, storeDevices(devices)...); err != nil {
			l.Errorf("create session: %v", err)
		}
	}
}

// openStore connects to the configured pairing store. The caller closes
// the returned db.
func openStore(c *cli.Context) (*pairing.Store, *sql.DB, error) {
	cfg := loadedConfig(c)
	if cfg.Postgres.DSN == "" {
		return nil, nil, fmt.Errorf("postgres.dsn is not configured")
	}
	db, err := pairing.Open(c.Context, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pairing.NewStore(db), db, nil
}

func listPairings(c *cli.Context) error {
	store, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	pairings, err := store.List(c.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "SERVER\tOWNER\tROUTE\tPLAYER\tDEVICES")
	for _, p := range pairings {
		devices, err := store.Devices(c.Context, p.ServerAddress)
		if err != nil {
			return err
		}
		redacted := session.Config{PlayerID: p.PlayerID, PlayerToken: p.PlayerToken}.Redacted()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ServerAddress, p.OwnerID, p.RoutingTarget, redacted.PlayerID, len(devices))
	}
	return nil
}

type pairingWriter interface {
	SavePairing(ctx context.Context, p pairing.Pairing) error
	SaveDevice(ctx context.Context, d pairing.Device) error
}

// savePairing validates p the way a session would before storing it.
func savePairing(ctx context.Context, w pairingWriter, p pairing.Pairing) error {
	host, portStr, err := net.SplitHostPort(p.ServerAddress)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("server: bad port %q", portStr)
	}
	cfg := session.Config{Host: host, Port: port, PlayerID: p.PlayerID, PlayerToken: p.PlayerToken}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return w.SavePairing(ctx, p)
}

func saveDevice(ctx context.Context, w pairingWriter, d pairing.Device) error {
	if d.Type != "" && entity.ParseType(d.Type) == entity.Unknown {
		return fmt.Errorf("unknown device type %q", d.Type)
	}
	if _, _, err := net.SplitHostPort(d.ServerAddress); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return w.SaveDevice(ctx, d)
}

func addPairing(c *cli.Context) error {
	store, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(c.Context); err != nil {
		return err
	}

	p := pairing.Pairing{
		ServerAddress: c.String("server"),
		OwnerID:       c.String("owner"),
		RoutingTarget: c.String("route"),
		PlayerID:      c.String("player-id"),
		PlayerToken:   c.String("player-token"),
	}
	if err := savePairing(c.Context, store, p); err != nil {
		return err
	}
	log.WithField("server", p.ServerAddress).Info("pairing saved")
	return nil
}

func addDevice(c *cli.Context) error {
	store, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(c.Context); err != nil {
		return err
	}

	d := pairing.Device{
		ServerAddress: c.String("server"),
		EntityID:      uint32(c.Uint("entity")),
		Name:          c.String("name"),
		Type:          c.String("type"),
	}
	if err := saveDevice(c.Context, store, d); err != nil {
		return err
	}
	log.WithFields(log.Fields{"server": d.ServerAddress, "entity": d.EntityID}).Info("device saved")
	return nil
}
