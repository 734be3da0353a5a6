package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/raidwatch/backend/internal/config"
	"github.com/raidwatch/backend/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "raidwatch",
		Usage: "companion-protocol bridge for game servers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to config file",
				EnvVars: []string{"RAIDWATCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level from the config file",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "connect to every configured and paired server",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "mock", Usage: "dial an in-process demo server instead of the network"},
					&cli.StringFlag{Name: "http", Usage: "override http.addr"},
					&cli.StringFlag{Name: "token", Usage: "bearer token required by the HTTP API", EnvVars: []string{"RAIDWATCH_TOKEN"}},
				},
				Action: serve,
			},
			{
				Name:   "pairings",
				Usage:  "list or edit the pairing store",
				Action: listPairings,
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list pairings and device counts",
						Action: listPairings,
					},
					{
						Name:  "add",
						Usage: "pair a server, replacing any existing pairing for it",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "server", Usage: "server address as host:port", Required: true},
							&cli.StringFlag{Name: "owner", Usage: "owner the event log attributes records to", Required: true},
							&cli.StringFlag{Name: "route", Usage: "channel alerts are routed to"},
							&cli.StringFlag{Name: "player-id", Required: true},
							&cli.StringFlag{Name: "player-token", Required: true, EnvVars: []string{"RAIDWATCH_PLAYER_TOKEN"}},
						},
						Action: addPairing,
					},
					{
						Name:  "device",
						Usage: "name a paired device on a server",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "server", Usage: "server address as host:port", Required: true},
							&cli.UintFlag{Name: "entity", Usage: "entity id", Required: true},
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "type", Usage: "switch, alarm or storage_monitor"},
						},
						Action: addDevice,
					},
				},
			},
			{
				Name:  "events",
				Usage: "show the newest event log records for an owner",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Required: true},
					&cli.Int64Flag{Name: "limit", Value: 20},
				},
				Action: listEvents,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the config and configures logging before any command runs.
func setup(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return err
	}
	c.App.Metadata = map[string]interface{}{"config": cfg}
	return nil
}

func loadedConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}
