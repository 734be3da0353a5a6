package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/raidwatch/backend/internal/eventlog"
)

type eventReader interface {
	Recent(ctx context.Context, actorID string, limit int64) ([]eventlog.Document, error)
}

func listEvents(c *cli.Context) error {
	cfg := loadedConfig(c)
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is not configured")
	}
	m, err := eventlog.OpenMongo(c.Context, cfg.Mongo.EventLog())
	if err != nil {
		return err
	}
	defer m.Close(context.Background())
	return printEvents(c.Context, os.Stdout, m, c.String("owner"), c.Int64("limit"))
}

// printEvents writes the newest records for owner, newest first.
func printEvents(ctx context.Context, out io.Writer, r eventReader, owner string, limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	docs, err := r.Recent(ctx, owner, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "TIME\tKIND\tPAYLOAD")
	for _, d := range docs {
		payload := "-"
		if d.Payload != nil {
			if b, err := json.Marshal(d.Payload); err == nil {
				payload = string(b)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.RecordedAt.Format(time.RFC3339), d.Kind, payload)
	}
	return nil
}
