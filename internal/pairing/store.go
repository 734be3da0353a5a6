// Package pairing reads persisted server pairings and paired device names
// from Postgres.
package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when no device row matches a lookup.
var ErrNotFound = errors.New("pairing: not found")

// Pairing links a game server to the owner whose credentials open it and
// the channel alerts are routed to.
type Pairing struct {
	ServerAddress string
	OwnerID       string
	RoutingTarget string
	PlayerID      string
	PlayerToken   string
}

// Device is a named in-world entity paired on a server. Type is the
// entity type name ("switch", "alarm", "storage_monitor") or empty.
type Device struct {
	ServerAddress string
	EntityID      uint32
	Name          string
	Type          string
}

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a Postgres-backed pairing store.
type Store struct {
	db DBTX
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the pairing tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pairing schema: %w", err)
		}
	}
	return nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS pairings (
	server_address TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	routing_target TEXT NOT NULL DEFAULT '',
	player_id      TEXT NOT NULL,
	player_token   TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS devices (
	server_address TEXT NOT NULL,
	entity_id      BIGINT NOT NULL,
	name           TEXT NOT NULL,
	entity_type    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (server_address, entity_id)
)`}

// List returns every stored pairing ordered by server address.
func (s *Store) List(ctx context.Context) ([]Pairing, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT server_address, owner_id, routing_target, player_id, player_token
FROM pairings
ORDER BY server_address`)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	var out []Pairing
	for rows.Next() {
		var p Pairing
		if err := rows.Scan(&p.ServerAddress, &p.OwnerID, &p.RoutingTarget, &p.PlayerID, &p.PlayerToken); err != nil {
			return nil, fmt.Errorf("scan pairing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePairing inserts or replaces the pairing for p.ServerAddress.
func (s *Store) SavePairing(ctx context.Context, p Pairing) error {
	if p.ServerAddress == "" || p.OwnerID == "" {
		return errors.New("pairing: missing server address or owner")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pairings (server_address, owner_id, routing_target, player_id, player_token)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (server_address) DO UPDATE
SET owner_id = $2, routing_target = $3, player_id = $4, player_token = $5`,
		p.ServerAddress, p.OwnerID, p.RoutingTarget, p.PlayerID, p.PlayerToken)
	return err
}

// SaveDevice inserts or renames a paired device.
func (s *Store) SaveDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (server_address, entity_id, name, entity_type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (server_address, entity_id) DO UPDATE
SET name = $3, entity_type = $4`,
		d.ServerAddress, int64(d.EntityID), d.Name, d.Type)
	return err
}

// Devices lists the paired devices of one server.
func (s *Store) Devices(ctx context.Context, serverAddress string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_id, name, entity_type
FROM devices
WHERE server_address = $1
ORDER BY entity_id`, serverAddress)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var id int64
		d := Device{ServerAddress: serverAddress}
		if err := rows.Scan(&id, &d.Name, &d.Type); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.EntityID = uint32(id)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDeviceName returns the stored name of an entity on a server.
func (s *Store) ResolveDeviceName(ctx context.Context, entityID uint32, serverAddress string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
SELECT name FROM devices
WHERE server_address = $1 AND entity_id = $2`, serverAddress, int64(entityID)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve device name: %w", err)
	}
	return name, nil
}
