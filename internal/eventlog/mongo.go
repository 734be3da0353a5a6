package eventlog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig selects the collection records are written to.
type MongoConfig struct {
	URI              string
	Database         string
	Collection       string
	OperationTimeout time.Duration
	AppName          string
}

// Mongo inserts one document per record.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// Document is the stored shape of a record.
type Document struct {
	ActorID    string    `bson:"actor_id"`
	Kind       string    `bson:"kind"`
	Payload    any       `bson:"payload,omitempty"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// OpenMongo connects, pings, and ensures the actor/time index exists.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "events"
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "actor_id", Value: 1}, {Key: "recorded_at", Value: -1}},
		Options: options.Index().SetName("events_actor_recorded_at"),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("create event index: %w", err)
	}

	return &Mongo{client: client, coll: coll, timeout: cfg.OperationTimeout}, nil
}

func (m *Mongo) Record(ctx context.Context, actorID, kind string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.coll.InsertOne(ctx, Document{
		ActorID:    actorID,
		Kind:       kind,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert event %s: %w", kind, err)
	}
	return nil
}

// Recent returns the newest records for actorID, newest first.
func (m *Mongo) Recent(ctx context.Context, actorID string, limit int64) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	cur, err := m.coll.Find(ctx,
		bson.D{{Key: "actor_id", Value: actorID}},
		options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return docs, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
