package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const (
	collContexts  = "preserved_contexts"
	collLive      = "live_contexts"
	collSnapshots = "context_snapshots"
	collHandoffs  = "handoff_records"
)

type liveDoc struct {
	ID        string    `bson:"_id"`
	TaskID    string    `bson:"task_id"`
	SessionID string    `bson:"session_id"`
	ContextID string    `bson:"context_id"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore MongoDB 文档存储实现
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoStore 连接 MongoDB 并确保索引存在
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "agentrelay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger.With(zap.String("component", "mongo_store")),
	}
	if err := s.ensureIndexes(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collContexts: {
			{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "session_id", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		collSnapshots: {
			{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		collHandoffs: {
			{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// SaveContext 实现 ContextStore
func (s *MongoStore) SaveContext(ctx context.Context, pc *types.PreservedContext) error {
	if err := validateContext(pc); err != nil {
		return err
	}
	if _, err := s.db.Collection(collContexts).InsertOne(ctx, pc); err != nil {
		return Unavailable("mongo save context", err)
	}

	doc := liveDoc{
		ID:        pc.TaskID + "/" + pc.SessionID,
		TaskID:    pc.TaskID,
		SessionID: pc.SessionID,
		ContextID: pc.ID,
		UpdatedAt: pc.CreatedAt,
	}
	_, err := s.db.Collection(collLive).ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return Unavailable("mongo update live context", err)
}

// LatestContext 实现 ContextStore
func (s *MongoStore) LatestContext(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	var live liveDoc
	err := s.db.Collection(collLive).FindOne(ctx, bson.M{"_id": taskID + "/" + sessionID}).Decode(&live)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("mongo latest context", err)
	}
	return s.GetContext(ctx, live.ContextID)
}

// GetContext 实现 ContextStore
func (s *MongoStore) GetContext(ctx context.Context, id string) (*types.PreservedContext, error) {
	var pc types.PreservedContext
	err := s.db.Collection(collContexts).FindOne(ctx, bson.M{"_id": id}).Decode(&pc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("mongo get context", err)
	}
	return &pc, nil
}

// SaveSnapshot 实现 ContextStore
func (s *MongoStore) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	_, err := s.db.Collection(collSnapshots).InsertOne(ctx, snap)
	return Unavailable("mongo save snapshot", err)
}

// ListSnapshots 实现 ContextStore
func (s *MongoStore) ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error) {
	cur, err := s.db.Collection(collSnapshots).Find(ctx,
		bson.M{"task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, Unavailable("mongo list snapshots", err)
	}
	var out []types.Snapshot
	if err := cur.All(ctx, &out); err != nil {
		return nil, Unavailable("mongo decode snapshots", err)
	}
	return out, nil
}

// AppendHandoff 实现 HandoffLog
func (s *MongoStore) AppendHandoff(ctx context.Context, rec types.HandoffRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	_, err := s.db.Collection(collHandoffs).InsertOne(ctx, rec)
	return Unavailable("mongo append handoff", err)
}

// ListHandoffs 实现 HandoffLog
func (s *MongoStore) ListHandoffs(ctx context.Context, taskID string) ([]types.HandoffRecord, error) {
	return s.findHandoffs(ctx, bson.M{"task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
}

// RecentHandoffs 实现 HandoffLog
func (s *MongoStore) RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findHandoffs(ctx, bson.M{}, opts)
}

func (s *MongoStore) findHandoffs(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]types.HandoffRecord, error) {
	cur, err := s.db.Collection(collHandoffs).Find(ctx, filter, opts)
	if err != nil {
		return nil, Unavailable("mongo find handoffs", err)
	}
	var out []types.HandoffRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, Unavailable("mongo decode handoffs", err)
	}
	return out, nil
}

// Purge 实现 Store
func (s *MongoStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	targets := []struct {
		coll  string
		field string
	}{
		{collContexts, "created_at"},
		{collSnapshots, "created_at"},
		{collHandoffs, "timestamp"},
		{collLive, "updated_at"},
	}
	for _, t := range targets {
		res, err := s.db.Collection(t.coll).DeleteMany(ctx, bson.M{t.field: bson.M{"$lt": before}})
		if err != nil {
			return total, Unavailable("mongo purge "+t.coll, err)
		}
		if t.coll != collLive {
			total += res.DeletedCount
		}
	}
	return total, nil
}

// Ping 实现 Store
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 实现 Store
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
