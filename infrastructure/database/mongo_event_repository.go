package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// NewMongoDatabase connects to mongo and returns the configured database.
func NewMongoDatabase(ctx context.Context, cfg config.MongoDBConfig) (*mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, entity.ErrTransientStore("mongo connect", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, entity.ErrTransientStore("mongo ping", err)
	}
	return client.Database(cfg.Database), nil
}

// MongoEventRepository stores raw events in mongo for a bounded replay
// window enforced by a TTL index. Events are append-only.
type MongoEventRepository struct {
	collection *mongo.Collection
	exec       *executor
	logger     *logging.Logger
}

var _ repository.EventRepository = (*MongoEventRepository)(nil)

// NewMongoEventRepository creates the event repository and ensures its
// indexes, including the replay-window TTL.
func NewMongoEventRepository(ctx context.Context, db *mongo.Database, cfg config.MongoDBConfig, collector *metrics.Collector, logger *logging.Logger) (*MongoEventRepository, error) {
	log := logger.WithComponent("event-repository")
	repo := &MongoEventRepository{
		collection: db.Collection(cfg.Collection),
		exec:       newExecutor("mongo-events", collector, log),
		logger:     log,
	}

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "timestamp", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(cfg.ReplayWindow.Seconds())),
		},
	}
	if _, err := repo.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, entity.ErrTransientStore("create event indexes", err)
	}
	return repo, nil
}

// Store appends one immutable event.
func (r *MongoEventRepository) Store(ctx context.Context, event *entity.Event) error {
	return r.exec.execute(ctx, "store_event", func(ctx context.Context) error {
		_, err := r.collection.InsertOne(ctx, event)
		if mongo.IsDuplicateKeyError(err) {
			// duplicate delivery of the same event id is not an error
			return nil
		}
		return err
	})
}

// GetByID loads one event from the replay window.
func (r *MongoEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Event, error) {
	var event entity.Event
	err := r.exec.execute(ctx, "get_event", func(ctx context.Context) error {
		err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&event)
		if err == mongo.ErrNoDocuments {
			return entity.ErrNotFound("event")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListByEntity returns an entity's events since the given time, newest
// first.
func (r *MongoEventRepository) ListByEntity(ctx context.Context, entityID string, since time.Time, limit int) ([]*entity.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []*entity.Event
	err := r.exec.execute(ctx, "list_events", func(ctx context.Context) error {
		filter := bson.M{
			"entity_id": entityID,
			"timestamp": bson.M{"$gte": since},
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetLimit(int64(limit))

		cursor, err := r.collection.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		events = events[:0]
		return cursor.All(ctx, &events)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
