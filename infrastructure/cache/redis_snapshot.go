// Package cache persists baseline snapshots in redis so a restart does not
// reset every entity to cold start. Snapshots are msgpack-encoded and LZ4
// compressed; the store of record remains in memory.
package cache

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// NewRedisClient connects to redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, entity.ErrTransientStore("redis ping", err)
	}
	return client, nil
}

// BaselineSnapshotter periodically persists baseline snapshots to redis and
// restores them on startup.
type BaselineSnapshotter struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *logging.Logger
}

// NewBaselineSnapshotter builds the snapshotter.
func NewBaselineSnapshotter(client *redis.Client, cfg config.RedisConfig, logger *logging.Logger) *BaselineSnapshotter {
	return &BaselineSnapshotter{
		client: client,
		cfg:    cfg,
		logger: logger.WithComponent("baseline-snapshot"),
	}
}

func (s *BaselineSnapshotter) key(entityID string) string {
	return s.cfg.Namespace + ":baseline:" + entityID
}

func (s *BaselineSnapshotter) indexKey() string {
	return s.cfg.Namespace + ":baseline:index"
}

// Save persists one set of baselines. Each baseline is a separate key so a
// single oversized profile cannot corrupt the whole snapshot.
func (s *BaselineSnapshotter) Save(ctx context.Context, baselines []*entity.Baseline) error {
	if len(baselines) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, b := range baselines {
		payload, err := encodeBaseline(b)
		if err != nil {
			s.logger.Warn("baseline encode failed",
				logging.String("entity_id", b.EntityID),
				logging.Error(err),
			)
			continue
		}
		pipe.Set(ctx, s.key(b.EntityID), payload, s.cfg.SnapshotTTL)
		pipe.SAdd(ctx, s.indexKey(), b.EntityID)
	}
	pipe.Expire(ctx, s.indexKey(), s.cfg.SnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return entity.ErrTransientStore("save baseline snapshot", err)
	}
	return nil
}

// Load restores every snapshotted baseline. Undecodable entries are skipped
// with a warning; a warm restart with partial data beats none.
func (s *BaselineSnapshotter) Load(ctx context.Context) ([]*entity.Baseline, error) {
	entityIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, entity.ErrTransientStore("load baseline index", err)
	}

	baselines := make([]*entity.Baseline, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		payload, err := s.client.Get(ctx, s.key(entityID)).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, entity.ErrTransientStore("load baseline snapshot", err)
		}
		b, err := decodeBaseline(payload)
		if err != nil {
			s.logger.Warn("baseline decode failed, skipping",
				logging.String("entity_id", entityID),
				logging.Error(err),
			)
			continue
		}
		baselines = append(baselines, b)
	}
	return baselines, nil
}

// Run saves snapshots on the configured interval until the context ends,
// then takes a final snapshot so shutdown loses nothing.
func (s *BaselineSnapshotter) Run(ctx context.Context, snapshot func() []*entity.Baseline) {
	interval := s.cfg.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Save(flushCtx, snapshot()); err != nil {
				s.logger.Warn("final baseline snapshot failed", logging.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Save(ctx, snapshot()); err != nil {
				s.logger.Warn("baseline snapshot failed", logging.Error(err))
			}
		}
	}
}

func encodeBaseline(b *entity.Baseline) ([]byte, error) {
	raw, err := msgpack.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack marshal")
	}
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, errors.Wrap(err, "lz4 write")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 close")
	}
	return buf.Bytes(), nil
}

func decodeBaseline(payload []byte) (*entity.Baseline, error) {
	reader := lz4.NewReader(bytes.NewReader(payload))
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 read")
	}
	var b entity.Baseline
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(err, "msgpack unmarshal")
	}
	return &b, nil
}
