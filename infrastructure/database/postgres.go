// Package database implements the persistence contracts: postgres for
// incidents, alerts and model state, mongo for the bounded raw-event
// window. Store calls run behind a circuit breaker with bounded retry;
// callers see typed errors, never driver internals.
package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// NewPostgresDB connects to postgres and configures the pool.
func NewPostgresDB(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, entity.ErrTransientStore("postgres connect", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, entity.ErrTransientStore("postgres ping", err)
	}
	return db, nil
}

// schema is applied on startup; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id              UUID PRIMARY KEY,
	entity_id       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	signature       TEXT NOT NULL,
	bucket_start    TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	aggregate_score DOUBLE PRECISION NOT NULL,
	severity        TEXT NOT NULL,
	scores          JSONB NOT NULL DEFAULT '[]',
	status_actor    TEXT NOT NULL DEFAULT '',
	status_reason   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	last_score_at   TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_incidents_entity ON incidents (entity_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status);

CREATE TABLE IF NOT EXISTS alerts (
	id                  UUID PRIMARY KEY,
	incident_id         UUID NOT NULL,
	severity            TEXT NOT NULL,
	status              TEXT NOT NULL,
	title               TEXT NOT NULL,
	recommended_actions TEXT[] NOT NULL DEFAULT '{}',
	acknowledged_by     TEXT NOT NULL DEFAULT '',
	dismiss_reason      TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_incident ON alerts (incident_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_open_per_incident
    ON alerts (incident_id) WHERE status NOT IN ('dismissed', 'resolved');

CREATE TABLE IF NOT EXISTS model_states (
	model_type        TEXT NOT NULL,
	version           TEXT NOT NULL,
	parameters        JSONB NOT NULL,
	performance_score DOUBLE PRECISION NOT NULL,
	last_trained_at   TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (model_type, version)
);

CREATE TABLE IF NOT EXISTS model_active_versions (
	model_type TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return entity.ErrTransientStore("apply schema", err)
	}
	return nil
}

// executor runs store operations behind a circuit breaker with bounded
// exponential backoff. Typed application errors (not found, invariant)
// pass through untouched and are never retried.
type executor struct {
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
	logger  *logging.Logger

	maxAttempts int
	baseDelay   time.Duration
}

func newExecutor(name string, collector *metrics.Collector, logger *logging.Logger) *executor {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	}
	return &executor{
		breaker:     gobreaker.NewCircuitBreaker(settings),
		metrics:     collector,
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
	}
}

func (e *executor) execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		_, err := e.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if appErr := entity.GetAppError(err); appErr != nil && appErr.Code != entity.ErrCodeTransientStore {
			return err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return entity.ErrTransientStore(operation, err)
		}
		lastErr = err
		if attempt == e.maxAttempts {
			break
		}
		e.metrics.RecordStoreRetry(operation)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.baseDelay << (attempt - 1)):
		}
	}
	return entity.ErrTransientStore(operation, lastErr)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
