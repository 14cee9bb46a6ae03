package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// ModelRepository persists versioned model state in postgres. Retention
// trims the oldest versions past the configured count, but never the active
// one.
type ModelRepository struct {
	db       *sqlx.DB
	exec     *executor
	retained int
	logger   *logging.Logger
}

var _ repository.ModelRepository = (*ModelRepository)(nil)

// NewModelRepository creates the postgres model repository.
func NewModelRepository(db *sqlx.DB, cfg config.LearningConfig, collector *metrics.Collector, logger *logging.Logger) *ModelRepository {
	retained := cfg.RetainedVersions
	if retained <= 0 {
		retained = 10
	}
	return &ModelRepository{
		db:       db,
		exec:     newExecutor("postgres-models", collector, logger.WithComponent("model-repository")),
		retained: retained,
		logger:   logger.WithComponent("model-repository"),
	}
}

type modelRow struct {
	ModelType        string    `db:"model_type"`
	Version          string    `db:"version"`
	Parameters       []byte    `db:"parameters"`
	PerformanceScore float64   `db:"performance_score"`
	LastTrainedAt    time.Time `db:"last_trained_at"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r *modelRow) toEntity() (*entity.ModelState, error) {
	state := &entity.ModelState{
		ModelType:        r.ModelType,
		Version:          r.Version,
		PerformanceScore: r.PerformanceScore,
		LastTrainedAt:    r.LastTrainedAt,
		CreatedAt:        r.CreatedAt,
	}
	if err := json.Unmarshal(r.Parameters, &state.Parameters); err != nil {
		return nil, entity.ErrTransientStore("decode model parameters", err)
	}
	return state, nil
}

// Save inserts one model version and applies the retention policy.
func (r *ModelRepository) Save(ctx context.Context, state *entity.ModelState) error {
	params, err := json.Marshal(state.Parameters)
	if err != nil {
		return entity.ErrInvalidInput("parameters")
	}
	row := &modelRow{
		ModelType:        state.ModelType,
		Version:          state.Version,
		Parameters:       params,
		PerformanceScore: state.PerformanceScore,
		LastTrainedAt:    state.LastTrainedAt,
		CreatedAt:        state.CreatedAt,
	}
	query := `
		INSERT INTO model_states (
			model_type, version, parameters, performance_score, last_trained_at, created_at
		) VALUES (
			:model_type, :version, :parameters, :performance_score, :last_trained_at, :created_at
		)
		ON CONFLICT (model_type, version) DO UPDATE SET
			parameters = EXCLUDED.parameters,
			performance_score = EXCLUDED.performance_score,
			last_trained_at = EXCLUDED.last_trained_at`
	if err := r.exec.execute(ctx, "save_model", func(ctx context.Context) error {
		_, err := r.db.NamedExecContext(ctx, query, row)
		return err
	}); err != nil {
		return err
	}
	return r.trim(ctx, state.ModelType)
}

// trim deletes versions beyond the retention count, oldest first, keeping
// the active version regardless of age.
func (r *ModelRepository) trim(ctx context.Context, modelType string) error {
	query := `
		DELETE FROM model_states
		WHERE model_type = $1
		AND version NOT IN (SELECT version FROM model_active_versions WHERE model_type = $1)
		AND version NOT IN (
			SELECT version FROM model_states
			WHERE model_type = $1
			ORDER BY created_at DESC
			LIMIT $2
		)`
	return r.exec.execute(ctx, "trim_models", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, modelType, r.retained)
		return err
	})
}

// Load returns one retained version.
func (r *ModelRepository) Load(ctx context.Context, modelType, version string) (*entity.ModelState, error) {
	var row modelRow
	query := `SELECT * FROM model_states WHERE model_type = $1 AND version = $2`
	err := r.exec.execute(ctx, "load_model", func(ctx context.Context) error {
		err := r.db.GetContext(ctx, &row, query, modelType, version)
		if isNoRows(err) {
			return entity.ErrNotFound("model version")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toEntity()
}

// ListVersions returns all retained versions, newest first.
func (r *ModelRepository) ListVersions(ctx context.Context, modelType string) ([]*entity.ModelState, error) {
	var rows []modelRow
	query := `SELECT * FROM model_states WHERE model_type = $1 ORDER BY created_at DESC`
	err := r.exec.execute(ctx, "list_models", func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &rows, query, modelType)
	})
	if err != nil {
		return nil, err
	}
	states := make([]*entity.ModelState, 0, len(rows))
	for i := range rows {
		state, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// ActiveVersion returns the version marked active for a model type.
func (r *ModelRepository) ActiveVersion(ctx context.Context, modelType string) (string, error) {
	var version string
	query := `SELECT version FROM model_active_versions WHERE model_type = $1`
	err := r.exec.execute(ctx, "active_version", func(ctx context.Context) error {
		err := r.db.GetContext(ctx, &version, query, modelType)
		if isNoRows(err) {
			return entity.ErrNotFound("active model version")
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

// SetActiveVersion marks a version active for a model type.
func (r *ModelRepository) SetActiveVersion(ctx context.Context, modelType, version string) error {
	query := `
		INSERT INTO model_active_versions (model_type, version, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (model_type) DO UPDATE SET
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`
	return r.exec.execute(ctx, "set_active_version", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, modelType, version, time.Now().UTC())
		return err
	})
}
