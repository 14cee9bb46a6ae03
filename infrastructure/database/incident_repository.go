package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// IncidentRepository persists incidents in postgres. Constituent scores are
// stored as a JSONB document alongside the row.
type IncidentRepository struct {
	db   *sqlx.DB
	exec *executor
}

var _ repository.IncidentRepository = (*IncidentRepository)(nil)

// NewIncidentRepository creates the postgres incident repository.
func NewIncidentRepository(db *sqlx.DB, collector *metrics.Collector, logger *logging.Logger) *IncidentRepository {
	return &IncidentRepository{
		db:   db,
		exec: newExecutor("postgres-incidents", collector, logger.WithComponent("incident-repository")),
	}
}

type incidentRow struct {
	ID             uuid.UUID  `db:"id"`
	EntityID       string     `db:"entity_id"`
	EventType      string     `db:"event_type"`
	Signature      string     `db:"signature"`
	BucketStart    time.Time  `db:"bucket_start"`
	Status         string     `db:"status"`
	AggregateScore float64    `db:"aggregate_score"`
	Severity       string     `db:"severity"`
	Scores         []byte     `db:"scores"`
	StatusActor    string     `db:"status_actor"`
	StatusReason   string     `db:"status_reason"`
	CreatedAt      time.Time  `db:"created_at"`
	LastScoreAt    time.Time  `db:"last_score_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	ClosedAt       *time.Time `db:"closed_at"`
}

func toIncidentRow(incident *entity.Incident) (*incidentRow, error) {
	scores, err := json.Marshal(incident.Scores)
	if err != nil {
		return nil, entity.ErrInvalidInput("scores")
	}
	return &incidentRow{
		ID:             incident.ID,
		EntityID:       incident.EntityID,
		EventType:      string(incident.EventType),
		Signature:      incident.Signature,
		BucketStart:    incident.BucketStart,
		Status:         string(incident.Status),
		AggregateScore: incident.AggregateScore,
		Severity:       string(incident.Severity),
		Scores:         scores,
		StatusActor:    incident.StatusActor,
		StatusReason:   incident.StatusReason,
		CreatedAt:      incident.CreatedAt,
		LastScoreAt:    incident.LastScoreAt,
		UpdatedAt:      incident.UpdatedAt,
		ClosedAt:       incident.ClosedAt,
	}, nil
}

func (r *incidentRow) toEntity() (*entity.Incident, error) {
	incident := &entity.Incident{
		ID:             r.ID,
		EntityID:       r.EntityID,
		EventType:      entity.EventType(r.EventType),
		Signature:      r.Signature,
		BucketStart:    r.BucketStart,
		Status:         entity.IncidentStatus(r.Status),
		AggregateScore: r.AggregateScore,
		Severity:       entity.Severity(r.Severity),
		StatusActor:    r.StatusActor,
		StatusReason:   r.StatusReason,
		CreatedAt:      r.CreatedAt,
		LastScoreAt:    r.LastScoreAt,
		UpdatedAt:      r.UpdatedAt,
		ClosedAt:       r.ClosedAt,
	}
	if len(r.Scores) > 0 {
		if err := json.Unmarshal(r.Scores, &incident.Scores); err != nil {
			return nil, entity.ErrTransientStore("decode incident scores", err)
		}
	}
	return incident, nil
}

// Create inserts a new incident row.
func (r *IncidentRepository) Create(ctx context.Context, incident *entity.Incident) error {
	row, err := toIncidentRow(incident)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO incidents (
			id, entity_id, event_type, signature, bucket_start, status,
			aggregate_score, severity, scores, status_actor, status_reason,
			created_at, last_score_at, updated_at, closed_at
		) VALUES (
			:id, :entity_id, :event_type, :signature, :bucket_start, :status,
			:aggregate_score, :severity, :scores, :status_actor, :status_reason,
			:created_at, :last_score_at, :updated_at, :closed_at
		)`
	return r.exec.execute(ctx, "create_incident", func(ctx context.Context) error {
		_, err := r.db.NamedExecContext(ctx, query, row)
		return err
	})
}

// Update rewrites the mutable incident columns.
func (r *IncidentRepository) Update(ctx context.Context, incident *entity.Incident) error {
	row, err := toIncidentRow(incident)
	if err != nil {
		return err
	}
	query := `
		UPDATE incidents SET
			status = :status,
			aggregate_score = :aggregate_score,
			severity = :severity,
			scores = :scores,
			status_actor = :status_actor,
			status_reason = :status_reason,
			last_score_at = :last_score_at,
			updated_at = :updated_at,
			closed_at = :closed_at
		WHERE id = :id`
	return r.exec.execute(ctx, "update_incident", func(ctx context.Context) error {
		result, err := r.db.NamedExecContext(ctx, query, row)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return entity.ErrNotFound("incident")
		}
		return nil
	})
}

// GetByID loads one incident.
func (r *IncidentRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Incident, error) {
	var row incidentRow
	query := `SELECT * FROM incidents WHERE id = $1`
	err := r.exec.execute(ctx, "get_incident", func(ctx context.Context) error {
		err := r.db.GetContext(ctx, &row, query, id)
		if isNoRows(err) {
			return entity.ErrNotFound("incident")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toEntity()
}

// List returns incidents matching the filter, newest first.
func (r *IncidentRepository) List(ctx context.Context, filter repository.IncidentFilter) ([]*entity.Incident, error) {
	query := `SELECT * FROM incidents WHERE 1=1`
	args := map[string]interface{}{}
	if filter.EntityID != "" {
		query += ` AND entity_id = :entity_id`
		args["entity_id"] = filter.EntityID
	}
	if filter.EventType != "" {
		query += ` AND event_type = :event_type`
		args["event_type"] = string(filter.EventType)
	}
	if filter.Status != "" {
		query += ` AND status = :status`
		args["status"] = string(filter.Status)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= :since`
		args["since"] = filter.Since
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT :limit`
	args["limit"] = limit

	var rows []incidentRow
	err := r.exec.execute(ctx, "list_incidents", func(ctx context.Context) error {
		named, err := r.db.PrepareNamedContext(ctx, query)
		if err != nil {
			return err
		}
		defer named.Close()
		return named.SelectContext(ctx, &rows, args)
	})
	if err != nil {
		return nil, err
	}

	incidents := make([]*entity.Incident, 0, len(rows))
	for i := range rows {
		incident, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	return incidents, nil
}
