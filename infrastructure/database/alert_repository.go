package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// AlertRepository persists alerts in postgres.
type AlertRepository struct {
	db   *sqlx.DB
	exec *executor
}

var _ repository.AlertRepository = (*AlertRepository)(nil)

// NewAlertRepository creates the postgres alert repository.
func NewAlertRepository(db *sqlx.DB, collector *metrics.Collector, logger *logging.Logger) *AlertRepository {
	return &AlertRepository{
		db:   db,
		exec: newExecutor("postgres-alerts", collector, logger.WithComponent("alert-repository")),
	}
}

type alertRow struct {
	ID                 uuid.UUID      `db:"id"`
	IncidentID         uuid.UUID      `db:"incident_id"`
	Severity           string         `db:"severity"`
	Status             string         `db:"status"`
	Title              string         `db:"title"`
	RecommendedActions pq.StringArray `db:"recommended_actions"`
	AcknowledgedBy     string         `db:"acknowledged_by"`
	DismissReason      string         `db:"dismiss_reason"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func toAlertRow(alert *entity.Alert) *alertRow {
	return &alertRow{
		ID:                 alert.ID,
		IncidentID:         alert.IncidentID,
		Severity:           string(alert.Severity),
		Status:             string(alert.Status),
		Title:              alert.Title,
		RecommendedActions: pq.StringArray(alert.RecommendedActions),
		AcknowledgedBy:     alert.AcknowledgedBy,
		DismissReason:      alert.DismissReason,
		CreatedAt:          alert.CreatedAt,
		UpdatedAt:          alert.UpdatedAt,
	}
}

func (r *alertRow) toEntity() *entity.Alert {
	return &entity.Alert{
		ID:                 r.ID,
		IncidentID:         r.IncidentID,
		Severity:           entity.Severity(r.Severity),
		Status:             entity.AlertStatus(r.Status),
		Title:              r.Title,
		RecommendedActions: []string(r.RecommendedActions),
		AcknowledgedBy:     r.AcknowledgedBy,
		DismissReason:      r.DismissReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// Create inserts a new alert row.
func (r *AlertRepository) Create(ctx context.Context, alert *entity.Alert) error {
	query := `
		INSERT INTO alerts (
			id, incident_id, severity, status, title, recommended_actions,
			acknowledged_by, dismiss_reason, created_at, updated_at
		) VALUES (
			:id, :incident_id, :severity, :status, :title, :recommended_actions,
			:acknowledged_by, :dismiss_reason, :created_at, :updated_at
		)`
	return r.exec.execute(ctx, "create_alert", func(ctx context.Context) error {
		_, err := r.db.NamedExecContext(ctx, query, toAlertRow(alert))
		return err
	})
}

// Update rewrites the mutable alert columns.
func (r *AlertRepository) Update(ctx context.Context, alert *entity.Alert) error {
	query := `
		UPDATE alerts SET
			severity = :severity,
			status = :status,
			acknowledged_by = :acknowledged_by,
			dismiss_reason = :dismiss_reason,
			updated_at = :updated_at
		WHERE id = :id`
	return r.exec.execute(ctx, "update_alert", func(ctx context.Context) error {
		result, err := r.db.NamedExecContext(ctx, query, toAlertRow(alert))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return entity.ErrNotFound("alert")
		}
		return nil
	})
}

// GetByID loads one alert.
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Alert, error) {
	var row alertRow
	query := `SELECT * FROM alerts WHERE id = $1`
	err := r.exec.execute(ctx, "get_alert", func(ctx context.Context) error {
		err := r.db.GetContext(ctx, &row, query, id)
		if isNoRows(err) {
			return entity.ErrNotFound("alert")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

// List returns alerts matching the filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter repository.AlertFilter) ([]*entity.Alert, error) {
	query := `SELECT * FROM alerts WHERE 1=1`
	args := map[string]interface{}{}
	if filter.IncidentID != uuid.Nil {
		query += ` AND incident_id = :incident_id`
		args["incident_id"] = filter.IncidentID
	}
	if filter.Status != "" {
		query += ` AND status = :status`
		args["status"] = string(filter.Status)
	}
	if filter.Severity != "" {
		query += ` AND severity = :severity`
		args["severity"] = string(filter.Severity)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT :limit`
	args["limit"] = limit

	var rows []alertRow
	err := r.exec.execute(ctx, "list_alerts", func(ctx context.Context) error {
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

	alerts := make([]*entity.Alert, 0, len(rows))
	for i := range rows {
		alerts = append(alerts, rows[i].toEntity())
	}
	return alerts, nil
}

// GetOpenByIncident returns the single open alert for an incident. Open
// means neither dismissed nor resolved.
func (r *AlertRepository) GetOpenByIncident(ctx context.Context, incidentID uuid.UUID) (*entity.Alert, error) {
	var row alertRow
	query := `
		SELECT * FROM alerts
		WHERE incident_id = $1 AND status NOT IN ('dismissed', 'resolved')
		ORDER BY created_at DESC
		LIMIT 1`
	err := r.exec.execute(ctx, "get_open_alert", func(ctx context.Context) error {
		err := r.db.GetContext(ctx, &row, query, incidentID)
		if isNoRows(err) {
			return entity.ErrNotFound("open alert")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}
