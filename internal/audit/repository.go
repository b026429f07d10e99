package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/models"
)

// Repository handles audit_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends an audit row.
func (r *Repository) Insert(ctx context.Context, log *models.AuditLog) error {
	meta := log.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	const q = `INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, risk_score, flagged, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, q, log.ID, log.UserID, log.Action, log.EntityType, log.EntityID,
		log.RiskScore, log.Flagged, meta, log.CreatedAt)
	return err
}

// ListByEntity returns audit rows for an entity, newest first.
func (r *Repository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error) {
	const q = `SELECT id, user_id, action, entity_type, entity_id, risk_score, flagged, metadata, created_at
		FROM audit_logs WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Action, &l.EntityType, &l.EntityID, &l.RiskScore, &l.Flagged, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &l)
	}
	return list, rows.Err()
}
