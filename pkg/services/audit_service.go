package services

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/snirego/feedbackd/pkg/models"
)

// AuditService writes and reads the append-only audit log.
type AuditService struct {
	db *sqlx.DB
}

// NewAuditService creates a new AuditService.
func NewAuditService(db *sqlx.DB) *AuditService {
	if db == nil {
		panic("NewAuditService: db must not be nil")
	}
	return &AuditService{db: db}
}

// Record appends an audit entry.
func (s *AuditService) Record(ctx context.Context, entityType string, entityID int64, action string, details models.Metadata) error {
	return insertAudit(ctx, s.db, entityType, entityID, action, details)
}

// ListForEntity returns audit entries for one entity in insertion order.
func (s *AuditService) ListForEntity(ctx context.Context, entityType string, entityID int64) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT id, entity_type, entity_id, action, details, created_at
		   FROM audit_logs
		  WHERE entity_type = $1 AND entity_id = $2
		  ORDER BY id ASC`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}

// insertAudit writes an audit row through db or an open transaction.
func insertAudit(ctx context.Context, ext sqlx.ExtContext, entityType string, entityID int64, action string, details models.Metadata) error {
	if details == nil {
		details = models.Metadata{}
	}
	_, err := ext.ExecContext(ctx,
		`INSERT INTO audit_logs (entity_type, entity_id, action, details)
		 VALUES ($1, $2, $3, $4)`,
		entityType, entityID, action, details)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}
