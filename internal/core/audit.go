package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/platform"
)

type AuditService struct {
	db DB
}

func NewAuditService(db DB) *AuditService {
	return &AuditService{db: db}
}

// Record inserts entry, filling ID and CreatedAt when they are empty.
func (s *AuditService) Record(ctx context.Context, entry *model.AuditLog) error {
	if entry.ID == "" {
		entry.ID = platform.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_logs (id, organization_id, user_id, action, entity_type, entity_id, changes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.Changes, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
