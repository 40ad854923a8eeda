package core

import (
	"context"
	"fmt"

	"github.com/edvin/billing/internal/model"
)

// StaffService gates staff seats on the organization's entitlement.
type StaffService struct {
	db DB
}

func NewStaffService(db DB) *StaffService {
	return &StaffService{db: db}
}

func (s *StaffService) EnableAllStaff(ctx context.Context, organizationID string) (int64, error) {
	return s.setActive(ctx, organizationID, true)
}

func (s *StaffService) DisableAllStaff(ctx context.Context, organizationID string) (int64, error) {
	return s.setActive(ctx, organizationID, false)
}

func (s *StaffService) setActive(ctx context.Context, organizationID string, active bool) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET is_active = $1, updated_at = now()
		 WHERE organization_id = $2 AND role = $3 AND is_active <> $1`,
		active, organizationID, model.RoleStaff,
	)
	if err != nil {
		return 0, fmt.Errorf("set staff active=%t for organization %s: %w", active, organizationID, err)
	}
	return tag.RowsAffected(), nil
}
