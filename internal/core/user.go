package core

import (
	"context"
	"fmt"

	"github.com/edvin/billing/internal/model"
)

type UserService struct {
	db DB
}

func NewUserService(db DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) ListByOrganization(ctx context.Context, organizationID string) ([]model.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, organization_id, email, role, is_active
		 FROM users WHERE organization_id = $1 ORDER BY id`, organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list users for organization %s: %w", organizationID, err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Role, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}
