package model

// User is the subset of a user account the billing service reads.
type User struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Email          string `json:"email" db:"email"`
	Role           string `json:"role" db:"role"`
	IsActive       bool   `json:"is_active" db:"is_active"`
}

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)
