package model

import (
	"encoding/json"
	"time"
)

// AuditLog is an append-only record of a subscription transition.
type AuditLog struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	UserID         *string         `json:"user_id,omitempty" db:"user_id"`
	Action         string          `json:"action" db:"action"`
	EntityType     string          `json:"entity_type" db:"entity_type"`
	EntityID       string          `json:"entity_id" db:"entity_id"`
	Changes        json.RawMessage `json:"changes,omitempty" db:"changes"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// EntitySubscription is the audit entity type for subscription rows.
const EntitySubscription = "subscription"
