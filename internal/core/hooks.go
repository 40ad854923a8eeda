package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/billing/internal/cache"
	"github.com/edvin/billing/internal/model"
)

// Cache is the key/value cache shared with the rest of the product.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// StaffGate toggles every staff account of an organization and reports how many rows it touched.
type StaffGate interface {
	EnableAllStaff(ctx context.Context, organizationID string) (int64, error)
	DisableAllStaff(ctx context.Context, organizationID string) (int64, error)
}

// Notifier pushes an event to every connected client of an organization.
type Notifier interface {
	EmitToOrganization(ctx context.Context, organizationID, event string, payload any) error
}

// UserLister lists the users of an organization.
type UserLister interface {
	ListByOrganization(ctx context.Context, organizationID string) ([]model.User, error)
}

// AuditRecorder appends audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry *model.AuditLog) error
}

// EventSubscriptionUpdated is the real-time event name sent on every transition.
const EventSubscriptionUpdated = "subscription.updated"

// CacheHook drops every cached copy of the organization's users and fences
// the cached subscription.
type CacheHook struct {
	cache Cache
	users UserLister
}

func NewCacheHook(c Cache, users UserLister) *CacheHook {
	return &CacheHook{cache: c, users: users}
}

func (h *CacheHook) Name() string { return "cache" }

func (h *CacheHook) Run(ctx context.Context, c Change) error {
	sub := c.Current
	var keys []string
	if sub.UserID != "" {
		keys = append(keys, cache.UserByIDKey(sub.UserID))
	}

	users, listErr := h.users.ListByOrganization(ctx, sub.OrganizationID)
	for _, u := range users {
		if u.ID != sub.UserID {
			keys = append(keys, cache.UserByIDKey(u.ID))
		}
		if u.Email != "" {
			keys = append(keys, cache.UserByEmailKey(u.Email))
		}
	}

	fenceErr := fenceSubscription(ctx, h.cache, sub.OrganizationID)

	// Delete what we know about even when listing failed.
	delErr := h.cache.Delete(ctx, keys...)
	if delErr != nil {
		delErr = fmt.Errorf("delete %d cache keys: %w", len(keys), delErr)
	}
	if listErr != nil {
		listErr = fmt.Errorf("list users for cache invalidation: %w", listErr)
	}
	return errors.Join(listErr, fenceErr, delErr)
}

// StaffHook enables or disables staff seats when the subscription crosses the entitled boundary.
type StaffHook struct {
	staff StaffGate
}

func NewStaffHook(staff StaffGate) *StaffHook {
	return &StaffHook{staff: staff}
}

func (h *StaffHook) Name() string { return "staff" }

func (h *StaffHook) Run(ctx context.Context, c Change) error {
	was, is := c.Previous.Status.Entitled(), c.Current.Status.Entitled()
	if was == is {
		return nil
	}
	if is {
		if _, err := h.staff.EnableAllStaff(ctx, c.Current.OrganizationID); err != nil {
			return fmt.Errorf("enable staff: %w", err)
		}
		return nil
	}
	if _, err := h.staff.DisableAllStaff(ctx, c.Current.OrganizationID); err != nil {
		return fmt.Errorf("disable staff: %w", err)
	}
	return nil
}

// SubscriptionUpdate is the real-time payload of EventSubscriptionUpdated.
type SubscriptionUpdate struct {
	Status   model.SubscriptionStatus `json:"status"`
	Tier     model.Tier               `json:"tier"`
	Platform model.Platform           `json:"platform"`
	CancelAt *time.Time               `json:"cancel_at"`
}

// NotifyHook tells connected clients of the organization about the new state.
type NotifyHook struct {
	notifier Notifier
}

func NewNotifyHook(n Notifier) *NotifyHook {
	return &NotifyHook{notifier: n}
}

func (h *NotifyHook) Name() string { return "notify" }

func (h *NotifyHook) Run(ctx context.Context, c Change) error {
	sub := c.Current
	err := h.notifier.EmitToOrganization(ctx, sub.OrganizationID, EventSubscriptionUpdated, SubscriptionUpdate{
		Status:   sub.Status,
		Tier:     sub.Tier,
		Platform: sub.Platform,
		CancelAt: sub.CancelAt,
	})
	if err != nil {
		return fmt.Errorf("emit %s: %w", EventSubscriptionUpdated, err)
	}
	return nil
}

// AuditHook appends one audit_logs row per transition.
type AuditHook struct {
	audit AuditRecorder
}

func NewAuditHook(a AuditRecorder) *AuditHook {
	return &AuditHook{audit: a}
}

func (h *AuditHook) Name() string { return "audit" }

type subscriptionChanges struct {
	PreviousStatus model.SubscriptionStatus `json:"previous_status"`
	Status         model.SubscriptionStatus `json:"status"`
	PreviousTier   model.Tier               `json:"previous_tier"`
	Tier           model.Tier               `json:"tier"`
	Event          model.EventKind          `json:"event"`
	Platform       model.Platform           `json:"platform"`
	SourceType     string                   `json:"source_type,omitempty"`
	SourceID       string                   `json:"source_id,omitempty"`
}

func (h *AuditHook) Run(ctx context.Context, c Change) error {
	changes, err := json.Marshal(subscriptionChanges{
		PreviousStatus: c.Previous.Status,
		Status:         c.Current.Status,
		PreviousTier:   c.Previous.Tier,
		Tier:           c.Current.Tier,
		Event:          c.Notification.Event.Kind(),
		Platform:       c.Notification.Platform,
		SourceType:     c.Notification.SourceType,
		SourceID:       c.Notification.SourceID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}

	var userID *string
	if c.Current.UserID != "" {
		id := c.Current.UserID
		userID = &id
	}

	entry := &model.AuditLog{
		OrganizationID: c.Current.OrganizationID,
		UserID:         userID,
		Action:         AuditAction(c.Current.Status),
		EntityType:     model.EntitySubscription,
		EntityID:       c.Current.ID,
		Changes:        changes,
	}
	if err := h.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// AuditAction names the audit action for a subscription entering status.
func AuditAction(status model.SubscriptionStatus) string {
	if status == model.StatusActive {
		return "subscription.activated"
	}
	return "subscription." + string(status)
}
