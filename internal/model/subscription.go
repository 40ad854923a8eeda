package model

import "time"

// Platform identifies which payment platform a subscription is bound to.
type Platform string

const (
	PlatformStripe    Platform = "stripe"
	PlatformAppStore  Platform = "app_store"
	PlatformPlayStore Platform = "play_store"
)

// Tier is the commercial plan level of a subscription.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Paid reports whether the tier is billed.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierEnterprise
}

// Features is the capability snapshot stored with a subscription.
type Features map[string]any

// Clone returns a shallow copy so callers can mutate without aliasing catalog defaults.
func (f Features) Clone() Features {
	if f == nil {
		return nil
	}
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Subscription is the single authoritative billing relationship of an organization.
// Exactly one of the three external key columns is populated, matching Platform.
type Subscription struct {
	ID                            string             `json:"id" db:"id"`
	OrganizationID                string             `json:"organization_id" db:"organization_id"`
	UserID                        string             `json:"user_id" db:"user_id"`
	Platform                      Platform           `json:"platform" db:"platform"`
	StripeSubscriptionID          *string            `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`
	AppStoreOriginalTransactionID *string            `json:"app_store_original_transaction_id,omitempty" db:"app_store_original_transaction_id"`
	PlayPurchaseToken             *string            `json:"play_purchase_token,omitempty" db:"play_purchase_token"`
	Tier                          Tier               `json:"tier" db:"tier"`
	Status                        SubscriptionStatus `json:"status" db:"status"`
	MonthlyPrice                  int64              `json:"monthly_price" db:"monthly_price"` // minor currency units
	TransactionFeeRate            float64            `json:"transaction_fee_rate" db:"transaction_fee_rate"`
	Features                      Features           `json:"features" db:"features"`
	CurrentPeriodStart            *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd              *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAt                      *time.Time         `json:"cancel_at,omitempty" db:"cancel_at"`
	CanceledAt                    *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	CreatedAt                     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt                     time.Time          `json:"updated_at" db:"updated_at"`
}

// ExternalKey returns the platform-specific identifier the row is bound to.
func (s *Subscription) ExternalKey() string {
	var key *string
	switch s.Platform {
	case PlatformStripe:
		key = s.StripeSubscriptionID
	case PlatformAppStore:
		key = s.AppStoreOriginalTransactionID
	case PlatformPlayStore:
		key = s.PlayPurchaseToken
	}
	if key == nil {
		return ""
	}
	return *key
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.StripeSubscriptionID = cloneString(s.StripeSubscriptionID)
	c.AppStoreOriginalTransactionID = cloneString(s.AppStoreOriginalTransactionID)
	c.PlayPurchaseToken = cloneString(s.PlayPurchaseToken)
	c.Features = s.Features.Clone()
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CancelAt = cloneTime(s.CancelAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	return &c
}

// SubscriptionBinding describes a purchase that binds an organization to a platform key.
type SubscriptionBinding struct {
	OrganizationID string
	UserID         string
	Platform       Platform
	ExternalKey    string
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
