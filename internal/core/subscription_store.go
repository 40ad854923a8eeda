package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/platform"
)

// ErrSubscriptionNotFound is returned when no row matches the lookup key.
var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, organization_id, user_id, platform,
	stripe_subscription_id, app_store_original_transaction_id, play_purchase_token,
	tier, status, monthly_price, transaction_fee_rate, features,
	current_period_start, current_period_end, cancel_at, canceled_at,
	created_at, updated_at`

// SubscriptionStore persists subscription rows in PostgreSQL.
type SubscriptionStore struct {
	db DB
}

func NewSubscriptionStore(db DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// externalKeyColumn maps a platform to the column holding its key.
func externalKeyColumn(p model.Platform) (string, error) {
	switch p {
	case model.PlatformStripe:
		return "stripe_subscription_id", nil
	case model.PlatformAppStore:
		return "app_store_original_transaction_id", nil
	case model.PlatformPlayStore:
		return "play_purchase_token", nil
	}
	return "", fmt.Errorf("unknown platform %q", p)
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.UserID, &s.Platform,
		&s.StripeSubscriptionID, &s.AppStoreOriginalTransactionID, &s.PlayPurchaseToken,
		&s.Tier, &s.Status, &s.MonthlyPrice, &s.TransactionFeeRate, &s.Features,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAt, &s.CanceledAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Mutate locks the row bound to externalKey with SELECT ... FOR UPDATE, hands it
// to fn and writes back whatever fn returns, all in one transaction.
func (s *SubscriptionStore) Mutate(ctx context.Context, p model.Platform, externalKey string, fn MutateFunc) error {
	col, err := externalKeyColumn(p)
	if err != nil {
		return err
	}
	if externalKey == "" {
		return ErrSubscriptionNotFound
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		cur, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+col+` = $1 FOR UPDATE`,
			externalKey,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock subscription by %s: %w", col, err)
		}

		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET tier = $1, status = $2, monthly_price = $3, transaction_fee_rate = $4,
			 features = $5, current_period_start = $6, current_period_end = $7, cancel_at = $8, canceled_at = $9,
			 updated_at = now()
			 WHERE id = $10`,
			next.Tier, next.Status, next.MonthlyPrice, next.TransactionFeeRate,
			next.Features, next.CurrentPeriodStart, next.CurrentPeriodEnd, next.CancelAt, next.CanceledAt,
			cur.ID,
		)
		if err != nil {
			return fmt.Errorf("update subscription %s: %w", cur.ID, err)
		}
		return nil
	})
}

// GetByOrganization returns the organization's subscription row.
func (s *SubscriptionStore) GetByOrganization(ctx context.Context, organizationID string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1`, organizationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription for organization %s: %w", organizationID, err)
	}
	return sub, nil
}

// Bind upserts the organization's row so it is keyed by b.ExternalKey on
// b.Platform. A row still entitled on another platform is left alone and
// Bind reports false.
func (s *SubscriptionStore) Bind(ctx context.Context, b model.SubscriptionBinding, baseTier model.Tier, base TierPlan) (bool, error) {
	if _, err := externalKeyColumn(b.Platform); err != nil {
		return false, err
	}

	var stripeID, appStoreID, playToken *string
	key := b.ExternalKey
	switch b.Platform {
	case model.PlatformStripe:
		stripeID = &key
	case model.PlatformAppStore:
		appStoreID = &key
	case model.PlatformPlayStore:
		playToken = &key
	}

	features := base.Features
	if features == nil {
		features = model.Features{}
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (id, organization_id, user_id, platform,
		   stripe_subscription_id, app_store_original_transaction_id, play_purchase_token,
		   tier, status, monthly_price, transaction_fee_rate, features, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		 ON CONFLICT (organization_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   platform = EXCLUDED.platform,
		   stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		   app_store_original_transaction_id = EXCLUDED.app_store_original_transaction_id,
		   play_purchase_token = EXCLUDED.play_purchase_token,
		   updated_at = now()
		 WHERE subscriptions.platform = EXCLUDED.platform
		    OR subscriptions.status NOT IN ('active', 'trialing', 'past_due', 'paused')`,
		platform.NewID(), b.OrganizationID, b.UserID, b.Platform,
		stripeID, appStoreID, playToken,
		baseTier, model.StatusIncomplete, base.MonthlyPrice, base.TransactionFeeRate, features,
	)
	if err != nil {
		return false, fmt.Errorf("bind subscription for organization %s: %w", b.OrganizationID, err)
	}
	return tag.RowsAffected() > 0, nil
}
