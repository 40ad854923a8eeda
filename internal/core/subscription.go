package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/cache"
	"github.com/edvin/billing/internal/model"
)

// SubscriptionCacheTTL bounds how long a cached subscription may be served.
const SubscriptionCacheTTL = 5 * time.Minute

// SubscriptionFenceTTL is how long an invalidated subscription key refuses
// read-through fills. A read that loaded the row before the write committed
// must finish its fill within this window or it is dropped.
const SubscriptionFenceTTL = 10 * time.Second

// fenceSubscription replaces the cached subscription with an empty marker.
// Reads treat the marker as a miss; fills only use SET NX, so a stale row
// loaded before the write cannot land until the marker expires.
func fenceSubscription(ctx context.Context, c Cache, organizationID string) error {
	key := cache.SubscriptionByOrgKey(organizationID)
	if err := c.Set(ctx, key, []byte{}, SubscriptionFenceTTL); err != nil {
		return fmt.Errorf("fence subscription cache: %w", err)
	}
	return nil
}

// subscriptionReader is the read side of SubscriptionStore.
type subscriptionReader interface {
	GetByOrganization(ctx context.Context, organizationID string) (*model.Subscription, error)
}

// SubscriptionService serves subscription reads through the shared cache.
type SubscriptionService struct {
	store  subscriptionReader
	cache  Cache
	logger zerolog.Logger
}

func NewSubscriptionService(store subscriptionReader, c Cache, logger zerolog.Logger) *SubscriptionService {
	return &SubscriptionService{
		store:  store,
		cache:  c,
		logger: logger.With().Str("component", "subscription_service").Logger(),
	}
}

// GetByOrganization returns the organization's subscription, from cache when possible.
// Cache errors degrade to a database read.
func (s *SubscriptionService) GetByOrganization(ctx context.Context, organizationID string) (*model.Subscription, error) {
	key := cache.SubscriptionByOrgKey(organizationID)

	fill := s.fillIfAbsent
	data, err := s.cache.Get(ctx, key)
	switch {
	case err == nil && len(data) == 0:
		// Fenced by a recent write.
		fill = nil
	case err == nil:
		var sub model.Subscription
		if err := json.Unmarshal(data, &sub); err == nil {
			return &sub, nil
		}
		s.logger.Warn().Str("key", key).Msg("discarding undecodable cached subscription")
		fill = s.overwrite
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	sub, err := s.store.GetByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	if fill != nil {
		if data, err := json.Marshal(sub); err == nil {
			if err := fill(ctx, key, data); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
			}
		}
	}
	return sub, nil
}

func (s *SubscriptionService) fillIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.cache.SetIfAbsent(ctx, key, data, SubscriptionCacheTTL)
	return err
}

func (s *SubscriptionService) overwrite(ctx context.Context, key string, data []byte) error {
	return s.cache.Set(ctx, key, data, SubscriptionCacheTTL)
}

// Invalidate fences the cached copy of the organization's subscription.
func (s *SubscriptionService) Invalidate(ctx context.Context, organizationID string) error {
	return fenceSubscription(ctx, s.cache, organizationID)
}
