package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/model"
)

// DefaultDispatchTimeout bounds the post-commit side effects of one notification.
const DefaultDispatchTimeout = 10 * time.Second

// subscriptionBinder is the binding side of SubscriptionStore.
type subscriptionBinder interface {
	Bind(ctx context.Context, b model.SubscriptionBinding, baseTier model.Tier, base TierPlan) (bool, error)
}

// cacheInvalidator drops a cached subscription read.
type cacheInvalidator interface {
	Invalidate(ctx context.Context, organizationID string) error
}

// Processor reconciles a notification and, once the transaction has
// committed, runs side effects for real transitions.
type Processor struct {
	reconciler      *Reconciler
	dispatcher      *Dispatcher
	binder          subscriptionBinder
	invalidator     cacheInvalidator
	catalog         *TierCatalog
	logger          zerolog.Logger
	dispatchTimeout time.Duration
}

func NewProcessor(reconciler *Reconciler, dispatcher *Dispatcher, binder subscriptionBinder, invalidator cacheInvalidator, catalog *TierCatalog, logger zerolog.Logger) *Processor {
	return &Processor{
		reconciler:      reconciler,
		dispatcher:      dispatcher,
		binder:          binder,
		invalidator:     invalidator,
		catalog:         catalog,
		logger:          logger.With().Str("component", "processor").Logger(),
		dispatchTimeout: DefaultDispatchTimeout,
	}
}

// Process applies n. Side effects run on a context that survives the
// caller's cancellation, so a platform hanging up after commit does not
// leave a transition half-propagated.
func (p *Processor) Process(ctx context.Context, n model.Notification) (*ReconcileResult, error) {
	res, err := p.reconciler.Apply(ctx, n)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case OutcomeTransition:
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dispatchTimeout)
		defer cancel()
		p.dispatcher.Dispatch(dctx, Change{
			Notification: n,
			Previous:     res.Previous,
			Current:      res.Current,
		})
	case OutcomeUpdated:
		// Period or cancel dates moved; only the cached read is stale.
		if err := p.invalidator.Invalidate(context.WithoutCancel(ctx), res.Current.OrganizationID); err != nil {
			p.logger.Warn().Err(err).Str("organization_id", res.Current.OrganizationID).Msg("subscription cache invalidation failed")
		}
	}
	return res, nil
}

// Bind attaches the organization's row to a platform key at the base tier.
// It reports false when another platform still holds an entitled binding.
func (p *Processor) Bind(ctx context.Context, b model.SubscriptionBinding) (bool, error) {
	base, _ := p.catalog.Plan(p.catalog.BaseTier)
	bound, err := p.binder.Bind(ctx, b, p.catalog.BaseTier, base)
	if err != nil {
		return false, err
	}
	if !bound {
		p.logger.Warn().
			Str("organization_id", b.OrganizationID).
			Str("platform", string(b.Platform)).
			Msg("organization is entitled on another platform, binding rejected")
		return false, nil
	}
	if err := p.invalidator.Invalidate(context.WithoutCancel(ctx), b.OrganizationID); err != nil {
		p.logger.Warn().Err(err).Str("organization_id", b.OrganizationID).Msg("subscription cache invalidation failed")
	}
	return true, nil
}
