package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/metrics"
	"github.com/edvin/billing/internal/model"
)

// ReconcileOutcome classifies what a reconciliation did to the row.
type ReconcileOutcome string

const (
	// OutcomeMissing means no row is bound to the notification's external key.
	OutcomeMissing ReconcileOutcome = "missing"
	// OutcomeIgnored means the event has no rule for the row's current status.
	OutcomeIgnored ReconcileOutcome = "ignored"
	// OutcomeUnchanged means the event left every column as it was.
	OutcomeUnchanged ReconcileOutcome = "unchanged"
	// OutcomeUpdated means the row was written but neither status nor tier changed.
	OutcomeUpdated ReconcileOutcome = "updated"
	// OutcomeTransition means status or tier changed.
	OutcomeTransition ReconcileOutcome = "transition"
)

// ReconcileResult describes one applied notification. Previous and Current
// are nil when the outcome is OutcomeMissing or OutcomeIgnored.
type ReconcileResult struct {
	Outcome  ReconcileOutcome
	Previous *model.Subscription
	Current  *model.Subscription
}

// Transitioned reports whether the notification caused a real transition.
func (r *ReconcileResult) Transitioned() bool {
	return r.Outcome == OutcomeTransition
}

// MutateFunc receives the locked row and returns the row to persist, or nil
// to leave it untouched.
type MutateFunc func(current *model.Subscription) (*model.Subscription, error)

// SubscriptionMutator locks a row by external key for the duration of fn.
type SubscriptionMutator interface {
	Mutate(ctx context.Context, platform model.Platform, externalKey string, fn MutateFunc) error
}

// Reconciler applies canonical events to the subscription row they address.
type Reconciler struct {
	store   SubscriptionMutator
	catalog *TierCatalog
	logger  zerolog.Logger
	now     func() time.Time
}

func NewReconciler(store SubscriptionMutator, catalog *TierCatalog, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		catalog: catalog,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// Apply reconciles one notification inside a single row-locked transaction.
// A notification for an unknown key is dropped with a warning and is not an error.
func (r *Reconciler) Apply(ctx context.Context, n model.Notification) (*ReconcileResult, error) {
	if n.Event.IsZero() {
		return nil, fmt.Errorf("reconcile %s %s: empty event", n.Platform, n.SourceType)
	}
	kind := n.Event.Kind()

	var res ReconcileResult
	err := r.store.Mutate(ctx, n.Platform, n.ExternalKey, func(cur *model.Subscription) (*model.Subscription, error) {
		res = ReconcileResult{}
		rule, ok := lookupTransition(kind, cur.Status)
		if !ok {
			res.Outcome = OutcomeIgnored
			return nil, nil
		}

		next := rule.apply(cur, n.Event, r.catalog, r.now().UTC())
		res.Previous = cur.Clone()
		if !rowChanged(cur, next) {
			res.Outcome = OutcomeUnchanged
			res.Current = cur.Clone()
			return nil, nil
		}

		res.Current = next
		res.Outcome = OutcomeUpdated
		if isTransition(cur, next) {
			res.Outcome = OutcomeTransition
		}
		return next, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.logger.Warn().
			Str("platform", string(n.Platform)).
			Str("external_key", n.ExternalKey).
			Str("event", string(kind)).
			Str("source_type", n.SourceType).
			Msg("no subscription bound to external key, dropping notification")
		metrics.ReconcileTotal.WithLabelValues(string(n.Platform), string(OutcomeMissing)).Inc()
		return &ReconcileResult{Outcome: OutcomeMissing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile %s %s: %w", n.Platform, kind, err)
	}

	metrics.ReconcileTotal.WithLabelValues(string(n.Platform), string(res.Outcome)).Inc()

	ev := r.logger.Debug()
	if res.Transitioned() {
		ev = r.logger.Info()
	}
	ev.Str("platform", string(n.Platform)).
		Str("event", string(kind)).
		Str("outcome", string(res.Outcome)).
		Msg("notification reconciled")

	if res.Transitioned() {
		r.logger.Info().
			Str("subscription_id", res.Current.ID).
			Str("organization_id", res.Current.OrganizationID).
			Str("from_status", string(res.Previous.Status)).
			Str("to_status", string(res.Current.Status)).
			Str("from_tier", string(res.Previous.Tier)).
			Str("to_tier", string(res.Current.Tier)).
			Msg("subscription transitioned")
	}

	return &res, nil
}
