package core

import (
	"reflect"
	"time"

	"github.com/edvin/billing/internal/model"
)

type tierEffect int

const (
	tierKeep tierEffect = iota
	tierPaid
	tierBase
	// tierFollow moves to the event's paid tier when it differs, and lifts an
	// unpaid row onto the catalog's paid tier.
	tierFollow
)

type cancelEffect int

const (
	cancelKeep cancelEffect = iota
	// cancelClear drops both cancel fields unless the event carries an explicit cancel_at.
	cancelClear
	// cancelSchedule stamps canceled_at once and sets cancel_at to the end of entitlement.
	cancelSchedule
	// cancelStampIfUnset stamps canceled_at only when it is not set yet.
	cancelStampIfUnset
	// cancelStamp stamps canceled_at whenever the status changes.
	cancelStamp
)

// transitionRule describes how one canonical event rewrites a subscription row.
type transitionRule struct {
	status model.SubscriptionStatus // empty keeps the current status
	tier   tierEffect
	cancel cancelEffect
	period bool // copy the event's period bounds onto the row
}

type transitionKey struct {
	kind model.EventKind
	from model.SubscriptionStatus // empty matches any status
}

var transitionTable = map[transitionKey]transitionRule{
	{kind: model.EventPurchased}:        {status: model.StatusActive, tier: tierPaid, cancel: cancelClear, period: true},
	{kind: model.EventRenewed}:          {status: model.StatusActive, tier: tierFollow, period: true},
	{kind: model.EventRecovered}:        {status: model.StatusActive, tier: tierPaid, period: true},
	{kind: model.EventRenewalFailed}:    {status: model.StatusPastDue},
	{kind: model.EventGracePeriod}:      {status: model.StatusPastDue},
	{kind: model.EventPaused}:           {status: model.StatusPaused, tier: tierBase},
	{kind: model.EventCanceled}:         {cancel: cancelSchedule},
	{kind: model.EventRenewalReenabled}: {cancel: cancelClear, period: true},
	{kind: model.EventExpired}:          {status: model.StatusCanceled, tier: tierBase, cancel: cancelStampIfUnset},
	{kind: model.EventRefunded}:         {status: model.StatusCanceled, tier: tierBase, cancel: cancelStamp},
	{kind: model.EventRevoked}:          {status: model.StatusCanceled, tier: tierBase, cancel: cancelStamp},

	// A pause dropped the row to the base tier; resuming restores the paid plan.
	{kind: model.EventRenewed, from: model.StatusPaused}: {status: model.StatusActive, tier: tierPaid, period: true},

	// A terminated subscription has nothing left to schedule or un-schedule.
	{kind: model.EventCanceled, from: model.StatusCanceled}:         {},
	{kind: model.EventRenewalReenabled, from: model.StatusCanceled}: {},
}

// lookupTransition returns the rule for kind applied to a row in status from.
// Exact (kind, status) entries win over the kind-wide default.
func lookupTransition(kind model.EventKind, from model.SubscriptionStatus) (transitionRule, bool) {
	if r, ok := transitionTable[transitionKey{kind: kind, from: from}]; ok {
		return r, true
	}
	r, ok := transitionTable[transitionKey{kind: kind}]
	return r, ok
}

// apply returns the row that results from applying ev to cur. cur is not modified.
func (r transitionRule) apply(cur *model.Subscription, ev model.Event, catalog *TierCatalog, now time.Time) *model.Subscription {
	next := cur.Clone()
	p := ev.Payload()

	if r.status != "" {
		next.Status = r.status
	}

	switch r.tier {
	case tierPaid:
		catalog.ApplyTier(next, catalog.PaidTier(p.Tier, cur.Tier))
	case tierBase:
		catalog.ApplyTier(next, catalog.BaseTier)
	case tierFollow:
		if _, known := catalog.Plan(p.Tier); known && p.Tier.Paid() && p.Tier != cur.Tier {
			catalog.ApplyTier(next, p.Tier)
		} else if !cur.Tier.Paid() {
			catalog.ApplyTier(next, catalog.PaidTier(p.Tier, cur.Tier))
		}
	}

	if r.period {
		if p.PeriodStart != nil {
			next.CurrentPeriodStart = p.PeriodStart
		}
		if p.ExpiresAt != nil {
			next.CurrentPeriodEnd = p.ExpiresAt
		}
	}

	statusChanging := next.Status != cur.Status
	stamp := func() {
		t := now
		next.CanceledAt = &t
	}

	switch r.cancel {
	case cancelClear:
		if p.CancelAt == nil {
			next.CancelAt = nil
			next.CanceledAt = nil
		}
	case cancelSchedule:
		if next.CanceledAt == nil {
			stamp()
		}
		if p.CancelAt == nil {
			switch {
			case p.ExpiresAt != nil:
				next.CancelAt = p.ExpiresAt
			case next.CancelAt == nil && next.CurrentPeriodEnd != nil:
				next.CancelAt = next.CurrentPeriodEnd
			}
		}
	case cancelStampIfUnset:
		if next.CanceledAt == nil {
			stamp()
		}
	case cancelStamp:
		if next.CanceledAt == nil || statusChanging {
			stamp()
		}
	}

	// An explicit platform cancel timestamp always wins.
	if p.CancelAt != nil && r != (transitionRule{}) {
		next.CancelAt = p.CancelAt
	}

	return next
}

// rowChanged reports whether any persisted column differs between a and b.
func rowChanged(a, b *model.Subscription) bool {
	return a.Status != b.Status ||
		a.Tier != b.Tier ||
		a.MonthlyPrice != b.MonthlyPrice ||
		a.TransactionFeeRate != b.TransactionFeeRate ||
		!reflect.DeepEqual(a.Features, b.Features) ||
		!timeEqual(a.CurrentPeriodStart, b.CurrentPeriodStart) ||
		!timeEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) ||
		!timeEqual(a.CancelAt, b.CancelAt) ||
		!timeEqual(a.CanceledAt, b.CanceledAt)
}

// isTransition reports a real transition: the status or the tier changed.
func isTransition(a, b *model.Subscription) bool {
	return a.Status != b.Status || a.Tier != b.Tier
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
