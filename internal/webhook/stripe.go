package webhook

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/edvin/billing/internal/model"
)

// StripeVerifier checks Stripe-Signature headers and maps Stripe events.
type StripeVerifier struct {
	secret    string
	tiers     ProductTiers
	tolerance time.Duration
}

func NewStripeVerifier(secret string, tiers ProductTiers) *StripeVerifier {
	return &StripeVerifier{
		secret:    strings.TrimSpace(secret),
		tiers:     tiers,
		tolerance: stripewebhook.DefaultTolerance,
	}
}

// Configured reports whether a signing secret is set.
func (v *StripeVerifier) Configured() bool { return v.secret != "" }

// stripeID decodes a field Stripe sends either as an ID or as an expanded object.
type stripeID string

func (s *stripeID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*s = stripeID(obj.ID)
		return nil
	}
	var id *string
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	if id != nil {
		*s = stripeID(*id)
	}
	return nil
}

type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Subscription stripeID          `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID        string `json:"id"`
		LookupKey string `json:"lookup_key"`
	} `json:"price"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CancelAt           int64  `json:"cancel_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// period returns the current period, preferring item-level bounds.
func (s *stripeSubscription) period() (start, end int64) {
	for _, it := range s.Items.Data {
		if it.CurrentPeriodEnd > 0 {
			return it.CurrentPeriodStart, it.CurrentPeriodEnd
		}
	}
	return s.CurrentPeriodStart, s.CurrentPeriodEnd
}

type stripeInvoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (l *stripeInvoiceLine) priceID() string {
	if l.Price != nil && l.Price.ID != "" {
		return l.Price.ID
	}
	if l.Pricing != nil && l.Pricing.PriceDetails != nil {
		return l.Pricing.PriceDetails.Price
	}
	return ""
}

type stripeInvoice struct {
	ID           string   `json:"id"`
	Subscription stripeID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription stripeID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []stripeInvoiceLine `json:"data"`
	} `json:"lines"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

type stripeCharge struct {
	ID       string            `json:"id"`
	Refunded bool              `json:"refunded"`
	Metadata map[string]string `json:"metadata"`
}

// Parse verifies the signature over payload and maps the event.
func (v *StripeVerifier) Parse(payload []byte, sigHeader string) (*Inbound, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, ErrInvalidSignature
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return nil, ErrInvalidSignature
		}
		return nil, malformed("%v", err)
	}
	return v.mapEvent(&event)
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, stripewebhook.ErrNotSigned) ||
		errors.Is(err, stripewebhook.ErrInvalidHeader) ||
		errors.Is(err, stripewebhook.ErrNoValidSignature) ||
		errors.Is(err, stripewebhook.ErrTooOld)
}

func (v *StripeVerifier) mapEvent(event *stripelib.Event) (*Inbound, error) {
	typ := string(event.Type)
	if event.Data == nil {
		return nil, malformed("stripe event %s has no data", event.ID)
	}
	raw := event.Data.Raw

	switch typ {
	case "checkout.session.completed":
		var s stripeCheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, malformed("decode checkout session: %v", err)
		}
		return v.mapCheckout(event.ID, typ, s), nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s stripeSubscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, malformed("decode subscription: %v", err)
		}
		builds := v.subscriptionEvents(typ, &s, event.Data.PreviousAttributes)
		if len(builds) == 0 {
			return acknowledged(model.PlatformStripe, typ, event.ID, ReasonNoStateChange), nil
		}
		start, end := s.period()
		payload := model.EventPayload{
			PeriodStart: unixPtr(start),
			ExpiresAt:   unixPtr(end),
			CancelAt:    unixPtr(s.CancelAt),
			Tier:        v.subscriptionTier(&s),
		}
		in := v.notification(event.ID, typ, s.ID, builds[0](payload))
		for _, build := range builds[1:] {
			n := *in.Notification
			n.Event = build(payload)
			in.FollowUps = append(in.FollowUps, n)
		}
		return in, nil

	case "invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, malformed("decode invoice: %v", err)
		}
		subID := inv.subscriptionID()
		if subID == "" {
			return acknowledged(model.PlatformStripe, typ, event.ID, ReasonNotSubscription), nil
		}
		if typ == "invoice.payment_failed" {
			return v.notification(event.ID, typ, subID, model.RenewalFailed(model.EventPayload{})), nil
		}
		var payload model.EventPayload
		if len(inv.Lines.Data) > 0 {
			line := inv.Lines.Data[0]
			payload.PeriodStart = unixPtr(line.Period.Start)
			payload.ExpiresAt = unixPtr(line.Period.End)
			payload.Tier = v.tiers.Lookup(line.priceID())
		}
		return v.notification(event.ID, typ, subID, model.Renewed(payload)), nil

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, malformed("decode charge: %v", err)
		}
		subID := ch.Metadata["subscription_id"]
		if !ch.Refunded || subID == "" {
			return acknowledged(model.PlatformStripe, typ, event.ID, ReasonNoStateChange), nil
		}
		return v.notification(event.ID, typ, subID, model.Refunded(model.EventPayload{})), nil

	case "payment_intent.succeeded", "payment_intent.payment_failed", "account.updated":
		return acknowledged(model.PlatformStripe, typ, event.ID, ReasonNoStateChange), nil
	}

	return acknowledged(model.PlatformStripe, typ, event.ID, ReasonUnhandled), nil
}

func (v *StripeVerifier) mapCheckout(eventID, typ string, s stripeCheckoutSession) *Inbound {
	orgID := strings.TrimSpace(s.Metadata["organization_id"])
	if s.Mode != "subscription" || s.Subscription == "" || orgID == "" {
		return acknowledged(model.PlatformStripe, typ, eventID, ReasonNotSubscription)
	}

	tier := model.Tier(s.Metadata["tier"])
	if !tier.Paid() {
		tier = v.tiers.Lookup(s.Metadata["price_id"])
	}

	in := v.notification(eventID, typ, string(s.Subscription), model.Purchased(model.EventPayload{Tier: tier}))
	in.Binding = &model.SubscriptionBinding{
		OrganizationID: orgID,
		UserID:         strings.TrimSpace(s.Metadata["user_id"]),
		Platform:       model.PlatformStripe,
		ExternalKey:    string(s.Subscription),
	}
	return in
}

type eventBuilder func(model.EventPayload) model.Event

// subscriptionEvents picks the canonical constructors for a subscription
// lifecycle event in the order they are reconciled, or nil when the event
// carries no state change. A subscription that becomes entitled again and
// changes its cancel schedule in the same update yields two events.
func (v *StripeVerifier) subscriptionEvents(typ string, s *stripeSubscription, previous map[string]any) []eventBuilder {
	if typ == "customer.subscription.deleted" {
		return []eventBuilder{model.Expired}
	}
	if typ == "customer.subscription.created" {
		if s.Status == "active" || s.Status == "trialing" {
			return []eventBuilder{model.Purchased}
		}
		return nil
	}

	switch s.Status {
	case "active", "trialing":
		var out []eventBuilder
		if resumedFromHold(previous) {
			out = append(out, model.Recovered)
		}
		switch {
		case s.CancelAtPeriodEnd || s.CancelAt > 0:
			out = append(out, model.Canceled)
		case cancelWasScheduled(previous):
			out = append(out, model.RenewalReenabled)
		case len(out) == 0:
			out = append(out, model.Renewed)
		}
		return out
	case "past_due", "unpaid":
		return []eventBuilder{model.RenewalFailed}
	case "paused":
		return []eventBuilder{model.Paused}
	case "canceled", "incomplete_expired":
		return []eventBuilder{model.Expired}
	}
	return nil
}

// resumedFromHold reports whether previous_attributes shows the subscription
// leaving a status without entitlement.
func resumedFromHold(previous map[string]any) bool {
	switch previous["status"] {
	case "paused", "past_due", "unpaid", "incomplete":
		return true
	}
	return false
}

// cancelWasScheduled reports whether previous_attributes shows a cancel
// schedule that the current object no longer has.
func cancelWasScheduled(previous map[string]any) bool {
	if v, ok := previous["cancel_at_period_end"].(bool); ok && v {
		return true
	}
	if v, ok := previous["cancel_at"]; ok && v != nil {
		return true
	}
	return false
}

func (v *StripeVerifier) subscriptionTier(s *stripeSubscription) model.Tier {
	if t := model.Tier(s.Metadata["tier"]); t.Paid() {
		return t
	}
	for _, it := range s.Items.Data {
		if t := v.tiers.Lookup(it.Price.ID); t != "" {
			return t
		}
		if t := v.tiers.Lookup(it.Price.LookupKey); t != "" {
			return t
		}
	}
	return ""
}

func (v *StripeVerifier) notification(eventID, typ, subscriptionID string, ev model.Event) *Inbound {
	return &Inbound{
		Platform: model.PlatformStripe,
		Type:     typ,
		EventID:  eventID,
		Notification: &model.Notification{
			Platform:    model.PlatformStripe,
			ExternalKey: subscriptionID,
			Event:       ev,
			SourceType:  typ,
			SourceID:    eventID,
		},
	}
}
