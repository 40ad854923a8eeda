// Package webhook verifies platform notifications and maps them onto
// canonical subscription events.
package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edvin/billing/internal/model"
)

var (
	// ErrInvalidSignature means the delivery could not be authenticated.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedPayload means the delivery authenticated (or needs no
	// authentication) but its envelope could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Inbound is one verified delivery. Notification is nil when the delivery is
// acknowledged without touching any subscription; Reason then says why.
type Inbound struct {
	Platform     model.Platform
	Type         string
	EventID      string
	Notification *model.Notification
	// FollowUps are reconciled after Notification, in order.
	FollowUps []model.Notification
	// Binding is set when the delivery attaches an organization to a platform key.
	Binding *model.SubscriptionBinding
	Reason  string
}

const (
	ReasonUnhandled       = "unhandled_type"
	ReasonNoStateChange   = "no_state_change"
	ReasonTest            = "test_notification"
	ReasonNotSubscription = "not_a_subscription"
)

func acknowledged(p model.Platform, typ, id, reason string) *Inbound {
	return &Inbound{Platform: p, Type: typ, EventID: id, Reason: reason}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// ProductTiers maps platform product or price identifiers to paid tiers.
type ProductTiers map[string]model.Tier

// ParseProductTiers parses "product=tier,product=tier".
func ParseProductTiers(s string) (ProductTiers, error) {
	out := ProductTiers{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		product, tier, ok := strings.Cut(pair, "=")
		product, tier = strings.TrimSpace(product), strings.TrimSpace(tier)
		if !ok || product == "" || tier == "" {
			return nil, fmt.Errorf("product tier %q: want product=tier", pair)
		}
		t := model.Tier(tier)
		if !t.Paid() {
			return nil, fmt.Errorf("product tier %q: %q is not a paid tier", pair, tier)
		}
		out[product] = t
	}
	return out, nil
}

// Lookup returns the tier for product, or "" when it is unknown.
func (p ProductTiers) Lookup(product string) model.Tier {
	if p == nil || product == "" {
		return ""
	}
	return p[product]
}

func millisPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
