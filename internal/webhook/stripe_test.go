package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/edvin/billing/internal/model"
)

const testStripeSecret = "whsec_test_secret"

func signStripe(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testStripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func stripeEvent(typ, object string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"data":{"object":%s}}`, typ, object)
}

func stripeEventWithPrevious(typ, object, previous string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"data":{"object":%s,"previous_attributes":%s}}`, typ, object, previous)
}

func newTestStripeVerifier() *StripeVerifier {
	return NewStripeVerifier(testStripeSecret, ProductTiers{"price_ent": model.TierEnterprise})
}

func parseStripe(t *testing.T, event string) *Inbound {
	t.Helper()
	payload, header := signStripe(t, event)
	in, err := newTestStripeVerifier().Parse(payload, header)
	require.NoError(t, err)
	require.NotNil(t, in)
	return in
}

func TestStripeVerifier_Configured(t *testing.T) {
	assert.True(t, newTestStripeVerifier().Configured())
	assert.False(t, NewStripeVerifier("  ", nil).Configured())
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	payload, _ := signStripe(t, stripeEvent("invoice.paid", `{"id":"in_1"}`))
	v := newTestStripeVerifier()

	_, err := v.Parse(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Parse(payload, fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other := NewStripeVerifier("whsec_other", nil)
	_, header := signStripe(t, stripeEvent("invoice.paid", `{"id":"in_1"}`))
	_, err = other.Parse(payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeVerifier_RejectsStaleTimestamp(t *testing.T) {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(stripeEvent("invoice.paid", `{"id":"in_1"}`)),
		Secret:    testStripeSecret,
		Timestamp: time.Now().Add(-time.Hour),
		Scheme:    "v1",
	})
	_, err := newTestStripeVerifier().Parse(signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeVerifier_RejectsMalformedBody(t *testing.T) {
	payload, header := signStripe(t, `{not json`)
	_, err := newTestStripeVerifier().Parse(payload, header)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestStripeVerifier_CheckoutCompleted(t *testing.T) {
	in := parseStripe(t, stripeEvent("checkout.session.completed",
		`{"id":"cs_1","mode":"subscription","subscription":"sub_123","metadata":{"organization_id":"org-1","user_id":"owner-1","tier":"enterprise"}}`))

	require.NotNil(t, in.Binding)
	assert.Equal(t, model.SubscriptionBinding{
		OrganizationID: "org-1", UserID: "owner-1", Platform: model.PlatformStripe, ExternalKey: "sub_123",
	}, *in.Binding)
	require.NotNil(t, in.Notification)
	assert.Equal(t, model.EventPurchased, in.Notification.Event.Kind())
	assert.Equal(t, model.TierEnterprise, in.Notification.Event.Payload().Tier)
	assert.Equal(t, "sub_123", in.Notification.ExternalKey)
	assert.Equal(t, "evt_1", in.EventID)
	assert.Equal(t, "checkout.session.completed", in.Type)
}

func TestStripeVerifier_CheckoutExpandedSubscription(t *testing.T) {
	in := parseStripe(t, stripeEvent("checkout.session.completed",
		`{"id":"cs_1","mode":"subscription","subscription":{"id":"sub_456","object":"subscription"},"metadata":{"organization_id":"org-1","price_id":"price_ent"}}`))

	require.NotNil(t, in.Binding)
	assert.Equal(t, "sub_456", in.Binding.ExternalKey)
	assert.Equal(t, model.TierEnterprise, in.Notification.Event.Payload().Tier)
}

func TestStripeVerifier_CheckoutWithoutSubscriptionIsAcknowledged(t *testing.T) {
	for _, obj := range []string{
		`{"id":"cs_1","mode":"payment","metadata":{"organization_id":"org-1"}}`,
		`{"id":"cs_1","mode":"subscription","subscription":null,"metadata":{"organization_id":"org-1"}}`,
		`{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{}}`,
	} {
		in := parseStripe(t, stripeEvent("checkout.session.completed", obj))
		assert.Nil(t, in.Notification, obj)
		assert.Nil(t, in.Binding, obj)
		assert.Equal(t, ReasonNotSubscription, in.Reason)
	}
}

func TestStripeVerifier_SubscriptionEvents(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		kind    model.EventKind
		ackOnly bool
	}{
		{"created active", stripeEvent("customer.subscription.created", `{"id":"sub_1","status":"active"}`), model.EventPurchased, false},
		{"created trialing", stripeEvent("customer.subscription.created", `{"id":"sub_1","status":"trialing"}`), model.EventPurchased, false},
		{"created incomplete", stripeEvent("customer.subscription.created", `{"id":"sub_1","status":"incomplete"}`), "", true},
		{"updated active", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"active"}`), model.EventRenewed, false},
		{"updated cancel at period end", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"active","cancel_at_period_end":true}`), model.EventCanceled, false},
		{"updated cancel at", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"trialing","cancel_at":1793491200}`), model.EventCanceled, false},
		{"updated cancel removed", stripeEventWithPrevious("customer.subscription.updated", `{"id":"sub_1","status":"active","cancel_at_period_end":false}`, `{"cancel_at_period_end":true}`), model.EventRenewalReenabled, false},
		{"updated cancel_at removed", stripeEventWithPrevious("customer.subscription.updated", `{"id":"sub_1","status":"active","cancel_at":null}`, `{"cancel_at":1793491200}`), model.EventRenewalReenabled, false},
		{"updated past_due", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"past_due"}`), model.EventRenewalFailed, false},
		{"updated unpaid", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"unpaid"}`), model.EventRenewalFailed, false},
		{"updated paused", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"paused"}`), model.EventPaused, false},
		{"updated canceled", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"canceled"}`), model.EventExpired, false},
		{"updated incomplete_expired", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"incomplete_expired"}`), model.EventExpired, false},
		{"updated incomplete", stripeEvent("customer.subscription.updated", `{"id":"sub_1","status":"incomplete"}`), "", true},
		{"deleted", stripeEvent("customer.subscription.deleted", `{"id":"sub_1","status":"canceled"}`), model.EventExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := parseStripe(t, tt.event)
			if tt.ackOnly {
				assert.Nil(t, in.Notification)
				assert.Equal(t, ReasonNoStateChange, in.Reason)
				return
			}
			require.NotNil(t, in.Notification)
			assert.Equal(t, tt.kind, in.Notification.Event.Kind())
			assert.Equal(t, "sub_1", in.Notification.ExternalKey)
			assert.Equal(t, model.PlatformStripe, in.Notification.Platform)
		})
	}
}

func TestStripeVerifier_ResumeFromHold(t *testing.T) {
	tests := []struct {
		name     string
		object   string
		previous string
		kinds    []model.EventKind
	}{
		{"paused to active", `{"id":"sub_1","status":"active"}`, `{"status":"paused"}`, []model.EventKind{model.EventRecovered}},
		{"past_due to active", `{"id":"sub_1","status":"active"}`, `{"status":"past_due"}`, []model.EventKind{model.EventRecovered}},
		{"unpaid to trialing", `{"id":"sub_1","status":"trialing"}`, `{"status":"unpaid"}`, []model.EventKind{model.EventRecovered}},
		{"past_due to active with cancel at period end", `{"id":"sub_1","status":"active","cancel_at_period_end":true}`, `{"status":"past_due"}`,
			[]model.EventKind{model.EventRecovered, model.EventCanceled}},
		{"paused to active with cancel removed", `{"id":"sub_1","status":"active"}`, `{"status":"paused","cancel_at_period_end":true}`,
			[]model.EventKind{model.EventRecovered, model.EventRenewalReenabled}},
		{"trialing to active", `{"id":"sub_1","status":"active"}`, `{"status":"trialing"}`, []model.EventKind{model.EventRenewed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := parseStripe(t, stripeEventWithPrevious("customer.subscription.updated", tt.object, tt.previous))
			require.NotNil(t, in.Notification)

			kinds := []model.EventKind{in.Notification.Event.Kind()}
			for _, n := range in.FollowUps {
				assert.Equal(t, "sub_1", n.ExternalKey)
				assert.Equal(t, model.PlatformStripe, n.Platform)
				kinds = append(kinds, n.Event.Kind())
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestStripeVerifier_ResumeCarriesPlanTier(t *testing.T) {
	in := parseStripe(t, stripeEventWithPrevious("customer.subscription.updated",
		`{"id":"sub_1","status":"active","items":{"data":[{"price":{"id":"price_ent"}}]}}`, `{"status":"paused"}`))

	require.NotNil(t, in.Notification)
	assert.Equal(t, model.EventRecovered, in.Notification.Event.Kind())
	assert.Equal(t, model.TierEnterprise, in.Notification.Event.Payload().Tier)
}

func TestStripeVerifier_SubscriptionPayload(t *testing.T) {
	in := parseStripe(t, stripeEvent("customer.subscription.updated",
		`{"id":"sub_1","status":"active","cancel_at":1793491200,
		  "items":{"data":[{"current_period_start":1790812800,"current_period_end":1793491200,"price":{"id":"price_ent"}}]}}`))

	p := in.Notification.Event.Payload()
	require.NotNil(t, p.PeriodStart)
	require.NotNil(t, p.ExpiresAt)
	require.NotNil(t, p.CancelAt)
	assert.Equal(t, int64(1790812800), p.PeriodStart.Unix())
	assert.Equal(t, int64(1793491200), p.ExpiresAt.Unix())
	assert.Equal(t, int64(1793491200), p.CancelAt.Unix())
	assert.Equal(t, model.TierEnterprise, p.Tier)
}

func TestStripeVerifier_Invoices(t *testing.T) {
	in := parseStripe(t, stripeEvent("invoice.payment_succeeded",
		`{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_9"}},
		  "lines":{"data":[{"period":{"start":1790812800,"end":1793491200},"pricing":{"price_details":{"price":"price_ent"}}}]}}`))
	require.NotNil(t, in.Notification)
	assert.Equal(t, model.EventRenewed, in.Notification.Event.Kind())
	assert.Equal(t, "sub_9", in.Notification.ExternalKey)
	assert.Equal(t, int64(1793491200), in.Notification.Event.Payload().ExpiresAt.Unix())
	assert.Equal(t, model.TierEnterprise, in.Notification.Event.Payload().Tier)

	in = parseStripe(t, stripeEvent("invoice.paid", `{"id":"in_2","subscription":"sub_8","lines":{"data":[{"period":{"start":1,"end":2},"price":{"id":"price_x"}}]}}`))
	assert.Equal(t, model.EventRenewed, in.Notification.Event.Kind())
	assert.Equal(t, "sub_8", in.Notification.ExternalKey)
	assert.Equal(t, model.Tier(""), in.Notification.Event.Payload().Tier)

	in = parseStripe(t, stripeEvent("invoice.payment_failed", `{"id":"in_3","subscription":"sub_7"}`))
	assert.Equal(t, model.EventRenewalFailed, in.Notification.Event.Kind())
	assert.Equal(t, "sub_7", in.Notification.ExternalKey)

	in = parseStripe(t, stripeEvent("invoice.paid", `{"id":"in_4"}`))
	assert.Nil(t, in.Notification)
	assert.Equal(t, ReasonNotSubscription, in.Reason)
}

func TestStripeVerifier_ChargeRefunded(t *testing.T) {
	in := parseStripe(t, stripeEvent("charge.refunded", `{"id":"ch_1","refunded":true,"metadata":{"subscription_id":"sub_5"}}`))
	require.NotNil(t, in.Notification)
	assert.Equal(t, model.EventRefunded, in.Notification.Event.Kind())
	assert.Equal(t, "sub_5", in.Notification.ExternalKey)

	in = parseStripe(t, stripeEvent("charge.refunded", `{"id":"ch_1","refunded":false,"metadata":{"subscription_id":"sub_5"}}`))
	assert.Nil(t, in.Notification)

	in = parseStripe(t, stripeEvent("charge.refunded", `{"id":"ch_1","refunded":true}`))
	assert.Nil(t, in.Notification)
}

func TestStripeVerifier_AcknowledgedTypes(t *testing.T) {
	for _, typ := range []string{"payment_intent.succeeded", "payment_intent.payment_failed", "account.updated"} {
		in := parseStripe(t, stripeEvent(typ, `{"id":"x"}`))
		assert.Nil(t, in.Notification, typ)
		assert.Equal(t, ReasonNoStateChange, in.Reason, typ)
	}

	in := parseStripe(t, stripeEvent("customer.created", `{"id":"cus_1"}`))
	assert.Nil(t, in.Notification)
	assert.Equal(t, ReasonUnhandled, in.Reason)
	assert.Equal(t, "customer.created", in.Type)
}
