package webhook

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/edvin/billing/internal/model"
)

// Play notification categories, reported back in the response body.
const (
	PlayTypeSubscription   = "subscription"
	PlayTypeOneTimeProduct = "one_time_product"
	PlayTypeVoidedPurchase = "voided_purchase"
	PlayTypeTest           = "test"
)

type playDeveloperNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	OneTimeProductNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SKU              string `json:"sku"`
	} `json:"oneTimeProductNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
		RefundType    int    `json:"refundType"`
	} `json:"voidedPurchaseNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// voidedProductSubscription is the voidedPurchaseNotification productType of subscriptions.
const voidedProductSubscription = 1

type playKind struct {
	name  string
	build func(model.EventPayload) model.Event
}

// playKinds maps subscriptionNotification.notificationType. Types with a nil
// build are acknowledged without a state change.
var playKinds = map[int]playKind{
	1:  {"SUBSCRIPTION_RECOVERED", model.Recovered},
	2:  {"SUBSCRIPTION_RENEWED", model.Renewed},
	3:  {"SUBSCRIPTION_CANCELED", model.Canceled},
	4:  {"SUBSCRIPTION_PURCHASED", model.Purchased},
	5:  {"SUBSCRIPTION_ON_HOLD", model.RenewalFailed},
	6:  {"SUBSCRIPTION_IN_GRACE_PERIOD", model.GracePeriod},
	7:  {"SUBSCRIPTION_RESTARTED", model.Recovered},
	8:  {"SUBSCRIPTION_PRICE_CHANGE_CONFIRMED", nil},
	9:  {"SUBSCRIPTION_DEFERRED", nil},
	10: {"SUBSCRIPTION_PAUSED", model.Paused},
	11: {"SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED", nil},
	12: {"SUBSCRIPTION_REVOKED", model.Revoked},
	13: {"SUBSCRIPTION_EXPIRED", model.Expired},
	20: {"SUBSCRIPTION_PENDING_PURCHASE_CANCELED", nil},
}

// PlayParser decodes Play real-time developer notifications.
type PlayParser struct {
	packageName string
	tiers       ProductTiers
}

// NewPlayParser returns a parser. An empty packageName accepts every app.
func NewPlayParser(packageName string, tiers ProductTiers) *PlayParser {
	return &PlayParser{packageName: strings.TrimSpace(packageName), tiers: tiers}
}

// Parse decodes the base64 data of a Pub/Sub push message.
func (p *PlayParser) Parse(data, messageID string) (*Inbound, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, malformed("decode message data: %v", err)
	}
	var n playDeveloperNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, malformed("decode developer notification: %v", err)
	}
	if p.packageName != "" && n.PackageName != "" && n.PackageName != p.packageName {
		return nil, malformed("notification for package %q", n.PackageName)
	}

	switch {
	case n.SubscriptionNotification != nil:
		sn := n.SubscriptionNotification
		if sn.PurchaseToken == "" {
			return nil, malformed("subscription notification has no purchaseToken")
		}
		kind, ok := playKinds[sn.NotificationType]
		if !ok || kind.build == nil {
			return acknowledged(model.PlatformPlayStore, PlayTypeSubscription, messageID, ReasonUnhandled), nil
		}
		ev := kind.build(model.EventPayload{Tier: p.tiers.Lookup(sn.SubscriptionID)})
		return p.notification(PlayTypeSubscription, messageID, kind.name, sn.PurchaseToken, ev), nil

	case n.VoidedPurchaseNotification != nil:
		vn := n.VoidedPurchaseNotification
		if vn.ProductType != voidedProductSubscription || vn.PurchaseToken == "" {
			return acknowledged(model.PlatformPlayStore, PlayTypeVoidedPurchase, messageID, ReasonNotSubscription), nil
		}
		return p.notification(PlayTypeVoidedPurchase, messageID, "VOIDED_PURCHASE", vn.PurchaseToken, model.Refunded(model.EventPayload{})), nil

	case n.OneTimeProductNotification != nil:
		return acknowledged(model.PlatformPlayStore, PlayTypeOneTimeProduct, messageID, ReasonNotSubscription), nil

	case n.TestNotification != nil:
		return acknowledged(model.PlatformPlayStore, PlayTypeTest, messageID, ReasonTest), nil
	}

	return nil, malformed("developer notification carries no known notification")
}

func (p *PlayParser) notification(category, messageID, sourceType, token string, ev model.Event) *Inbound {
	return &Inbound{
		Platform: model.PlatformPlayStore,
		Type:     category,
		EventID:  messageID,
		Notification: &model.Notification{
			Platform:    model.PlatformPlayStore,
			ExternalKey: token,
			Event:       ev,
			SourceType:  sourceType,
			SourceID:    messageID,
		},
	}
}

// Environment skip reasons.
const (
	ReasonTestPurchaseInProd    = "test_purchase_in_prod"
	ReasonRealPurchaseInNonProd = "real_purchase_in_non_prod"
)

// EnvironmentSkipReason returns why a purchase must not touch this
// deployment's data, or "" when it may.
func EnvironmentSkipReason(production, testPurchase bool) string {
	switch {
	case production && testPurchase:
		return ReasonTestPurchaseInProd
	case !production && !testPurchase:
		return ReasonRealPurchaseInNonProd
	}
	return ""
}
