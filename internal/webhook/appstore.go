package webhook

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edvin/billing/internal/model"
)

// App Store Server Notifications v2 are JWS tokens signed with ES256 and
// carrying an x5c certificate chain. The chain is not validated against
// Apple's root here; deliveries are decoded and trusted on structure alone.

type appStoreNotification struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type appStoreTransaction struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Environment           string `json:"environment"`
}

type appStoreRenewal struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId"`
	AutoRenewStatus       *int   `json:"autoRenewStatus"`
}

// appStoreKinds maps TYPE or TYPE/SUBTYPE to a canonical event. Exact
// TYPE/SUBTYPE entries win over TYPE entries.
var appStoreKinds = map[string]func(model.EventPayload) model.Event{
	"SUBSCRIBED":                     model.Purchased,
	"DID_RENEW":                      model.Renewed,
	"DID_RENEW/BILLING_RECOVERY":     model.Recovered,
	"RENEWAL_EXTENDED":               model.Renewed,
	"DID_FAIL_TO_RENEW":              model.RenewalFailed,
	"DID_FAIL_TO_RENEW/GRACE_PERIOD": model.GracePeriod,
	"DID_CHANGE_RENEWAL_STATUS/AUTO_RENEW_DISABLED": model.Canceled,
	"DID_CHANGE_RENEWAL_STATUS/AUTO_RENEW_ENABLED":  model.RenewalReenabled,
	"EXPIRED":              model.Expired,
	"GRACE_PERIOD_EXPIRED": model.Expired,
	"REFUND":               model.Refunded,
	"REVOKE":               model.Revoked,
}

func lookupAppStoreKind(typ, subtype string) func(model.EventPayload) model.Event {
	if subtype != "" {
		if f, ok := appStoreKinds[typ+"/"+subtype]; ok {
			return f
		}
	}
	return appStoreKinds[typ]
}

// AppStoreVerifier decodes App Store Server Notifications v2.
type AppStoreVerifier struct {
	bundleID string
	tiers    ProductTiers
	parser   *jwt.Parser
}

// NewAppStoreVerifier returns a verifier. An empty bundleID accepts every app.
func NewAppStoreVerifier(bundleID string, tiers ProductTiers) *AppStoreVerifier {
	return &AppStoreVerifier{
		bundleID: strings.TrimSpace(bundleID),
		tiers:    tiers,
		parser:   jwt.NewParser(),
	}
}

func (v *AppStoreVerifier) decode(token string, claims jwt.Claims) error {
	t, _, err := v.parser.ParseUnverified(token, claims)
	if err != nil {
		return err
	}
	if t.Method.Alg() != jwt.SigningMethodES256.Alg() {
		return ErrInvalidSignature
	}
	if _, ok := t.Header["x5c"]; !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Parse decodes the outer signedPayload and its nested transaction and
// renewal tokens and maps the notification.
func (v *AppStoreVerifier) Parse(signedPayload string) (*Inbound, error) {
	var n appStoreNotification
	if err := v.decode(signedPayload, &n); err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, malformed("decode signedPayload: %v", err)
	}
	if n.NotificationType == "" {
		return nil, malformed("signedPayload has no notificationType")
	}
	if v.bundleID != "" && n.Data.BundleID != "" && n.Data.BundleID != v.bundleID {
		return nil, malformed("notification for bundle %q", n.Data.BundleID)
	}

	typ := n.NotificationType
	if n.Subtype != "" {
		typ += "/" + n.Subtype
	}

	if n.NotificationType == "TEST" {
		return acknowledged(model.PlatformAppStore, typ, n.NotificationUUID, ReasonTest), nil
	}
	build := lookupAppStoreKind(n.NotificationType, n.Subtype)
	if build == nil {
		return acknowledged(model.PlatformAppStore, typ, n.NotificationUUID, ReasonUnhandled), nil
	}

	var tx appStoreTransaction
	if n.Data.SignedTransactionInfo != "" {
		if err := v.decode(n.Data.SignedTransactionInfo, &tx); err != nil {
			return nil, malformed("decode signedTransactionInfo: %v", err)
		}
	}
	var renewal appStoreRenewal
	if n.Data.SignedRenewalInfo != "" {
		if err := v.decode(n.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, malformed("decode signedRenewalInfo: %v", err)
		}
	}

	key := tx.OriginalTransactionID
	if key == "" {
		key = renewal.OriginalTransactionID
	}
	if key == "" {
		return nil, malformed("%s notification has no originalTransactionId", typ)
	}

	payload := model.EventPayload{
		ExpiresAt:   millisPtr(tx.ExpiresDate),
		PeriodStart: millisPtr(tx.PurchaseDate),
		Tier:        v.tiers.Lookup(tx.ProductID),
	}
	if payload.Tier == "" {
		payload.Tier = v.tiers.Lookup(renewal.AutoRenewProductID)
	}
	if renewal.AutoRenewStatus != nil {
		on := *renewal.AutoRenewStatus == 1
		payload.AutoRenew = &on
	}

	env := n.Data.Environment
	if env == "" {
		env = tx.Environment
	}

	return &Inbound{
		Platform: model.PlatformAppStore,
		Type:     typ,
		EventID:  n.NotificationUUID,
		Notification: &model.Notification{
			Platform:    model.PlatformAppStore,
			ExternalKey: key,
			Event:       build(payload),
			Test:        strings.EqualFold(env, "Sandbox"),
			SourceType:  typ,
			SourceID:    n.NotificationUUID,
		},
	}, nil
}

// SourceSignedTransaction tags notifications built from a transaction the app
// reported when it bound the purchase.
const SourceSignedTransaction = "bind.signed_transaction"

// ParseTransaction decodes a signedTransactionInfo token reported by the app
// after a purchase and maps it to the event it implies for the original
// transaction: purchased, or revoked when Apple already revoked it.
func (v *AppStoreVerifier) ParseTransaction(signed string) (*model.Notification, error) {
	var tx appStoreTransaction
	if err := v.decode(signed, &tx); err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, malformed("decode signed transaction: %v", err)
	}
	if tx.OriginalTransactionID == "" {
		return nil, malformed("signed transaction has no originalTransactionId")
	}
	if v.bundleID != "" && tx.BundleID != "" && tx.BundleID != v.bundleID {
		return nil, malformed("transaction for bundle %q", tx.BundleID)
	}

	build := model.Purchased
	if tx.RevocationDate > 0 {
		build = model.Revoked
	}
	return &model.Notification{
		Platform:    model.PlatformAppStore,
		ExternalKey: tx.OriginalTransactionID,
		Event: build(model.EventPayload{
			ExpiresAt:   millisPtr(tx.ExpiresDate),
			PeriodStart: millisPtr(tx.PurchaseDate),
			Tier:        v.tiers.Lookup(tx.ProductID),
		}),
		Test:       strings.EqualFold(tx.Environment, "Sandbox"),
		SourceType: SourceSignedTransaction,
		SourceID:   tx.TransactionID,
	}, nil
}
