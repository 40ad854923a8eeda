package handler

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

func signES256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["x5c"] = []string{"MIIBleaf"}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func appleNotification(t *testing.T, typ, subtype, env string) string {
	t.Helper()
	tx := signES256(t, jwt.MapClaims{
		"originalTransactionId": "2000000123",
		"productId":             "com.example.salon.pro",
		"expiresDate":           1793491200000,
	})
	claims := jwt.MapClaims{
		"notificationType": typ,
		"notificationUUID": "uuid-1",
		"data": map[string]any{
			"bundleId":              "com.example.salon",
			"environment":           env,
			"signedTransactionInfo": tx,
		},
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	return signES256(t, claims)
}

func newAppleFixture() (*AppleWebhook, *fakeProcessor, *fakeArchiver) {
	return newAppleFixtureFor(true)
}

func newAppleFixtureFor(production bool) (*AppleWebhook, *fakeProcessor, *fakeArchiver) {
	p, a := &fakeProcessor{}, &fakeArchiver{}
	v := webhook.NewAppStoreVerifier("com.example.salon", webhook.ProductTiers{"com.example.salon.pro": model.TierPro})
	return NewAppleWebhook(v, production, p, a), p, a
}

func TestAppleWebhook_Processes(t *testing.T) {
	h, p, a := newAppleFixture()
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "DID_FAIL_TO_RENEW", "GRACE_PERIOD", "Production"),
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	require.Len(t, p.notifications, 1)
	n := p.notifications[0]
	assert.Equal(t, model.EventGracePeriod, n.Event.Kind())
	assert.Equal(t, "2000000123", n.ExternalKey)
	assert.Equal(t, model.TierPro, n.Event.Payload().Tier)

	require.Len(t, a.items, 1)
	assert.Equal(t, "uuid-1", a.items[0].eventID)
}

func TestAppleWebhook_SandboxOutsideProductionIsProcessed(t *testing.T) {
	h, p, _ := newAppleFixtureFor(false)
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "DID_RENEW", "", "Sandbox"),
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.notifications, 1)
	assert.True(t, p.notifications[0].Test)
}

func TestAppleWebhook_SandboxInProductionIsSkipped(t *testing.T) {
	h, p, a := newAppleFixture()
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "DID_RENEW", "", "Sandbox"),
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"skipped":true,"reason":"test_purchase_in_prod"}`, rec.Body.String())
	assert.Empty(t, p.notifications)
	assert.Len(t, a.items, 1)
}

func TestAppleWebhook_ProductionOutsideProductionIsSkipped(t *testing.T) {
	h, p, _ := newAppleFixtureFor(false)
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "DID_RENEW", "", "Production"),
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(rec)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "real_purchase_in_non_prod", body["reason"])
	assert.Empty(t, p.notifications)
}

func TestAppleWebhook_TestNotification(t *testing.T) {
	h, p, _ := newAppleFixture()
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "TEST", "", "Sandbox"),
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, p.notifications)
}

func TestAppleWebhook_MissingSignedPayload(t *testing.T) {
	h, _, a := newAppleFixture()
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed payload", decodeBody(rec)["error"])
	assert.Empty(t, a.items)
}

func TestAppleWebhook_WrongAlgorithm(t *testing.T) {
	h, _, _ := newAppleFixture()
	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"notificationType": "DID_RENEW"}).SignedString([]byte("k"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{"signedPayload": hs}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid signature", decodeBody(rec)["error"])
}

func TestAppleWebhook_ProcessingFailureIs500(t *testing.T) {
	h, p, _ := newAppleFixture()
	p.err = errBoom
	rec := httptest.NewRecorder()

	h.Handle(rec, newRequest(http.MethodPost, "/api/webhooks/apple", map[string]string{
		"signedPayload": appleNotification(t, "EXPIRED", "VOLUNTARY", "Production"),
	}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
