package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/billing/internal/core"
	"github.com/edvin/billing/internal/googleplay"
	"github.com/edvin/billing/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw body.
func newRequestRaw(method, target string, body []byte) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(rec *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

type fakeProcessor struct {
	mu            sync.Mutex
	notifications []model.Notification
	bindings      []model.SubscriptionBinding
	rejectBinding bool
	err           error
}

func (f *fakeProcessor) Process(ctx context.Context, n model.Notification) (*core.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.notifications = append(f.notifications, n)
	return &core.ReconcileResult{Outcome: core.OutcomeTransition}, nil
}

func (f *fakeProcessor) Bind(ctx context.Context, b model.SubscriptionBinding) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.bindings = append(f.bindings, b)
	return !f.rejectBinding, nil
}

type archived struct {
	platform model.Platform
	eventID  string
	body     string
}

type fakeArchiver struct {
	mu    sync.Mutex
	items []archived
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, p model.Platform, eventID string, _ time.Time, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, archived{platform: p, eventID: eventID, body: string(body)})
	return f.err
}

type fakeValidator struct {
	state  *googleplay.PurchaseState
	err    error
	tokens []string
}

func (f *fakeValidator) Subscription(ctx context.Context, token string) (*googleplay.PurchaseState, error) {
	f.tokens = append(f.tokens, token)
	return f.state, f.err
}

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }
