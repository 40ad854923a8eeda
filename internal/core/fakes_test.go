package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/model"
)

// memStore is an in-memory SubscriptionMutator with one lock per row.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]*model.Subscription
	locks  map[string]*sync.Mutex
	writes int
	delay  time.Duration
}

func newMemStore(subs ...*model.Subscription) *memStore {
	s := &memStore{
		rows:  map[string]*model.Subscription{},
		locks: map[string]*sync.Mutex{},
	}
	for _, sub := range subs {
		s.rows[memKey(sub.Platform, sub.ExternalKey())] = sub.Clone()
	}
	return s
}

func memKey(p model.Platform, key string) string { return string(p) + "|" + key }

func (s *memStore) lockFor(k string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *memStore) Mutate(ctx context.Context, p model.Platform, externalKey string, fn MutateFunc) error {
	k := memKey(p, externalKey)
	l := s.lockFor(k)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	cur, ok := s.rows[k]
	s.mu.Unlock()
	if !ok {
		return ErrSubscriptionNotFound
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	next, err := fn(cur.Clone())
	if err != nil || next == nil {
		return err
	}

	s.mu.Lock()
	s.rows[k] = next.Clone()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *memStore) Bind(ctx context.Context, b model.SubscriptionBinding, baseTier model.Tier, base TierPlan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, row := range s.rows {
		if row.OrganizationID != b.OrganizationID {
			continue
		}
		if row.Platform != b.Platform {
			switch row.Status {
			case model.StatusActive, model.StatusTrialing, model.StatusPastDue, model.StatusPaused:
				return false, nil
			}
		}
		delete(s.rows, k)
		row.Platform = b.Platform
		setExternalKey(row, b.ExternalKey)
		s.rows[memKey(b.Platform, b.ExternalKey)] = row
		return true, nil
	}

	row := &model.Subscription{
		ID:                 "sub-" + b.OrganizationID,
		OrganizationID:     b.OrganizationID,
		UserID:             b.UserID,
		Platform:           b.Platform,
		Tier:               baseTier,
		Status:             model.StatusIncomplete,
		MonthlyPrice:       base.MonthlyPrice,
		TransactionFeeRate: base.TransactionFeeRate,
		Features:           base.Features.Clone(),
	}
	setExternalKey(row, b.ExternalKey)
	s.rows[memKey(b.Platform, b.ExternalKey)] = row
	return true, nil
}

func (s *memStore) get(p model.Platform, key string) *model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[memKey(p, key)]; ok {
		return row.Clone()
	}
	return nil
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func setExternalKey(s *model.Subscription, key string) {
	s.StripeSubscriptionID, s.AppStoreOriginalTransactionID, s.PlayPurchaseToken = nil, nil, nil
	switch s.Platform {
	case model.PlatformStripe:
		s.StripeSubscriptionID = &key
	case model.PlatformAppStore:
		s.AppStoreOriginalTransactionID = &key
	case model.PlatformPlayStore:
		s.PlayPurchaseToken = &key
	}
}

// recordingHook counts runs and appends its name to a shared order log.
type recordingHook struct {
	name  string
	err   error
	runs  atomic.Int32
	order *[]string
	mu    *sync.Mutex
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) Run(ctx context.Context, c Change) error {
	h.runs.Add(1)
	if h.order != nil {
		h.mu.Lock()
		*h.order = append(*h.order, h.name)
		h.mu.Unlock()
	}
	return h.err
}

type fakeStaff struct {
	mu       sync.Mutex
	enabled  []string
	disabled []string
	err      error
}

func (f *fakeStaff) EnableAllStaff(ctx context.Context, organizationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, organizationID)
	return 2, f.err
}

func (f *fakeStaff) DisableAllStaff(ctx context.Context, organizationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, organizationID)
	return 2, f.err
}

type emitted struct {
	organizationID string
	event          string
	payload        any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (f *fakeNotifier) EmitToOrganization(ctx context.Context, organizationID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{organizationID, event, payload})
	return f.err
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*model.AuditLog
	err     error
}

func (f *fakeAudit) Record(ctx context.Context, entry *model.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return f.err
}

type fakeUsers struct {
	users []model.User
	err   error
}

func (f *fakeUsers) ListByOrganization(ctx context.Context, organizationID string) ([]model.User, error) {
	return f.users, f.err
}

type fakeInvalidator struct {
	mu   sync.Mutex
	orgs []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, organizationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs = append(f.orgs, organizationID)
	return nil
}

func ptr[T any](v T) *T { return &v }

func testLogger() zerolog.Logger { return zerolog.Nop() }

// activeProSubscription returns an active pro row bound to the Stripe key sub_123.
func activeProSubscription(catalog *TierCatalog) *model.Subscription {
	sub := &model.Subscription{
		ID:                   "sub-row-1",
		OrganizationID:       "org-1",
		UserID:               "owner-1",
		Platform:             model.PlatformStripe,
		StripeSubscriptionID: ptr("sub_123"),
		Status:               model.StatusActive,
		CurrentPeriodStart:   ptr(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)),
		CurrentPeriodEnd:     ptr(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)),
	}
	catalog.ApplyTier(sub, model.TierPro)
	return sub
}
