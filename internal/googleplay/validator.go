// Package googleplay reads live subscription state from the Google Play
// Developer API.
package googleplay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// UnavailableError is returned by every lookup when the validator could not
// be constructed at startup.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("play validator unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

var errNoCredentials = errors.New("no credentials configured")

// PurchaseState is the live state of one subscription purchase token.
type PurchaseState struct {
	Test      bool
	State     string
	ProductID string
	StartTime *time.Time
	ExpiresAt *time.Time
	AutoRenew *bool
}

// Config configures Init. Options are appended after the credentials option
// and take precedence.
type Config struct {
	PackageName     string
	CredentialsFile string
	Options         []option.ClientOption
}

// InitResult holds either a ready client or the reason it is not. It is
// built once at startup and shared by every request.
type InitResult struct {
	packageName string
	svc         *androidpublisher.Service
	err         error
}

// Init constructs the Play Developer API client. It never fails outright;
// a failure is kept in the result and reported by every call.
func Init(ctx context.Context, cfg Config) *InitResult {
	r := &InitResult{packageName: strings.TrimSpace(cfg.PackageName)}
	if r.packageName == "" {
		r.err = errors.New("no package name configured")
		return r
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}
	opts = append(opts, cfg.Options...)
	if len(opts) == 0 {
		r.err = errNoCredentials
		return r
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		r.err = fmt.Errorf("create androidpublisher service: %w", err)
		return r
	}
	r.svc = svc
	return r
}

// Err returns the construction failure, or nil when the client is ready.
func (r *InitResult) Err() error {
	if r == nil {
		return errNoCredentials
	}
	return r.err
}

// Subscription fetches purchases.subscriptionsv2 for token.
func (r *InitResult) Subscription(ctx context.Context, token string) (*PurchaseState, error) {
	if err := r.Err(); err != nil {
		return nil, &UnavailableError{Cause: err}
	}
	p, err := r.svc.Purchases.Subscriptionsv2.Get(r.packageName, token).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get subscription purchase: %w", err)
	}
	return purchaseState(p), nil
}

func purchaseState(p *androidpublisher.SubscriptionPurchaseV2) *PurchaseState {
	s := &PurchaseState{
		Test:      p.TestPurchase != nil,
		State:     p.SubscriptionState,
		StartTime: parseTime(p.StartTime),
	}
	// The line item expiring last carries the entitlement end.
	for _, li := range p.LineItems {
		if li == nil {
			continue
		}
		exp := parseTime(li.ExpiryTime)
		if s.ProductID != "" && (exp == nil || (s.ExpiresAt != nil && !exp.After(*s.ExpiresAt))) {
			continue
		}
		s.ProductID = li.ProductId
		s.ExpiresAt = exp
		if li.AutoRenewingPlan != nil {
			on := li.AutoRenewingPlan.AutoRenewEnabled
			s.AutoRenew = &on
		} else {
			s.AutoRenew = nil
		}
	}
	return s
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
