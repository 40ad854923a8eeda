package model

import "time"

// EventKind is the platform-independent name of a subscription lifecycle change.
type EventKind string

const (
	EventPurchased        EventKind = "purchased"
	EventRenewed          EventKind = "renewed"
	EventRecovered        EventKind = "recovered"
	EventRenewalFailed    EventKind = "renewal_failed"
	EventGracePeriod      EventKind = "grace_period"
	EventPaused           EventKind = "paused"
	EventCanceled         EventKind = "canceled"
	EventRenewalReenabled EventKind = "renewal_reenabled"
	EventExpired          EventKind = "expired"
	EventRefunded         EventKind = "refunded"
	EventRevoked          EventKind = "revoked"
)

// EventPayload is the platform-neutral data that may accompany any event.
// Every field is optional.
type EventPayload struct {
	// ExpiresAt is the end of the current entitlement period as reported by the platform.
	ExpiresAt *time.Time
	// PeriodStart is the start of the current entitlement period.
	PeriodStart *time.Time
	// AutoRenew is the platform's auto-renew flag at the time of the event.
	AutoRenew *bool
	// CancelAt is an explicit scheduled-cancel timestamp. It always overwrites the stored one.
	CancelAt *time.Time
	// Tier is the paid tier resolved from the platform's product identifier.
	Tier Tier
}

// Event is a canonical subscription event. The zero value is invalid; build
// events with the constructor for their kind.
type Event struct {
	kind    EventKind
	payload EventPayload
}

func (e Event) Kind() EventKind       { return e.kind }
func (e Event) Payload() EventPayload { return e.payload }
func (e Event) IsZero() bool          { return e.kind == "" }
func (e Event) String() string        { return string(e.kind) }

func Purchased(p EventPayload) Event        { return Event{kind: EventPurchased, payload: p} }
func Renewed(p EventPayload) Event          { return Event{kind: EventRenewed, payload: p} }
func Recovered(p EventPayload) Event        { return Event{kind: EventRecovered, payload: p} }
func RenewalFailed(p EventPayload) Event    { return Event{kind: EventRenewalFailed, payload: p} }
func GracePeriod(p EventPayload) Event      { return Event{kind: EventGracePeriod, payload: p} }
func Paused(p EventPayload) Event           { return Event{kind: EventPaused, payload: p} }
func Canceled(p EventPayload) Event         { return Event{kind: EventCanceled, payload: p} }
func RenewalReenabled(p EventPayload) Event { return Event{kind: EventRenewalReenabled, payload: p} }
func Expired(p EventPayload) Event          { return Event{kind: EventExpired, payload: p} }
func Refunded(p EventPayload) Event         { return Event{kind: EventRefunded, payload: p} }
func Revoked(p EventPayload) Event          { return Event{kind: EventRevoked, payload: p} }

// Notification is one normalized platform notification. It drives a single
// reconciliation and is never persisted.
type Notification struct {
	Platform    Platform
	ExternalKey string
	Event       Event
	// Test is true when the platform marked the purchase as sandbox/test.
	Test bool
	// SourceType is the platform's own type label, e.g. "DID_RENEW".
	SourceType string
	// SourceID is the platform's delivery or event identifier.
	SourceID string
}

// WithPayload returns a copy of e carrying p instead of its original payload.
func (e Event) WithPayload(p EventPayload) Event {
	return Event{kind: e.kind, payload: p}
}
