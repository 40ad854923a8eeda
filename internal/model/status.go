package model

// SubscriptionStatus is the commercial state of a subscription row.
type SubscriptionStatus string

// Subscription status constants.
const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusPaused     SubscriptionStatus = "paused"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// Entitled reports whether the status lets the organization use staff seats.
func (s SubscriptionStatus) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusPaused, StatusCanceled, StatusIncomplete:
		return true
	}
	return false
}
