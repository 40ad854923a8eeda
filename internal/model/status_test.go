package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, "trialing", string(StatusTrialing))
	assert.Equal(t, "active", string(StatusActive))
	assert.Equal(t, "past_due", string(StatusPastDue))
	assert.Equal(t, "paused", string(StatusPaused))
	assert.Equal(t, "canceled", string(StatusCanceled))
	assert.Equal(t, "incomplete", string(StatusIncomplete))
}

func TestStatus_Entitled(t *testing.T) {
	tests := []struct {
		status   SubscriptionStatus
		entitled bool
	}{
		{StatusTrialing, true},
		{StatusActive, true},
		{StatusPastDue, false},
		{StatusPaused, false},
		{StatusCanceled, false},
		{StatusIncomplete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.entitled, tt.status.Entitled())
		})
	}
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusPastDue.Valid())
	assert.False(t, SubscriptionStatus("deleted").Valid())
	assert.False(t, SubscriptionStatus("").Valid())
}
