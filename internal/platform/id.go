// Package platform holds identifier helpers shared across the service.
package platform

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const (
	eventIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	eventIDLength   = 16
	localEventTag   = "local_"
)

// NewID returns a random UUID for database rows.
func NewID() string {
	return uuid.New().String()
}

// NewLocalEventID names a delivery that arrived without a platform event id,
// so it can still be archived under a unique key.
func NewLocalEventID() string {
	b := make([]byte, eventIDLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i := range b {
		b[i] = eventIDAlphabet[int(b[i])%len(eventIDAlphabet)]
	}
	return localEventTag + string(b)
}
