package common

import "github.com/google/uuid"

// NewID returns a random identifier for records, sessions and devices.
func NewID() string {
	return uuid.NewString()
}
