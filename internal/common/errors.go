// Package common defines shared constants and sentinel errors used across
// client and server layers of fieldsync. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// Local store errors.
	ErrConnectionTimeout = errors.New("local store open timed out")
	ErrConnectionBlocked = errors.New("local store open blocked by another connection")
	ErrStoreNotFound     = errors.New("collection not found")
	ErrTransactionFailed = errors.New("transaction failed")

	// A finalized record has no draft to write to.
	ErrRecordFinalized = errors.New("record already finalized")

	// Remote errors.
	ErrFetchFailed = errors.New("remote fetch failed")
	ErrUnavailable = errors.New("server unavailable")

	// Auth errors (missing, invalid or malformed token).
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")

	// Values that cannot be represented in a record payload.
	ErrUnsupportedValue = errors.New("unsupported value")
)

// StoreError describes a failed local store operation on a collection.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
