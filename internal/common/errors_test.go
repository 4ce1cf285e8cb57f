package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreError_UnwrapsSentinel(t *testing.T) {
	err := fmt.Errorf("put failed: %w", &StoreError{Op: "put", Collection: "records", Err: ErrTransactionFailed})

	require.True(t, errors.Is(err, ErrTransactionFailed))
	assert.False(t, errors.Is(err, ErrStoreNotFound))

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "records", se.Collection)
}

func TestStoreError_Message(t *testing.T) {
	assert.Equal(t, "store get photos: not found",
		(&StoreError{Op: "get", Collection: "photos", Err: ErrNotFound}).Error())
	assert.Equal(t, "store open: local store open timed out",
		(&StoreError{Op: "open", Err: ErrConnectionTimeout}).Error())
}

func TestNewID_IsUUID(t *testing.T) {
	a, b := NewID(), NewID()
	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
