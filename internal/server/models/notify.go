// Package models holds the gateway-side payloads exchanged over the
// PostgreSQL notification channels.
package models

import "encoding/json"

// Notification channels.
const (
	ChannelChanges   = "fieldsync_changes"
	ChannelBroadcast = "fieldsync_broadcast"
)

// ChangeKey is the payload of a change notification: the key of the row
// that was written. Receivers load the row itself.
type ChangeKey struct {
	OwnerID string `json:"owner_id"`
	Table   string `json:"table"`
	ID      string `json:"id"`
}

// Broadcast is the payload of a broadcast notification. Broadcasts never
// cross owners.
type Broadcast struct {
	OwnerID   string          `json:"owner_id"`
	Topic     string          `json:"topic"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}
