package models

import "time"

// Notice announces that a session wrote a record. Receivers use it as a
// trigger to fetch and merge; it never carries the content itself.
type Notice struct {
	SessionID string    `json:"session_id"`
	RecordID  string    `json:"record_id"`
	Stage     Stage     `json:"stage"`
	Sections  []string  `json:"sections,omitempty"`
	Revision  int64     `json:"revision"`
	Timestamp time.Time `json:"ts"`
	// Terminal marks the draft to finalized transition of a record.
	Terminal bool `json:"terminal,omitempty"`
}
