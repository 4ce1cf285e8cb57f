package models

import "time"

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Archived  bool      `json:"archived,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserProfileID is the key of the single cached profile row.
const UserProfileID = "me"

type UserProfile struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ArchiveEntry is a cached line of the read-only archive listing.
type ArchiveEntry struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Title      string    `json:"title"`
	ArchivedAt time.Time `json:"archived_at"`
}
