package models

import "time"

// PhotoStatus tracks a photo through the upload pipeline.
type PhotoStatus string

const (
	PhotoStatusPending   PhotoStatus = "pending"
	PhotoStatusUploading PhotoStatus = "uploading"
	PhotoStatusUploaded  PhotoStatus = "uploaded"
	PhotoStatusFailed    PhotoStatus = "failed"
)

// Photo is a locally captured image attached to a record.
type Photo struct {
	ID        string      `json:"id"`
	RecordID  string      `json:"record_id"`
	Status    PhotoStatus `json:"status"`
	URL       string      `json:"url,omitempty"`
	LocalPath string      `json:"local_path,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
