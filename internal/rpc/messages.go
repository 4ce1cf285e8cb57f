package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Row is one row of a synchronized table as exchanged with the gateway.
type Row struct {
	Table   string         `json:"table"`
	ID      string         `json:"id"`
	OwnerID string         `json:"owner_id,omitempty"`
	Data    map[string]any `json:"data"`
	Version int64          `json:"version"`
	// UpdatedBy is the session id of the last writer.
	UpdatedBy string    `json:"updated_by,omitempty"`
	Revision  int64     `json:"revision,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PingResponse struct {
	Status string `json:"status"`
}

type QueryRequest struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

type QueryResponse struct {
	Rows []Row `json:"rows"`
}

type QueryByIDRequest struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

type UpsertRequest struct {
	Row Row `json:"row"`
}

type BroadcastRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// TableFilter selects change events of one table whose data contains Filter.
type TableFilter struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

// WatchRequest opens an event stream of row changes and broadcasts.
type WatchRequest struct {
	Tables []TableFilter `json:"tables,omitempty"`
	Topics []string      `json:"topics,omitempty"`
}

// Event kinds.
const (
	EventChange    = "change"
	EventBroadcast = "broadcast"
)

// Event is one element of the Watch stream.
type Event struct {
	Kind    string          `json:"kind"`
	Row     *Row            `json:"row,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
