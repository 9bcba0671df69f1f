// Package webhooks receives signed event callbacks from connected
// services, persists them, and lets registered triggers turn them into
// plans. Triggers only go through the executor's public plan contract;
// nothing in here touches adapters or the action log directly.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/autoflow/backend/internal/core"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Event is one inbound callback from an external service.
type Event struct {
	ID              int64           `json:"id"`
	Service         core.Service    `json:"service"`
	EventType       string          `json:"event_type"`
	EventID         string          `json:"event_id,omitempty"` // provider-assigned id, if any
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature,omitempty"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError string          `json:"processing_error,omitempty"`
	ActionIDs       []int64         `json:"action_ids,omitempty"` // actions triggered by this event
	ReceivedAt      time.Time       `json:"received_at"`
}

// ProcessingResult records the outcome of running an event's triggers.
type ProcessingResult struct {
	Error     string
	ActionIDs []int64
}

// Store persists inbound webhook events.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id int64) (*Event, error)
	MarkProcessed(ctx context.Context, id int64, res ProcessingResult) error
	ListUnprocessed(ctx context.Context, limit int) ([]*Event, error)
}
