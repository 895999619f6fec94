package automator

import (
	"time"

	"github.com/linnemanlabs/pdautomator/internal/dispatch"
)

// Status tracks where a run is in its lifecycle.
type Status string

const (
	// StatusPending means accepted, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means fetching or dispatching
	StatusInProgress Status = "in_progress"

	// StatusComplete means every queue finished, whatever their outcomes
	StatusComplete Status = "complete"

	// StatusFailed means the cycle aborted before dispatch
	StatusFailed Status = "failed"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerInterval Trigger = "interval"
	TriggerAPI      Trigger = "api"
)

// Run is the report of one fetch-match-dispatch cycle.
type Run struct {
	ID          string                 `json:"id"`
	Trigger     Trigger                `json:"trigger"`
	Status      Status                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Fetched     int                    `json:"fetched"`
	Considered  int                    `json:"considered"`
	Matched     int                    `json:"matched"`
	Executed    int                    `json:"executed"`
	Resolved    int                    `json:"resolved"`
	Aborted     int                    `json:"aborted_queues"`
	Queues      []dispatch.QueueReport `json:"queues,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
	Duration    float64                `json:"duration_seconds,omitempty"`
}
