// Package conductor executes compiled plans on top of the replicated
// log. Every lifecycle transition is a committed log event; cluster
// state is only ever mutated by applying those events in order, so any
// node can rebuild the same state from the same log.
package conductor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/plan"
	"github.com/danmuck/inquest/internal/provenance"
)

// Plan lifecycle event types, in the order they normally occur.
const (
	EventSubmitted     = "submitted"
	EventStarted       = "started"
	EventStepCompleted = "step_completed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
)

// Step outcomes carried by step_completed events.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Event is the payload of one replicated log entry.
type Event struct {
	Type   string `json:"type"`
	PlanID string `json:"plan_id"`
	Tenant string `json:"tenant,omitempty"`

	// Plan rides on submitted events only.
	Plan *plan.Plan `json:"plan,omitempty"`

	// Step fields ride on step_completed events. The reading is
	// carried in the log so a new leader can resume fusion without
	// re-running completed steps.
	StepID   string              `json:"step_id,omitempty"`
	Outcome  string              `json:"outcome,omitempty"`
	Attempts int                 `json:"attempts,omitempty"`
	Reading  *instrument.Reading `json:"reading,omitempty"`

	// Results ride on completed events: the fused output per entity.
	// The full payload is replicated so every node materializes the
	// same provenance records and belief updates from the apply path,
	// not just the leader that ran the fusion.
	Results []EntityResult `json:"results,omitempty"`

	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EntityResult is one entity's fused outcome inside a completed event.
// A nil GroundTruth marks a round whose readings were all rejected;
// the readings and their dispositions still travel with it.
type EntityResult struct {
	Entity      string                     `json:"entity"`
	Readings    []provenance.ReadingRecord `json:"readings,omitempty"`
	GroundTruth *fusion.GroundTruth        `json:"ground_truth,omitempty"`
}

func encodeEvent(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("conductor: encode %s event: %w", e.Type, err)
	}
	return raw, nil
}

func decodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("conductor: decode event: %w", err)
	}
	return e, nil
}
