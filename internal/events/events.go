// Package events defines the payloads fitsync emits after storage changes and the
// publishers that deliver them.
package events

import (
	"context"
	"time"
)

const (
	// TypeActivitySynced is emitted when a new activity is stored.
	TypeActivitySynced = "activity.synced"
	// TypeStepsSynced is emitted when a day's step count is stored or raised.
	TypeStepsSynced = "steps.synced"
)

// ActivitySynced describes an activity inserted during a sync run.
type ActivitySynced struct {
	ActivityID int64     `json:"activity_id"`
	Name       string    `json:"name,omitempty"`
	SportType  string    `json:"sport_type,omitempty"`
	StartDate  time.Time `json:"start_date"`
	Source     string    `json:"source"`
}

// StepsSynced describes a day whose stored step count changed.
type StepsSynced struct {
	Date          string    `json:"date"`
	Steps         int       `json:"steps"`
	PreviousSteps int       `json:"previous_steps"`
	Created       time.Time `json:"created"`
	Source        string    `json:"source"`
}

// Event is one message handed to a Publisher.
type Event struct {
	Type    string
	Key     string
	Payload any
}

// Publisher delivers events. Implementations must be safe to call sequentially from
// the sync path; they are not required to be concurrency safe.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// Publish performs no action.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

type contextKey string

const runIDKey contextKey = "fitsync-run-id"

// WithRunID tags ctx with the identifier of the current sync run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run identifier stored by WithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}
