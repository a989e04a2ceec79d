// Package provider declares the contracts fitsync needs from external fitness
// services and the authenticated request capability they are built on.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/fitsync/internal/domain"
)

// Session issues authenticated requests. Token refresh is the session's concern.
type Session interface {
	Request(ctx context.Context, method, rawURL string, params map[string]string) (*Response, error)
}

// Response is the status and body of a provider reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ActivitySource pages through an activity provider's history.
type ActivitySource interface {
	// FetchActivities returns every activity starting in (after, before]. An empty
	// slice means no activity in range.
	FetchActivities(ctx context.Context, before, after time.Time) ([]domain.ActivityRecord, error)
}

// StepsSource pulls unacknowledged daily step counts.
type StepsSource interface {
	// FetchPendingSteps opens a provider transaction and returns its records. An
	// empty PendingSteps means the provider had no new data.
	FetchPendingSteps(ctx context.Context) (PendingSteps, error)
	// Commit acknowledges the transaction so it is not redelivered.
	Commit(ctx context.Context, pending PendingSteps) error
}

// PendingSteps is the content of one open steps transaction, keyed by
// domain.DateKey.
type PendingSteps struct {
	TransactionID int64
	Records       map[string]domain.StepRecord
}

// Empty reports whether the transaction carried no records.
func (p PendingSteps) Empty() bool {
	return len(p.Records) == 0
}
