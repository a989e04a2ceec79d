// Package domain defines the records fitsync synchronises and the rules used to
// reconcile them against stored state.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used by the steps provider and the CLI.
const DateLayout = "2006-01-02"

// Document is a schemaless record as held by a document collection.
type Document map[string]any

// Filter selects documents whose fields equal every entry of the filter.
type Filter = Document

// ActivityRecord is a single exercise session reported by the activity provider.
// Fields keeps every provider attribute; ID and the start dates are lifted out and
// normalised at ingestion.
type ActivityRecord struct {
	ID             int64
	StartDate      time.Time
	StartDateLocal time.Time
	Fields         map[string]any
}

// Document renders the record as it is stored: provider fields with the parsed
// identity and timestamps taking precedence.
func (a ActivityRecord) Document() Document {
	doc := make(Document, len(a.Fields)+3)
	for k, v := range a.Fields {
		doc[k] = v
	}
	doc["id"] = a.ID
	doc["start_date"] = a.StartDate.UTC()
	doc["start_date_local"] = a.StartDateLocal.UTC()
	return doc
}

// StepRecord is the aggregate step count of one calendar day.
type StepRecord struct {
	Date    time.Time
	Steps   int
	Created time.Time
}

// Document renders the record in its stored shape.
func (s StepRecord) Document() Document {
	return Document{
		"date":  DateOf(s.Date),
		"steps": s.Steps,
		"meta":  Document{"created": s.Created.UTC()},
	}
}

// StepRecordFromDocument decodes a stored steps document.
func StepRecordFromDocument(doc Document) (StepRecord, error) {
	var rec StepRecord

	date, err := timeValue(doc["date"])
	if err != nil {
		return rec, fmt.Errorf("steps document date: %w", err)
	}
	steps, ok := intValue(doc["steps"])
	if !ok {
		return rec, fmt.Errorf("steps document has non-numeric steps %v", doc["steps"])
	}
	rec.Date = DateOf(date)
	rec.Steps = int(steps)

	if meta, ok := doc["meta"].(map[string]any); ok {
		rec.Created, _ = timeValue(meta["created"])
	} else if meta, ok := doc["meta"].(Document); ok {
		rec.Created, _ = timeValue(meta["created"])
	}
	return rec, nil
}

// DateOf truncates t to the calendar day it falls on, expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}

// DateKey is the map key used for step records of the given day.
func DateKey(t time.Time) string {
	return DateOf(t).Format(DateLayout)
}

// Window is one page request to the activity provider covering (After, Before].
type Window struct {
	Before time.Time
	After  time.Time
}

// Shift moves both bounds back by size.
func (w Window) Shift(size time.Duration) Window {
	return Window{Before: w.Before.Add(-size), After: w.After.Add(-size)}
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.After.Format(DateLayout), w.Before.Format(DateLayout))
}

// Counters aggregates the outcome of one sync invocation. They are never persisted.
type Counters struct {
	Inserted   int
	Updated    int
	Duplicates int
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Duplicates += other.Duplicates
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

func timeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}
