// Package reconcile applies fetched provider records to the document store under
// the identity and merge rules of package domain. It is the only component that
// writes to storage.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/events"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/persistence"
)

const (
	// ActivitiesCollection holds activity documents keyed by provider id.
	ActivitiesCollection = "activities"
	// StepsCollection holds daily step documents keyed by date.
	StepsCollection = "steps"
)

// Store resolves the collections the writer owns.
type Store interface {
	Collection(name string) persistence.Collection
}

// Option configures optional behaviour for the Writer.
type Option func(*Writer)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithPublisher emits an event after every successful write.
func WithPublisher(publisher events.Publisher) Option {
	return func(w *Writer) {
		if publisher != nil {
			w.publisher = publisher
		}
	}
}

// WithSources names the providers recorded in published events.
func WithSources(activities, steps string) Option {
	return func(w *Writer) {
		w.activitySource = activities
		w.stepsSource = steps
	}
}

// Writer reconciles batches against storage.
type Writer struct {
	activities     persistence.Collection
	steps          persistence.Collection
	publisher      events.Publisher
	logger         *slog.Logger
	activitySource string
	stepsSource    string
}

// NewWriter constructs a Writer over store.
func NewWriter(store Store, opts ...Option) *Writer {
	w := &Writer{
		activities:     store.Collection(ActivitiesCollection),
		steps:          store.Collection(StepsCollection),
		publisher:      events.NoopPublisher{},
		logger:         slog.Default(),
		activitySource: "strava",
		stepsSource:    "polar",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ReconcileActivities inserts every record whose id is not yet stored. Stored
// activities are immutable, so an existing id only counts as a duplicate.
func (w *Writer) ReconcileActivities(ctx context.Context, records []domain.ActivityRecord) (inserted, duplicates int, err error) {
	defer func() {
		observability.RecordInserted(ActivitiesCollection, inserted)
		observability.RecordDuplicates(ActivitiesCollection, duplicates)
	}()

	for _, rec := range records {
		existing, err := w.activities.FindOne(ctx, domain.ActivityIdentity(rec))
		if err != nil {
			return inserted, duplicates, fmt.Errorf("find activity %d: %w", rec.ID, err)
		}
		if existing != nil {
			duplicates++
			w.logger.Debug("activity exists in storage, skipping", "activity_id", rec.ID)
			continue
		}

		if err := w.activities.InsertOne(ctx, rec.Document()); err != nil {
			return inserted, duplicates, fmt.Errorf("insert activity %d: %w", rec.ID, err)
		}
		inserted++
		w.logger.Debug("inserted activity", "activity_id", rec.ID, "start_date", rec.StartDate)
		w.publish(ctx, activityEvent(rec, w.activitySource))
	}

	w.logger.Debug("reconciled activities", "inserted", inserted, "duplicates", duplicates)
	return inserted, duplicates, nil
}

// ReconcileSteps inserts unseen days and raises stored days whose incoming count is
// strictly greater. Smaller incoming counts are logged as merge anomalies and left
// unwritten.
func (w *Writer) ReconcileSteps(ctx context.Context, records map[string]domain.StepRecord) (inserted, updated int, err error) {
	defer func() {
		observability.RecordInserted(StepsCollection, inserted)
		observability.RecordUpdated(StepsCollection, updated)
	}()

	for _, key := range sortedKeys(records) {
		rec := records[key]
		filter := domain.StepIdentity(rec)

		doc, err := w.steps.FindOne(ctx, filter)
		if err != nil {
			return inserted, updated, fmt.Errorf("find steps %s: %w", key, err)
		}

		var stored *domain.StepRecord
		if doc != nil {
			current, err := domain.StepRecordFromDocument(doc)
			if err != nil {
				return inserted, updated, fmt.Errorf("decode stored steps %s: %w", key, err)
			}
			stored = &current
		}

		switch domain.DecideStep(stored, rec) {
		case domain.StepInsert:
			if err := w.steps.InsertOne(ctx, rec.Document()); err != nil {
				return inserted, updated, fmt.Errorf("insert steps %s: %w", key, err)
			}
			inserted++
			w.logger.Debug("inserted steps", "date", key, "steps", rec.Steps)
			w.publish(ctx, stepsEvent(rec, 0, w.stepsSource))

		case domain.StepUpdate:
			if err := w.steps.UpdateOne(ctx, filter, domain.StepPatch(rec)); err != nil {
				return inserted, updated, fmt.Errorf("update steps %s: %w", key, err)
			}
			updated++
			w.logger.Debug("raised steps", "date", key, "steps", rec.Steps, "previous", stored.Steps)
			w.publish(ctx, stepsEvent(rec, stored.Steps, w.stepsSource))

		case domain.StepUnchanged:
			w.logger.Debug("steps unchanged", "date", key, "steps", rec.Steps)

		case domain.StepRegression:
			anomaly := &domain.MergeAnomaly{Date: rec.Date, Stored: stored.Steps, Incoming: rec.Steps}
			observability.RecordMergeAnomaly()
			w.logger.Warn("not lowering stored steps", "date", key, "error", anomaly)
		}
	}

	w.logger.Info("reconciled steps", "inserted", inserted, "updated", updated)
	return inserted, updated, nil
}

func (w *Writer) publish(ctx context.Context, evt events.Event) {
	if err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Warn("event publication failed", "event_type", evt.Type, "key", evt.Key, "error", err)
	}
}
