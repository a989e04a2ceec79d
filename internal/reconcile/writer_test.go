package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/events"
	"example.com/fitsync/internal/persistence"
	"example.com/fitsync/internal/persistence/memory"
)

var day = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func activity(id int64) domain.ActivityRecord {
	start := day.Add(time.Duration(id) * time.Hour)
	return domain.ActivityRecord{
		ID:             id,
		StartDate:      start,
		StartDateLocal: start,
		Fields:         map[string]any{"name": "Run", "sport_type": "Run"},
	}
}

func steps(n int, created time.Time) map[string]domain.StepRecord {
	return map[string]domain.StepRecord{
		domain.DateKey(day): {Date: day, Steps: n, Created: created},
	}
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestReconcileActivitiesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store)

	batch := []domain.ActivityRecord{activity(1), activity(2)}

	inserted, duplicates, err := writer.ReconcileActivities(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)
	require.Equal(t, 0, duplicates)

	inserted, duplicates, err = writer.ReconcileActivities(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 2, duplicates)
	require.Len(t, store.Documents(ActivitiesCollection), 2)
}

func TestReconcileActivitiesNeverRewritesStoredActivity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store)

	first := activity(9)
	_, _, err := writer.ReconcileActivities(ctx, []domain.ActivityRecord{first})
	require.NoError(t, err)

	renamed := activity(9)
	renamed.Fields = map[string]any{"name": "Renamed"}
	_, duplicates, err := writer.ReconcileActivities(ctx, []domain.ActivityRecord{renamed})
	require.NoError(t, err)
	require.Equal(t, 1, duplicates)

	docs := store.Documents(ActivitiesCollection)
	require.Len(t, docs, 1)
	require.Equal(t, "Run", docs[0]["name"])
}

func TestReconcileStepsRaisesLargerCount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store)

	t1 := day.Add(20 * time.Hour)
	t2 := day.Add(30 * time.Hour)

	inserted, updated, err := writer.ReconcileSteps(ctx, steps(5000, t1))
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 0, updated)

	inserted, updated, err = writer.ReconcileSteps(ctx, steps(6200, t2))
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 1, updated)

	stored := storedSteps(t, store)
	require.Equal(t, 6200, stored.Steps)
	require.True(t, t2.Equal(stored.Created))
}

func TestReconcileStepsKeepsLargerStoredCount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	var logs bytes.Buffer
	writer := NewWriter(store, WithLogger(bufferLogger(&logs)))

	t1 := day.Add(20 * time.Hour)
	_, _, err := writer.ReconcileSteps(ctx, steps(5000, t1))
	require.NoError(t, err)

	inserted, updated, err := writer.ReconcileSteps(ctx, steps(4800, day.Add(40*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 0, updated)

	stored := storedSteps(t, store)
	require.Equal(t, 5000, stored.Steps)
	require.True(t, t1.Equal(stored.Created), "created must only move with steps")
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "not lowering stored steps")
}

func TestReconcileStepsIsIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store)

	sequence := []int{100, 900, 300, 900, 1200, 50}
	highest := 0
	for i, n := range sequence {
		_, _, err := writer.ReconcileSteps(ctx, steps(n, day.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		if n > highest {
			highest = n
		}
		require.Equal(t, highest, storedSteps(t, store).Steps)
	}

	batch := steps(1200, day.Add(5*time.Hour))
	_, updated, err := writer.ReconcileSteps(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 0, updated)
	require.Len(t, store.Documents(StepsCollection), 1)
}

func TestWriterPublishesAfterWrites(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	writer := NewWriter(memory.NewStore(), WithPublisher(publisher))

	_, _, err := writer.ReconcileActivities(ctx, []domain.ActivityRecord{activity(1), activity(1)})
	require.NoError(t, err)
	_, _, err = writer.ReconcileSteps(ctx, steps(10, day))
	require.NoError(t, err)
	_, _, err = writer.ReconcileSteps(ctx, steps(20, day))
	require.NoError(t, err)

	require.Len(t, publisher.events, 3)
	require.Equal(t, events.TypeActivitySynced, publisher.events[0].Type)
	require.Equal(t, "1", publisher.events[0].Key)

	raised, ok := publisher.events[2].Payload.(events.StepsSynced)
	require.True(t, ok)
	require.Equal(t, 20, raised.Steps)
	require.Equal(t, 10, raised.PreviousSteps)
	require.Equal(t, "2024-01-01", raised.Date)
}

func TestPublishFailureDoesNotFailReconciliation(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	writer := NewWriter(memory.NewStore(), WithPublisher(publisher), WithLogger(bufferLogger(&bytes.Buffer{})))

	inserted, _, err := writer.ReconcileActivities(context.Background(), []domain.ActivityRecord{activity(3)})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
}

func TestStorageErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	writer := NewWriter(failingStore{err: boom})

	_, _, err := writer.ReconcileActivities(context.Background(), []domain.ActivityRecord{activity(1)})
	require.ErrorIs(t, err, boom)

	_, _, err = writer.ReconcileSteps(context.Background(), steps(1, day))
	require.ErrorIs(t, err, boom)
}

func storedSteps(t *testing.T, store *memory.Store) domain.StepRecord {
	t.Helper()
	docs := store.Documents(StepsCollection)
	require.Len(t, docs, 1)
	rec, err := domain.StepRecordFromDocument(docs[0])
	require.NoError(t, err)
	return rec
}

type recordingPublisher struct {
	err    error
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

type failingStore struct {
	err error
}

func (s failingStore) Collection(string) persistence.Collection { return failingCollection(s) }

type failingCollection struct {
	err error
}

func (c failingCollection) FindOne(context.Context, domain.Filter) (domain.Document, error) {
	return nil, c.err
}

func (c failingCollection) InsertOne(context.Context, domain.Document) error { return c.err }

func (c failingCollection) UpdateOne(context.Context, domain.Filter, domain.Document) error {
	return c.err
}
