package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/persistence"
)

func TestCollectionFindInsertUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	steps := store.Collection("steps")

	day := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	rec := domain.StepRecord{Date: day, Steps: 5000, Created: day.Add(20 * time.Hour)}

	found, err := steps.FindOne(ctx, domain.StepIdentity(rec))
	require.NoError(t, err)
	require.Nil(t, found)

	require.NoError(t, steps.InsertOne(ctx, rec.Document()))

	found, err = steps.FindOne(ctx, domain.StepIdentity(rec))
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, float64(5000), found["steps"])

	raised := domain.StepRecord{Date: day, Steps: 6200, Created: day.Add(30 * time.Hour)}
	require.NoError(t, steps.UpdateOne(ctx, domain.StepIdentity(raised), domain.StepPatch(raised)))

	found, err = steps.FindOne(ctx, domain.StepIdentity(raised))
	require.NoError(t, err)
	decoded, err := domain.StepRecordFromDocument(found)
	require.NoError(t, err)
	require.Equal(t, 6200, decoded.Steps)
	require.True(t, raised.Created.Equal(decoded.Created))
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	activities := NewStore().Collection("activities")

	require.NoError(t, activities.InsertOne(ctx, domain.Document{"id": int64(7), "name": "Ride"}))
	err := activities.InsertOne(ctx, domain.Document{"id": 7, "name": "Other"})
	require.True(t, errors.Is(err, persistence.ErrDuplicateKey))
}

func TestUpdateMissingDocument(t *testing.T) {
	err := NewStore().Collection("steps").UpdateOne(context.Background(), domain.Filter{"date": "2024-01-01"}, domain.Document{"steps": 1})
	require.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	activities := store.Collection("activities")
	require.NoError(t, activities.InsertOne(ctx, domain.Document{"id": 1, "name": "Walk"}))

	found, err := activities.FindOne(ctx, domain.Filter{"id": 1})
	require.NoError(t, err)
	found["name"] = "mutated"

	docs := store.Documents("activities")
	require.Len(t, docs, 1)
	require.Equal(t, "Walk", docs[0]["name"])
}
