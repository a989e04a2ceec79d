package reconcile

import (
	"sort"
	"strconv"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/events"
)

func activityEvent(rec domain.ActivityRecord, source string) events.Event {
	name, _ := rec.Fields["name"].(string)
	sport, _ := rec.Fields["sport_type"].(string)
	if sport == "" {
		sport, _ = rec.Fields["type"].(string)
	}
	return events.Event{
		Type: events.TypeActivitySynced,
		Key:  strconv.FormatInt(rec.ID, 10),
		Payload: events.ActivitySynced{
			ActivityID: rec.ID,
			Name:       name,
			SportType:  sport,
			StartDate:  rec.StartDate.UTC(),
			Source:     source,
		},
	}
}

func stepsEvent(rec domain.StepRecord, previous int, source string) events.Event {
	key := domain.DateKey(rec.Date)
	return events.Event{
		Type: events.TypeStepsSynced,
		Key:  key,
		Payload: events.StepsSynced{
			Date:          key,
			Steps:         rec.Steps,
			PreviousSteps: previous,
			Created:       rec.Created.UTC(),
			Source:        source,
		},
	}
}

func sortedKeys(records map[string]domain.StepRecord) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
