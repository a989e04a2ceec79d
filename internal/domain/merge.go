package domain

// ActivityIdentity selects the stored activity sharing the record's provider id.
func ActivityIdentity(rec ActivityRecord) Filter {
	return Filter{"id": rec.ID}
}

// StepIdentity selects the stored step record of the record's day.
func StepIdentity(rec StepRecord) Filter {
	return Filter{"date": DateOf(rec.Date)}
}

// StepDecision describes how an incoming step record relates to stored state.
type StepDecision int

const (
	// StepInsert means no record exists for the day.
	StepInsert StepDecision = iota
	// StepUpdate means the incoming count is strictly greater than the stored one.
	StepUpdate
	// StepUnchanged means the incoming count equals the stored one.
	StepUnchanged
	// StepRegression means the stored count already exceeds the incoming one.
	StepRegression
)

func (d StepDecision) String() string {
	switch d {
	case StepInsert:
		return "insert"
	case StepUpdate:
		return "update"
	case StepUnchanged:
		return "unchanged"
	case StepRegression:
		return "regression"
	}
	return "unknown"
}

// DecideStep applies the latest-wins rule for step counts: stored counts may only
// grow.
func DecideStep(stored *StepRecord, incoming StepRecord) StepDecision {
	switch {
	case stored == nil:
		return StepInsert
	case incoming.Steps > stored.Steps:
		return StepUpdate
	case incoming.Steps == stored.Steps:
		return StepUnchanged
	default:
		return StepRegression
	}
}

// StepPatch is the partial document written when a stored day is raised. Steps and
// the creation timestamp always move together.
func StepPatch(incoming StepRecord) Document {
	return Document{
		"steps": incoming.Steps,
		"meta":  Document{"created": incoming.Created.UTC()},
	}
}

// PreferStep resolves two entries for the same day within one fetch, keeping the
// larger count. Ties keep current.
func PreferStep(current, candidate StepRecord) (StepRecord, bool) {
	if candidate.Steps > current.Steps {
		return candidate, true
	}
	return current, false
}
