package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectivity is returned when the document store cannot be reached.
var ErrConnectivity = errors.New("storage unreachable")

// MergeAnomaly reports a stored step count that already exceeds the incoming one.
// It is logged, never returned to callers: the sync source should not be staler than
// storage, so this points at clock skew or provider ordering rather than a bug.
type MergeAnomaly struct {
	Date     time.Time
	Stored   int
	Incoming int
}

func (m *MergeAnomaly) Error() string {
	return fmt.Sprintf("stored steps for %s (%d) exceed incoming value (%d)", m.Date.Format(DateLayout), m.Stored, m.Incoming)
}
