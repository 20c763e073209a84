package encountersync

import (
	"errors"
	"fmt"
)

// ErrNoTransaction is returned when the pipeline has no unit of work to
// take savepoints in.
var ErrNoTransaction = errors.New("encounter sync requires a unit of work")

// ErrAlreadyApplied marks an event whose encounter was applied before
// without a recorded server timestamp.
var ErrAlreadyApplied = errors.New("encounter already applied")

// PolicyError explains why the policy gate rejected an event.
type PolicyError struct {
	EncounterID string
	Reason      string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("encounter %s skipped: %s", e.EncounterID, e.Reason)
}

// BatchSyncError is returned when an event fails again on the retry pass.
type BatchSyncError struct {
	EncounterID string
	Cause       error
}

func (e *BatchSyncError) Error() string {
	return fmt.Sprintf("encounter batch aborted at encounter %s: %v", e.EncounterID, e.Cause)
}

func (e *BatchSyncError) Unwrap() error {
	return e.Cause
}
