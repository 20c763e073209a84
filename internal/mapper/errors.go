package mapper

import (
	"errors"
	"fmt"
)

// ErrMissingEncounterMapping is returned when a result's order belongs to an
// encounter that has no ledger mapping. It aborts the whole upload.
var ErrMissingEncounterMapping = errors.New("encounter has no id mapping")

// MapError is a mapping failure with context.
type MapError struct {
	Resource string
	Code     string
	Message  string
	Cause    error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Resource, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}
