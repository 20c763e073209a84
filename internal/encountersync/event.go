// Package encountersync applies encounter events downloaded from the exchange
// to the EMR exactly once.
//
// Each event runs through a fixed sequence: ledger lookup, patient merge
// check, policy gate, mapping, visit reconciliation, ordered persistence,
// ledger write and notification. Batches run inside one unit of work with a
// savepoint per event; failed events get a single retry pass.
package encountersync

import (
	"fmt"
	"strings"
	"time"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// Outcome is the terminal state of one event.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSkippedIdempotent Outcome = "skipped_idempotent"
	OutcomeSkippedPolicy     Outcome = "skipped_policy"
	OutcomeFailed            Outcome = "failed"
)

// EncounterEvent is one encounter downloaded from the exchange feed.
type EncounterEvent struct {
	EncounterID string       `json:"encounter_id" validate:"required"`
	HealthID    string       `json:"health_id" validate:"required"`
	Bundle      *fhir.Bundle `json:"bundle" validate:"required"`
	// UpdatedAt is the exchange-side update time of the encounter.
	UpdatedAt time.Time `json:"updated_at"`
	// UpdateMarker is set when the feed flags the event as an update of an
	// encounter published earlier.
	UpdateMarker string `json:"update_marker,omitempty"`
}

// IsUpdate reports whether the event carries an update marker.
func (e *EncounterEvent) IsUpdate() bool {
	return e.UpdateMarker != ""
}

var updatedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// ParseUpdatedCategory reads the update time from a feed category term of
// the form "<label>:<timestamp>". Everything after the first colon is the timestamp.
func ParseUpdatedCategory(term string) (time.Time, error) {
	_, value, ok := strings.Cut(term, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("category term %q has no timestamp", term)
	}
	value = strings.TrimSpace(value)
	for _, layout := range updatedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("category term %q: unrecognised timestamp %q", term, value)
}

// SystemIdentity is the account synced records are attributed to.
type SystemIdentity struct {
	SystemUserID string
}
