// Package consent drives the multi-party consent flow that gates room
// joining. Every enabled feature needs a resolved consent status before the
// join UI unlocks; a denied required consent forces the user out of the
// room after a fixed countdown.
package consent

import (
	"fmt"
)

type Feature string

const (
	FeatureSTT       Feature = "stt"
	FeatureRecording Feature = "recording"
	FeatureLocalSave Feature = "local_save"
)

// State is the per-feature consent state machine. AwaitingDecision leaves
// only via an explicit user decision.
type State int

const (
	StateUnchecked State = iota
	StateChecking
	StateAwaitingDecision
	StateResolvedGranted
	StateResolvedDeniedOptional
	StateResolvedDeniedRequired
)

func (s State) String() string {
	switch s {
	case StateUnchecked:
		return "unchecked"
	case StateChecking:
		return "checking"
	case StateAwaitingDecision:
		return "awaiting-decision"
	case StateResolvedGranted:
		return "resolved-granted"
	case StateResolvedDeniedOptional:
		return "resolved-denied-optional"
	case StateResolvedDeniedRequired:
		return "resolved-denied-required"
	default:
		return "unknown"
	}
}

// Resolved reports whether the state counts toward the join predicate.
func (s State) Resolved() bool {
	switch s {
	case StateResolvedGranted, StateResolvedDeniedOptional, StateResolvedDeniedRequired:
		return true
	default:
		return false
	}
}

// FeatureConsent is the per-feature record created at room entry from room
// configuration and mutated only by status responses and user decisions.
type FeatureConsent struct {
	Feature Feature
	Enabled bool
	// Required mirrors the server's consent_required flag once known: a
	// denial of a required consent forces the redirect flow.
	Required bool
	State    State
}

// ConsentSubmissionError wraps a failed decision persist. The local state
// is unchanged; the caller may retry the decision.
type ConsentSubmissionError struct {
	Feature Feature
	Err     error
}

func (e *ConsentSubmissionError) Error() string {
	return fmt.Sprintf("consent submission for %s: %v", e.Feature, e.Err)
}

func (e *ConsentSubmissionError) Unwrap() error { return e.Err }
