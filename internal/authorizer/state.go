package authorizer

import (
	"errors"
	"time"
)

// State represents the position of one authentication flow in its lifecycle.
type State int

const (
	StatePending State = iota
	StateExtracting
	StateKeyLookup
	StateAuthorized
	StateRejected
	StateExpired
)

func (s State) String() string {
	names := []string{
		"Pending", "Extracting", "KeyLookup",
		"Authorized", "Rejected", "Expired",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateAuthorized, StateRejected, StateExpired:
		return true
	}
	return false
}

// Outcome is the externally visible result class of a decision.
type Outcome string

const (
	OutcomeAuthorized Outcome = "authorized"
	OutcomeRejected   Outcome = "rejected"
	OutcomeExpired    Outcome = "expired"
)

// Reason codes let operators tell "no key" apart from "store down" without
// leaking anything to the rejected party.
const (
	ReasonAuthorized       = "authorized"
	ReasonKeyNotFound      = "key_not_found"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonExtractionFailed = "extraction_failed"
	ReasonCallDisconnected = "call_disconnected"
	ReasonDeadlineExceeded = "deadline_exceeded"
)

// Decision is the immutable result record produced exactly once per call.
type Decision struct {
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Authorized reports whether media may flow for this decision.
func (d Decision) Authorized() bool {
	return d.Outcome == OutcomeAuthorized
}

var (
	// ErrPending means authentication for the call has not reached a
	// terminal state yet; the attach may be retried.
	ErrPending = errors.New("authorizer: authentication still in progress")

	// ErrUnknownCall means no flow was ever started for the call id.
	ErrUnknownCall = errors.New("authorizer: unknown call identifier")

	// ErrDuplicateAttach means the call's Authorized decision was already
	// consumed by a previous attach.
	ErrDuplicateAttach = errors.New("authorizer: decision already consumed")
)
