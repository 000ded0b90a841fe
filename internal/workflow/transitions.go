// Package workflow drives submissions through the approval state machine.
// State lives in the store, never on a call stack: every step reads the
// persisted submission, performs one unit of work and writes the next state
// with a version check, so any instance can resume any submission.
package workflow

import (
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// ErrIllegalTransition is returned when an event does not apply to the current state.
var ErrIllegalTransition = errors.New("illegal transition")

// Event is something that moves a submission to its next state.
type Event string

const (
	EventNormalized    Event = "normalized"
	EventSegmented     Event = "segmented"
	EventModerated     Event = "moderated"
	EventPIIScanned    Event = "pii_scanned"
	EventTokenIssued   Event = "token_issued"
	EventAutoPublished Event = "auto_published"
	EventAutoRejected  Event = "auto_rejected"
	EventAdminApproved Event = "admin_approved"
	EventAdminRejected Event = "admin_rejected"
	EventTimedOut      Event = "timed_out"
	EventPublished     Event = "published"
	EventFailed        Event = "failed"
)

// transitions is the complete state machine. EventFailed is accepted from every
// non-terminal state and is not listed.
var transitions = map[model.Status]map[Event]model.Status{
	model.StatusReceived: {
		EventNormalized: model.StatusNormalized,
	},
	model.StatusNormalized: {
		EventSegmented: model.StatusSegmented,
	},
	model.StatusSegmented: {
		EventModerated: model.StatusModerated,
	},
	model.StatusModerated: {
		EventPIIScanned: model.StatusPIIChecked,
	},
	model.StatusPIIChecked: {
		EventTokenIssued:   model.StatusAwaitingAdmin,
		EventAutoPublished: model.StatusPublished,
		EventAutoRejected:  model.StatusRejected,
	},
	model.StatusAwaitingAdmin: {
		EventAdminApproved: model.StatusApproved,
		EventAdminRejected: model.StatusRejected,
		EventTimedOut:      model.StatusExpired,
	},
	model.StatusApproved: {
		EventPublished: model.StatusPublished,
	},
}

// Next returns the state reached by applying ev in state from.
func Next(from model.Status, ev Event) (model.Status, error) {
	if from.Terminal() {
		return "", fmt.Errorf("%w: %s is terminal (event %s)", ErrIllegalTransition, from, ev)
	}
	if ev == EventFailed {
		return model.StatusFailed, nil
	}
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
	}
	return to, nil
}

// EventForResolution maps an approval outcome onto the event it fires.
func EventForResolution(r model.Resolution) (Event, bool) {
	switch r {
	case model.ResolutionApproved:
		return EventAdminApproved, true
	case model.ResolutionRejected:
		return EventAdminRejected, true
	case model.ResolutionExpired:
		return EventTimedOut, true
	}
	return "", false
}
