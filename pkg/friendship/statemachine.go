package friendship

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOrder is returned when an action is not a legal transition
	// from the previous action or the actor may not perform it.
	ErrInvalidOrder = errors.New("invalid friendship action order")
	// ErrSelfReference is returned when a user acts on themselves.
	ErrSelfReference = errors.New("friendship action targets the acting user")
)

// TransitionError describes a rejected action.
type TransitionError struct {
	Previous   ActionType
	Next       ActionType
	ActingUser string
	Err        error
}

func (e *TransitionError) Error() string {
	prev := string(e.Previous)
	if prev == "" {
		prev = "none"
	}
	return fmt.Sprintf("%s -> %s by %s: %v", prev, e.Next, e.ActingUser, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// allowedPrevious lists, per action, the previous actions it may follow.
// The empty ActionType stands for "no previous action".
var allowedPrevious = map[ActionType]map[ActionType]bool{
	ActionRequest: {"": true, ActionCancel: true, ActionReject: true, ActionDelete: true},
	ActionAccept:  {ActionRequest: true},
	ActionCancel:  {ActionRequest: true},
	ActionReject:  {ActionRequest: true},
	ActionDelete:  {ActionAccept: true, ActionBlock: true},
	ActionBlock: {
		"": true, ActionRequest: true, ActionAccept: true, ActionReject: true,
		ActionCancel: true, ActionDelete: true,
	},
}

func previousType(prev *Action) ActionType {
	if prev == nil {
		return ""
	}
	return prev.Type
}

// IsTransitionValid reports whether next may follow prev. A nil prev means
// the pair has no history.
func IsTransitionValid(prev *Action, next ActionType) bool {
	return allowedPrevious[next][previousType(prev)]
}

// IsActorValid reports whether actingUser may perform next on target given
// the previous action. Requests cannot be accepted or rejected by their
// sender nor cancelled by their recipient, and a block can only be lifted
// by the user who placed it.
func IsActorValid(actingUser, target string, next ActionType, prev *Action) bool {
	if NormalizeAddress(actingUser) == NormalizeAddress(target) {
		return false
	}
	actor := NormalizeAddress(actingUser)

	switch next {
	case ActionAccept, ActionReject:
		return prev != nil && prev.Type == ActionRequest && NormalizeAddress(prev.ActingUser) != actor
	case ActionCancel:
		return prev != nil && prev.Type == ActionRequest && NormalizeAddress(prev.ActingUser) == actor
	case ActionDelete:
		if prev != nil && prev.Type == ActionBlock {
			return NormalizeAddress(prev.ActingUser) == actor
		}
		return true
	default:
		return true
	}
}

// ValidateNewAction is the gate applied before any action is persisted. It
// returns a *TransitionError wrapping ErrSelfReference or ErrInvalidOrder.
func ValidateNewAction(actingUser, target string, next ActionType, prev *Action) error {
	tErr := &TransitionError{Previous: previousType(prev), Next: next, ActingUser: actingUser}
	if NormalizeAddress(actingUser) == NormalizeAddress(target) {
		tErr.Err = ErrSelfReference
		return tErr
	}
	if !IsTransitionValid(prev, next) || !IsActorValid(actingUser, target, next, prev) {
		tErr.Err = ErrInvalidOrder
		return tErr
	}
	return nil
}

// RequestStatus is the state of a friendship from one user's point of view.
type RequestStatus string

const (
	StatusNone            RequestStatus = "NONE"
	StatusRequestSent     RequestStatus = "REQUEST_SENT"
	StatusRequestReceived RequestStatus = "REQUEST_RECEIVED"
	StatusAccepted        RequestStatus = "ACCEPTED"
	StatusCanceled        RequestStatus = "CANCELED"
	StatusRejected        RequestStatus = "REJECTED"
	StatusDeleted         RequestStatus = "DELETED"
	StatusBlocked         RequestStatus = "BLOCKED"
	StatusBlockedBy       RequestStatus = "BLOCKED_BY"
)

// GetRequestStatus derives viewer's status from the last action of the pair.
func GetRequestStatus(last *Action, viewer string) RequestStatus {
	if last == nil {
		return StatusNone
	}
	byViewer := NormalizeAddress(last.ActingUser) == NormalizeAddress(viewer)
	switch last.Type {
	case ActionRequest:
		if byViewer {
			return StatusRequestSent
		}
		return StatusRequestReceived
	case ActionAccept:
		return StatusAccepted
	case ActionCancel:
		return StatusCanceled
	case ActionReject:
		return StatusRejected
	case ActionDelete:
		return StatusDeleted
	case ActionBlock:
		if byViewer {
			return StatusBlocked
		}
		return StatusBlockedBy
	default:
		return StatusNone
	}
}
