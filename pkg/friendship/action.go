// Package friendship validates and records friendship actions between pairs
// of users and publishes the resulting domain events.
package friendship

import (
	"strings"
	"time"
)

// ActionType is a friendship action.
type ActionType string

const (
	ActionRequest ActionType = "REQUEST"
	ActionAccept  ActionType = "ACCEPT"
	ActionReject  ActionType = "REJECT"
	ActionCancel  ActionType = "CANCEL"
	ActionDelete  ActionType = "DELETE"
	ActionBlock   ActionType = "BLOCK"
)

// Action is one entry of a pair's append-only action log. The current state
// of a friendship is derived from its most recent action.
type Action struct {
	ID           string            `json:"id" firestore:"id"`
	FriendshipID string            `json:"friendshipId" firestore:"friendshipId"`
	Type         ActionType        `json:"action" firestore:"action"`
	ActingUser   string            `json:"actingUser" firestore:"actingUser"`
	Target       string            `json:"target" firestore:"target"`
	Metadata     map[string]string `json:"metadata,omitempty" firestore:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp" firestore:"timestamp"`
}

// Other returns the address of the pair member that is not address.
func (a Action) Other(address string) string {
	if a.ActingUser == address {
		return a.Target
	}
	return a.ActingUser
}

// ApplyRequest asks the service to record a new action by ActingUser
// towards Target.
type ApplyRequest struct {
	ActingUser string
	Target     string
	Type       ActionType
	Metadata   map[string]string
}

// NormalizeAddress lower-cases and trims an address for use as a key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// PairID returns the deterministic friendship id of two addresses,
// independent of their order.
func PairID(a, b string) string {
	a, b = NormalizeAddress(a), NormalizeAddress(b)
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
