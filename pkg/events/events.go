// Package events defines the domain events fanned out to connected clients
// and their JSON envelope on the shared broadcast channel.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a domain event.
type Kind string

const (
	KindFriendship   Kind = "friendship"
	KindConnectivity Kind = "connectivity"
	KindBlock        Kind = "block"
)

// Event is implemented by every domain event. Events are immutable once
// published.
type Event interface {
	Kind() Kind
}

// FriendshipUpdate is emitted after a friendship action has been accepted.
type FriendshipUpdate struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Kind implements Event.
func (FriendshipUpdate) Kind() Kind { return KindFriendship }

// ConnectivityStatus is the presence state carried by a ConnectivityUpdate.
type ConnectivityStatus string

const (
	StatusOnline  ConnectivityStatus = "ONLINE"
	StatusOffline ConnectivityStatus = "OFFLINE"
	StatusAway    ConnectivityStatus = "AWAY"
)

// ConnectivityUpdate reports that address changed presence state.
type ConnectivityUpdate struct {
	Address string             `json:"address"`
	Status  ConnectivityStatus `json:"status"`
}

// Kind implements Event.
func (ConnectivityUpdate) Kind() Kind { return KindConnectivity }

// BlockUpdate reports that Address blocked (or unblocked) the recipient.
type BlockUpdate struct {
	Address   string `json:"address"`
	IsBlocked bool   `json:"isBlocked"`
}

// Kind implements Event.
func (BlockUpdate) Kind() Kind { return KindBlock }

// Envelope is the wire form of an event on the broadcast channel. Target is
// the recipient address used for routing; Origin is the publishing instance.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Target  string          `json:"target"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps ev for target into a serialized Envelope.
func Encode(target, origin string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind(), Target: target, Origin: origin, Payload: payload})
}

// Decode parses an Envelope's payload back into its concrete event.
func Decode(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Kind {
	case KindFriendship:
		var e FriendshipUpdate
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindConnectivity:
		var e ConnectivityUpdate
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindBlock:
		var e BlockUpdate
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", env.Kind, err)
	}
	return ev, nil
}
