package stream

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/events"
)

// SubscribeRequest is the empty request opening an update stream.
type SubscribeRequest struct{}

// FriendshipUpdateMessage is the wire form of a friendship update.
type FriendshipUpdateMessage struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Action    string            `json:"action"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConnectivityUpdateMessage is the wire form of a connectivity update.
type ConnectivityUpdateMessage struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

// BlockUpdateMessage is the wire form of a block update.
type BlockUpdateMessage struct {
	Address   string `json:"address"`
	IsBlocked bool   `json:"isBlocked"`
}

func unexpected(want events.Kind, ev events.Event) error {
	return fmt.Errorf("expected %s event, got %T", want, ev)
}

// FriendshipSpec delivers friendship updates addressed to the viewer.
var FriendshipSpec = Spec[FriendshipUpdateMessage]{
	Kind: events.KindFriendship,
	AddressOf: func(ev events.Event) string {
		u, _ := ev.(events.FriendshipUpdate)
		return u.To
	},
	ShouldDeliver: func(address, viewer string) bool { return address == viewer },
	ToWire: func(ev events.Event) (FriendshipUpdateMessage, error) {
		u, ok := ev.(events.FriendshipUpdate)
		if !ok {
			return FriendshipUpdateMessage{}, unexpected(events.KindFriendship, ev)
		}
		return FriendshipUpdateMessage{
			ID:        u.ID,
			From:      u.From,
			To:        u.To,
			Action:    u.Action,
			Timestamp: u.Timestamp.UTC().Format(time.RFC3339Nano),
			Metadata:  u.Metadata,
		}, nil
	},
}

// ConnectivitySpec delivers presence changes of other users.
var ConnectivitySpec = Spec[ConnectivityUpdateMessage]{
	Kind: events.KindConnectivity,
	AddressOf: func(ev events.Event) string {
		u, _ := ev.(events.ConnectivityUpdate)
		return u.Address
	},
	ShouldDeliver: func(address, viewer string) bool { return address != viewer },
	ToWire: func(ev events.Event) (ConnectivityUpdateMessage, error) {
		u, ok := ev.(events.ConnectivityUpdate)
		if !ok {
			return ConnectivityUpdateMessage{}, unexpected(events.KindConnectivity, ev)
		}
		return ConnectivityUpdateMessage{Address: u.Address, Status: string(u.Status)}, nil
	},
}

// BlockSpec delivers every block update; they are already targeted.
var BlockSpec = Spec[BlockUpdateMessage]{
	Kind: events.KindBlock,
	AddressOf: func(ev events.Event) string {
		u, _ := ev.(events.BlockUpdate)
		return u.Address
	},
	ShouldDeliver: func(string, string) bool { return true },
	ToWire: func(ev events.Event) (BlockUpdateMessage, error) {
		u, ok := ev.(events.BlockUpdate)
		if !ok {
			return BlockUpdateMessage{}, unexpected(events.KindBlock, ev)
		}
		return BlockUpdateMessage{Address: u.Address, IsBlocked: u.IsBlocked}, nil
	},
}
