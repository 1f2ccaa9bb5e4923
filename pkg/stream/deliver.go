// Package stream delivers registry events to long-lived client streams and
// exposes them as the gRPC UpdatesService.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-socialgraph/pkg/events"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
)

// Sink is the transport side of one stream.
type Sink[W any] interface {
	Send(msg W) error
	Context() context.Context
}

// Subscribers resolves the local subscriber of an address.
type Subscribers interface {
	GetOrCreate(ctx context.Context, address string) (*registry.Subscriber, error)
}

// Spec parameterises Deliver for one event kind.
type Spec[W any] struct {
	Kind events.Kind
	// AddressOf extracts the address an event is about.
	AddressOf func(ev events.Event) string
	// ShouldDeliver filters events by their address and the viewer.
	ShouldDeliver func(address, viewer string) bool
	// ToWire converts an event into its transport message.
	ToWire func(ev events.Event) (W, error)
}

// Deliver streams events of spec.Kind routed to viewer into sink until ctx
// is done, the subscriber is removed or a send fails. The listener is
// detached exactly once on return.
func Deliver[W any](ctx context.Context, subscribers Subscribers, viewer string, spec Spec[W], sink Sink[W]) error {
	sub, err := subscribers.GetOrCreate(ctx, viewer)
	if err != nil {
		return fmt.Errorf("failed to resolve subscriber for %s: %w", viewer, err)
	}
	listener := sub.Listen(spec.Kind)
	defer listener.Close()

	viewer = sub.Address()
	for {
		ev, err := listener.Next(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrListenerClosed) {
				return nil
			}
			return err
		}
		if !spec.ShouldDeliver(spec.AddressOf(ev), viewer) {
			continue
		}
		msg, err := spec.ToWire(ev)
		if err != nil {
			return fmt.Errorf("failed to convert %s event: %w", spec.Kind, err)
		}
		if err := sink.Send(msg); err != nil {
			return err
		}
	}
}
