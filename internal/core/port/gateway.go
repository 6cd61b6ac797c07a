package port

import (
	"context"

	"github.com/Wyydra/yamesh/internal/core/domain"
)

// Client is the relay's handle on one participant connection.
type Client interface {
	ID() domain.ParticipantID
	// Send queues env for delivery. It must not block.
	Send(env domain.Envelope) error
	Close(code int, reason string)
}

// SignalGateway carries a participant's envelopes to the relay.
type SignalGateway interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// EventSink receives link events. Publish must not block.
type EventSink interface {
	Publish(ev domain.LinkEvent)
}
