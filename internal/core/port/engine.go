package port

import (
	"context"

	"github.com/Wyydra/yamesh/internal/core/domain"
)

// Engine is the real-time media engine behind one PeerLink. Calls may
// block; the link runs them on its own worker and never concurrently.
type Engine interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	// Rollback discards a local offer that has not been answered.
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, c domain.ICECandidate) error
	AddTrack(ctx context.Context, track domain.Track) error
	// Channel is the ordered reliable data channel of the link.
	Channel() DataChannel
	Close() error
}

type DataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	// OnBufferedAmountLow replaces the callback fired when the buffered
	// amount drops to the threshold.
	OnBufferedAmountLow(f func())
}

// EngineEvents receives engine callbacks. Implementations must not block.
type EngineEvents interface {
	OnICECandidate(c domain.ICECandidate)
	OnConnectionStateChange(state domain.ConnectionState)
	OnChannelMessage(data []byte)
	OnRemoteTrack(track domain.Track)
}

type EngineFactory interface {
	NewEngine(ctx context.Context, key domain.LinkKey, events EngineEvents) (Engine, error)
}
