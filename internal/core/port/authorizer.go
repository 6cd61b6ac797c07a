package port

import (
	"context"

	"github.com/Wyydra/yamesh/internal/core/domain"
)

type RoomAuthorizer interface {
	// Authorize returns an error wrapping domain.ErrUnauthorized when the
	// participant may not join room.
	Authorize(ctx context.Context, room domain.RoomID, id domain.ParticipantID, req domain.JoinRequest) error
}
