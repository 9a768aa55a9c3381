package directory

import (
	"context"

	"github.com/mahaj/marketplace-chat/pkg/model"
)

// Store persists room metadata keyed by participant set.
type Store interface {
	// CreateOrGet inserts room unless a room with the same participant set
	// exists, in which case the existing room is returned with created=false.
	// Participants are normalized first, so order and duplicates do not matter.
	CreateOrGet(ctx context.Context, room model.RoomMetadata) (stored model.RoomMetadata, created bool, err error)
	ListByUser(ctx context.Context, userID string) ([]model.RoomMetadata, error)
	// IsParticipant reports whether userID is in the participant set of roomID.
	// An unknown room has no participants.
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	Close() error
}
