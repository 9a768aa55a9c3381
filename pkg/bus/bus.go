// Package bus carries room frames between gateway instances and to the
// archiver.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

var ErrClosed = errors.New("bus closed")

// Envelope is one frame published to a room.
type Envelope struct {
	RoomID string          `json:"roomId"`
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
	At     time.Time       `json:"at"`
}

func NewEnvelope(roomID, origin string, f protocol.Frame) (Envelope, error) {
	data, err := protocol.Encode(f)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{RoomID: roomID, Origin: origin, Frame: data, At: time.Now().UTC()}, nil
}

func (e Envelope) Decode() (protocol.Frame, error) {
	return protocol.Decode(e.Frame)
}

type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns once the subscription is live. h is called from one
	// goroutine, in publish order per room, until ctx is done or the bus is
	// closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
