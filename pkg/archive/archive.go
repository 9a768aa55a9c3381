// Package archive persists room frames published on the bus so rooms can be
// hydrated from history when a gateway first opens them.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/bus"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

// Store is the write side of message history.
type Store interface {
	Append(ctx context.Context, roomID string, m model.ChatMessage) error
	Update(ctx context.Context, roomID string, m model.ChatMessage) error
	Clear(ctx context.Context, roomID string) error
}

type Archiver struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
}

func New(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, log: logger.With("component", "archiver"), timeout: 5 * time.Second}
}

// Apply persists one envelope. Only new, edit and clear frames touch the
// store; presence and typing frames are ephemeral.
func (a *Archiver) Apply(ctx context.Context, env bus.Envelope) error {
	f, err := env.Decode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	switch f := f.(type) {
	case protocol.New:
		return a.store.Append(ctx, env.RoomID, f.Message)
	case protocol.Edit:
		err := a.store.Update(ctx, env.RoomID, f.Message)
		if errors.Is(err, db.ErrNotFound) {
			a.log.Warn("edit of unarchived message", logging.Room(env.RoomID), logging.Message(f.Message.ID))
			return nil
		}
		return err
	case protocol.Clear:
		return a.store.Clear(ctx, env.RoomID)
	}
	return nil
}

// Handler adapts Apply to a bus subscription, logging failures.
func (a *Archiver) Handler(ctx context.Context) bus.Handler {
	return func(env bus.Envelope) {
		if err := a.Apply(ctx, env); err != nil {
			a.log.Error("failed to archive frame", logging.Room(env.RoomID), logging.Err(err))
		}
	}
}
