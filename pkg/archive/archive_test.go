package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketplace-chat/pkg/bus"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

type memStore struct {
	mu        sync.Mutex
	rooms     map[string][]model.ChatMessage
	failWith  error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string][]model.ChatMessage)}
}

func (s *memStore) Append(_ context.Context, roomID string, m model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.rooms[roomID] = append(s.rooms[roomID], m)
	return nil
}

func (s *memStore) Update(_ context.Context, roomID string, m model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	for i := range s.rooms[roomID] {
		if s.rooms[roomID][i].ID == m.ID {
			s.rooms[roomID][i] = m
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) Clear(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *memStore) readRoom(roomID string) []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.rooms[roomID]...)
}

func envelope(t *testing.T, roomID string, f protocol.Frame) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(roomID, "gw-1", f)
	require.NoError(t, err)
	return env
}

func TestArchiver_PersistsMessageFrames(t *testing.T) {
	store := newMemStore()
	a := New(store, logging.Discard())
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	msg := model.ChatMessage{ID: "msg-1-a", Text: "quote attached", From: model.Sender{ID: "u1"}, At: at}
	require.NoError(t, a.Apply(ctx, envelope(t, "r1", protocol.New{Message: msg})))

	edited := msg
	edited.Text = "revised quote attached"
	edited.Edited = true
	require.NoError(t, a.Apply(ctx, envelope(t, "r1", protocol.Edit{Message: edited})))

	assert.Equal(t, []model.ChatMessage{edited}, store.rooms["r1"])

	require.NoError(t, a.Apply(ctx, envelope(t, "r1", protocol.Clear{})))
	assert.Empty(t, store.rooms["r1"])
}

func TestArchiver_IgnoresEphemeralFrames(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("store must not be called")
	a := New(store, logging.Discard())

	for _, f := range []protocol.Frame{
		protocol.Typing{From: "u1", IsTyping: true},
		protocol.UserStatus{UserID: "u1", IsOnline: true},
		protocol.RoomUsers{Users: []model.ChatUser{{ID: "u1"}}},
		protocol.Sync{},
	} {
		assert.NoError(t, a.Apply(context.Background(), envelope(t, "r1", f)))
	}
	assert.Empty(t, store.rooms)
}

func TestArchiver_EditOfMissingMessageIsSkipped(t *testing.T) {
	a := New(newMemStore(), logging.Discard())

	err := a.Apply(context.Background(), envelope(t, "r1", protocol.Edit{Message: model.ChatMessage{ID: "gone"}}))
	assert.NoError(t, err)
}

func TestArchiver_SurfacesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("cluster unavailable")
	store.updateErr = errors.New("timeout")
	a := New(store, logging.Discard())

	err := a.Apply(context.Background(), envelope(t, "r1", protocol.New{Message: model.ChatMessage{ID: "m"}}))
	assert.EqualError(t, err, "cluster unavailable")

	err = a.Apply(context.Background(), envelope(t, "r1", protocol.Edit{Message: model.ChatMessage{ID: "m"}}))
	assert.EqualError(t, err, "timeout")

	err = a.Apply(context.Background(), bus.Envelope{RoomID: "r1", Frame: []byte(`{"type":"bogus"}`)})
	assert.ErrorIs(t, err, protocol.ErrUnknownFrame)
}

func TestArchiver_HandlerSwallowsErrors(t *testing.T) {
	store := newMemStore()
	b := bus.NewLocalBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New(store, logging.Discard())
	require.NoError(t, b.Subscribe(ctx, a.Handler(ctx)))

	require.NoError(t, b.Publish(ctx, envelope(t, "r1", protocol.New{Message: model.ChatMessage{ID: "m1", Text: "hi"}})))

	assert.Eventually(t, func() bool { return len(store.readRoom("r1")) == 1 }, time.Second, 5*time.Millisecond)
}
