package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
	"github.com/mahaj/marketplace-chat/pkg/roomsocket"
)

type fakeDirectory struct {
	mu       sync.Mutex
	rooms    []model.RoomMetadata
	listErr  error
	created  [][]string
	snapshot []model.IdentitySnapshot
	lists    int
}

func (d *fakeDirectory) CreateOrJoinRoom(_ context.Context, ids []string, data []model.IdentitySnapshot) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, ids)
	d.snapshot = data
	return "room-new", nil
}

func (d *fakeDirectory) ListRoomsForUser(_ context.Context, _ string) ([]model.RoomMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists++
	return append([]model.RoomMetadata(nil), d.rooms...), d.listErr
}

type fakeSocket struct {
	roomID   string
	listener  roomsocket.Listener
	dialErr   error
	typingErr error

	mu     sync.Mutex
	closed bool
	sent   []string
	edits  []string
	typing []bool
}

func (s *fakeSocket) Connect(context.Context) error {
	if s.dialErr != nil {
		s.listener.OnError(s.dialErr)
		return s.dialErr
	}
	s.listener.OnOpen()
	return nil
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSocket) SendMessage(text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return protocol.NewMessageID(), nil
}

func (s *fakeSocket) EditMessage(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, id+":"+text)
	return nil
}

func (s *fakeSocket) StartTyping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, true)
	return s.typingErr
}

func (s *fakeSocket) StopTyping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, false)
	return s.typingErr
}

type harness struct {
	dir       *fakeDirectory
	sockets   []*fakeSocket
	dialErr   error
	typingErr error
	logs      bytes.Buffer
	m         *Manager
}

var me = model.ChatUser{ID: "client-1", FullName: "Client One", Avatar: "a.png"}

func newHarness(t *testing.T, user *model.ChatUser) *harness {
	t.Helper()
	h := &harness{dir: &fakeDirectory{rooms: []model.RoomMetadata{
		{ID: "A", Participants: []string{"agent-9", "client-1"}},
		{ID: "B", Participants: []string{"agent-7", "client-1"}},
	}}}
	h.m = NewManager(Options{
		User:      user,
		Directory: h.dir,
		Connect: func(roomID string, _ model.ChatUser, l roomsocket.Listener) Socket {
			s := &fakeSocket{roomID: roomID, listener: l, dialErr: h.dialErr, typingErr: h.typingErr}
			h.sockets = append(h.sockets, s)
			return s
		},
		Logger: logging.NewWithWriter(&h.logs, "session-test", "debug", "text"),
	})
	t.Cleanup(h.m.Dispose)
	return h
}

func (h *harness) last() *fakeSocket { return h.sockets[len(h.sockets)-1] }

func text(id, body string) model.ChatMessage {
	return model.ChatMessage{ID: id, Text: body, From: model.Sender{ID: "agent-9"}}
}

func TestInit_Authenticated(t *testing.T) {
	h := newHarness(t, &me)

	var loading []bool
	h.m.Subscribe(func(s State) { loading = append(loading, s.IsLoading) })

	require.NoError(t, h.m.Init(context.Background()))

	st := h.m.State()
	require.Len(t, st.Rooms, 2)
	assert.Equal(t, "A", st.Rooms[0].ID)
	assert.Empty(t, st.Rooms[0].Messages)
	assert.NotNil(t, st.Rooms[0].Messages)
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.CurrentRoom)
	assert.Equal(t, []bool{true, false}, loading)
}

func TestInit_Unauthenticated(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.Init(context.Background()))

	st := h.m.State()
	assert.Empty(t, st.Rooms)
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)
	assert.Zero(t, h.dir.lists)
}

func TestInit_FailureDegrades(t *testing.T) {
	h := newHarness(t, &me)
	h.dir.listErr = errors.New("directory down")

	err := h.m.Init(context.Background())
	require.Error(t, err)

	st := h.m.State()
	assert.Empty(t, st.Rooms)
	assert.False(t, st.IsLoading)
	assert.Equal(t, "directory down", st.Error)
}

func TestCreateOrJoinRoom(t *testing.T) {
	h := newHarness(t, &me)
	require.NoError(t, h.m.Init(context.Background()))

	id, err := h.m.CreateOrJoinRoom(context.Background(), []string{"client-1", "agent-3"})
	require.NoError(t, err)
	assert.Equal(t, "room-new", id)
	assert.Equal(t, []model.IdentitySnapshot{{ID: "client-1", Name: "Client One", Avatar: "a.png"}}, h.dir.snapshot)

	assert.Len(t, h.m.State().Rooms, 2)
	assert.Empty(t, h.sockets)

	_, err = newHarness(t, nil).m.CreateOrJoinRoom(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRefresh_AddsNewRoomsAndKeepsLiveState(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))
	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	h.last().listener.OnFrame(protocol.New{Message: text("m1", "hi")})

	h.dir.rooms = append(h.dir.rooms, model.RoomMetadata{ID: "room-new", Participants: []string{"agent-3", "client-1"}})
	require.NoError(t, h.m.Refresh(ctx))

	st := h.m.State()
	require.Len(t, st.Rooms, 3)
	assert.Len(t, st.Rooms[0].Messages, 1)
	assert.Equal(t, "room-new", st.Rooms[2].ID)
	require.NoError(t, h.m.SwitchRoom(ctx, "room-new"))
	assert.Equal(t, "room-new", h.m.State().CurrentRoom.ID)
}

func TestSwitchRoom_UnknownIsNoop(t *testing.T) {
	h := newHarness(t, &me)
	require.NoError(t, h.m.Init(context.Background()))

	require.NoError(t, h.m.SwitchRoom(context.Background(), "Z"))

	st := h.m.State()
	assert.Nil(t, st.CurrentRoom)
	assert.False(t, st.IsConnected)
	assert.Empty(t, h.sockets)
}

func TestSwitchRoom_ConnectsAndAppliesFrames(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))

	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	st := h.m.State()
	assert.True(t, st.IsConnected)
	require.NotNil(t, st.CurrentRoom)
	assert.Equal(t, "A", st.CurrentRoom.ID)

	l := h.last().listener
	l.OnFrame(protocol.Sync{Messages: []model.ChatMessage{text("m1", "one"), text("m2", "two")}})
	l.OnFrame(protocol.Edit{Message: text("m2", "two!")})
	l.OnFrame(protocol.Edit{Message: text("ghost", "x")})
	l.OnFrame(protocol.Typing{From: "agent-9", IsTyping: true})

	cur := h.m.State().CurrentRoom
	assert.Equal(t, []model.ChatMessage{text("m1", "one"), text("m2", "two!")}, cur.Messages)
	assert.Equal(t, []string{"agent-9"}, cur.TypingUsers)

	l.OnFrame(protocol.Typing{From: "agent-9", IsTyping: false})
	assert.Empty(t, h.m.State().CurrentRoom.TypingUsers)
}

func TestSwitchRoom_StaleSocketIsIgnored(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))

	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	a := h.last()
	require.NoError(t, h.m.SwitchRoom(ctx, "B"))
	b := h.last()

	assert.True(t, a.closed)
	assert.False(t, b.closed)

	a.listener.OnFrame(protocol.New{Message: text("late", "from A")})
	a.listener.OnError(errors.New("A broke"))
	a.listener.OnClose()

	st := h.m.State()
	assert.True(t, st.IsConnected)
	assert.Empty(t, st.Error)
	assert.Equal(t, "B", st.CurrentRoom.ID)
	for _, r := range st.Rooms {
		assert.Empty(t, r.Messages, "room %s", r.ID)
	}
}

func TestSwitchRoom_ConnectFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))

	h.dialErr = errors.New("refused")
	require.Error(t, h.m.SwitchRoom(ctx, "A"))
	st := h.m.State()
	assert.False(t, st.IsConnected)
	assert.Equal(t, "refused", st.Error)

	h.dialErr = nil
	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	st = h.m.State()
	assert.True(t, st.IsConnected)
	assert.Empty(t, st.Error)
}

func TestSendEditTyping(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))

	_, err := h.m.SendMessage("before connect")
	assert.ErrorIs(t, err, ErrNotConnected)
	h.m.StartTyping()

	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	sock := h.last()

	id, err := h.m.SendMessage("hello")
	require.NoError(t, err)
	assert.Regexp(t, protocol.MessageIDPattern, id)

	id, err = h.m.SendMessage("   ")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, h.m.EditMessage("m1", "fixed"))
	require.NoError(t, h.m.EditMessage("m1", "\t"))

	h.m.StartTyping()
	h.m.StopTyping()

	assert.Equal(t, []string{"hello"}, sock.sent)
	assert.Equal(t, []string{"m1:fixed"}, sock.edits)
	assert.Equal(t, []bool{true, false}, sock.typing)
}

func TestTypingFailuresAreLogged(t *testing.T) {
	h := newHarness(t, &me)
	h.typingErr = roomsocket.ErrNotOpen
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))
	require.NoError(t, h.m.SwitchRoom(ctx, "A"))

	h.m.StartTyping()
	h.m.StopTyping()

	assert.Equal(t, []bool{true, false}, h.last().typing)
	assert.Contains(t, h.logs.String(), "start typing failed")
	assert.Contains(t, h.logs.String(), "stop typing failed")
	assert.Contains(t, h.logs.String(), roomsocket.ErrNotOpen.Error())
}

func TestRemoteCloseAndDispose(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))
	require.NoError(t, h.m.SwitchRoom(ctx, "A"))

	h.last().listener.OnClose()
	assert.False(t, h.m.State().IsConnected)

	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	sock := h.last()
	h.m.Dispose()

	assert.True(t, sock.closed)
	assert.False(t, h.m.State().IsConnected)
	sock.listener.OnOpen()
	assert.False(t, h.m.State().IsConnected)
}

func TestStateIsACopy(t *testing.T) {
	h := newHarness(t, &me)
	ctx := context.Background()
	require.NoError(t, h.m.Init(ctx))
	require.NoError(t, h.m.SwitchRoom(ctx, "A"))
	h.last().listener.OnFrame(protocol.New{Message: text("m1", "one")})

	st := h.m.State()
	st.CurrentRoom.Messages[0].Text = "mutated"
	st.Rooms[0].Participants[0] = "mutated"

	again := h.m.State()
	assert.Equal(t, "one", again.CurrentRoom.Messages[0].Text)
	assert.Equal(t, "agent-9", again.Rooms[0].Participants[0])
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t, &me)
	calls := 0
	unsubscribe := h.m.Subscribe(func(State) { calls++ })

	require.NoError(t, h.m.Init(context.Background()))
	seen := calls
	assert.Positive(t, seen)

	unsubscribe()
	require.NoError(t, h.m.Refresh(context.Background()))
	assert.Equal(t, seen, calls)
}

func TestMarkAsRead_DoesNotChangeState(t *testing.T) {
	h := newHarness(t, &me)
	require.NoError(t, h.m.Init(context.Background()))
	before := h.m.State()

	h.m.MarkAsRead("A")

	assert.Equal(t, before, h.m.State())
}
