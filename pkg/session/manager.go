// Package session keeps a user's messaging session: the rooms they belong
// to, the room currently open, and the live connection to it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
	"github.com/mahaj/marketplace-chat/pkg/roomsocket"
)

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrNotConnected    = errors.New("no room connection")
)

// Directory is the room directory as seen by the manager.
type Directory interface {
	CreateOrJoinRoom(ctx context.Context, participantIDs []string, participantData []model.IdentitySnapshot) (string, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]model.RoomMetadata, error)
}

// Socket is one room connection.
type Socket interface {
	Connect(ctx context.Context) error
	Close()
	SendMessage(text string) (string, error)
	EditMessage(id, text string) error
	StartTyping() error
	StopTyping() error
}

// Connector builds an unconnected socket for roomID that reports to l.
type Connector func(roomID string, user model.ChatUser, l roomsocket.Listener) Socket

// SocketConnector returns a Connector dialing the room backend at url.
func SocketConnector(url, token string, logger *slog.Logger) Connector {
	return func(roomID string, user model.ChatUser, l roomsocket.Listener) Socket {
		return roomsocket.New(roomsocket.Config{
			URL:    url,
			RoomID: roomID,
			User:   user,
			Token:  token,
			Logger: logger,
		}, l)
	}
}

type Options struct {
	// User is the authenticated caller; nil means signed out.
	User      *model.ChatUser
	Directory Directory
	Connect   Connector
	Logger    *slog.Logger
}

// State is an immutable view of the session. Rooms and CurrentRoom are deep
// copies.
type State struct {
	Rooms       []model.ChatRoom
	CurrentRoom *model.ChatRoom
	IsConnected bool
	IsLoading   bool
	Error       string
}

type Manager struct {
	user    *model.ChatUser
	dir     Directory
	connect Connector
	log     *slog.Logger

	mu        sync.Mutex
	rooms     []*model.ChatRoom
	currentID string
	socket    Socket
	bound     *binding
	connected bool
	loading   bool
	err       string
	subs      map[int]func(State)
	nextSub   int

	notifyMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var user *model.ChatUser
	if opts.User != nil {
		u := opts.User.Clone()
		user = &u
		logger = logger.With(logging.User(u.ID))
	}
	return &Manager{
		user:    user,
		dir:     opts.Directory,
		connect: opts.Connect,
		log:     logger.With("component", "session"),
		rooms:   []*model.ChatRoom{},
		subs:    make(map[int]func(State)),
	}
}

// Init loads the caller's rooms once. A signed-out session completes
// immediately with no rooms. A failed load leaves the room list empty and
// sets State.Error; the error is also returned.
func (m *Manager) Init(ctx context.Context) error {
	if m.user == nil {
		return nil
	}

	m.mu.Lock()
	m.loading = true
	m.mu.Unlock()
	m.notify()

	metas, err := m.dir.ListRoomsForUser(ctx, m.user.ID)

	m.mu.Lock()
	m.loading = false
	if err != nil {
		m.rooms = []*model.ChatRoom{}
		m.err = err.Error()
	} else {
		m.mergeLocked(metas)
	}
	m.mu.Unlock()
	m.notify()

	if err != nil {
		m.log.Error("failed to load rooms", logging.Err(err))
	}
	return err
}

// Refresh re-fetches the room list. Rooms already known keep their live
// state.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.user == nil {
		return ErrUnauthenticated
	}
	metas, err := m.dir.ListRoomsForUser(ctx, m.user.ID)
	if err != nil {
		m.log.Warn("failed to refresh rooms", logging.Err(err))
		return err
	}

	m.mu.Lock()
	m.mergeLocked(metas)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Manager) mergeLocked(metas []model.RoomMetadata) {
	known := make(map[string]*model.ChatRoom, len(m.rooms))
	for _, r := range m.rooms {
		known[r.ID] = r
	}

	rooms := make([]*model.ChatRoom, 0, len(metas))
	listed := make(map[string]bool, len(metas))
	for _, meta := range metas {
		if listed[meta.ID] {
			continue
		}
		listed[meta.ID] = true
		if r, ok := known[meta.ID]; ok {
			rooms = append(rooms, r)
			continue
		}
		rooms = append(rooms, model.NewChatRoom(meta))
	}
	if cur, ok := known[m.currentID]; ok && !listed[m.currentID] {
		rooms = append(rooms, cur)
	}
	m.rooms = rooms
}

// CreateOrJoinRoom resolves the room for participantIDs through the
// directory. It neither connects nor adds the room locally; call Refresh and
// SwitchRoom for that.
func (m *Manager) CreateOrJoinRoom(ctx context.Context, participantIDs []string) (string, error) {
	if m.user == nil {
		return "", ErrUnauthenticated
	}
	roomID, err := m.dir.CreateOrJoinRoom(ctx, participantIDs, []model.IdentitySnapshot{m.user.Snapshot()})
	if err != nil {
		return "", err
	}
	m.log.Info("room resolved", logging.Room(roomID))
	return roomID, nil
}

// SwitchRoom makes roomID current and connects to it, closing the previous
// connection. Unknown room ids are ignored.
func (m *Manager) SwitchRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.user == nil || m.roomLocked(roomID) == nil {
		m.mu.Unlock()
		m.log.Debug("ignoring switch to unknown room", logging.Room(roomID))
		return nil
	}

	old := m.socket
	b := &binding{m: m, roomID: roomID}
	sock := m.connect(roomID, m.user.Clone(), b)
	m.currentID = roomID
	m.socket = sock
	m.bound = b
	m.connected = false
	m.err = ""
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.notify()

	if err := sock.Connect(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Manager) roomLocked(id string) *model.ChatRoom {
	for _, r := range m.rooms {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// current returns the socket if it is bound and open.
func (m *Manager) current() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.socket == nil || !m.connected {
		return nil
	}
	return m.socket
}

// SendMessage sends text to the current room. Blank text is ignored.
func (m *Manager) SendMessage(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	sock := m.current()
	if sock == nil {
		return "", ErrNotConnected
	}
	id, err := sock.SendMessage(text)
	if err != nil {
		m.log.Warn("send failed", logging.Err(err))
	}
	return id, err
}

func (m *Manager) EditMessage(id, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sock := m.current()
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.EditMessage(id, text); err != nil {
		m.log.Warn("edit failed", logging.Message(id), logging.Err(err))
		return err
	}
	return nil
}

func (m *Manager) StartTyping() {
	if m.user == nil {
		return
	}
	if sock := m.current(); sock != nil {
		if err := sock.StartTyping(); err != nil {
			m.log.Debug("start typing failed", logging.Err(err))
		}
	}
}

func (m *Manager) StopTyping() {
	if m.user == nil {
		return
	}
	if sock := m.current(); sock != nil {
		if err := sock.StopTyping(); err != nil {
			m.log.Debug("stop typing failed", logging.Err(err))
		}
	}
}

// MarkAsRead only records the intent; read receipts have no backend yet.
func (m *Manager) MarkAsRead(roomID string) {
	m.log.Info("mark as read", logging.Room(roomID))
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Rooms:       make([]model.ChatRoom, len(m.rooms)),
		IsConnected: m.connected,
		IsLoading:   m.loading,
		Error:       m.err,
	}
	for i, r := range m.rooms {
		st.Rooms[i] = r.Clone()
		if r.ID == m.currentID {
			cur := r.Clone()
			st.CurrentRoom = &cur
		}
	}
	return st
}

// Subscribe registers fn to receive a snapshot after every state change and
// returns a function that removes it. fn must not call back into the
// manager except for State.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	st := m.State()
	m.mu.Lock()
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// Dispose closes the room connection. The manager stays readable.
func (m *Manager) Dispose() {
	m.mu.Lock()
	sock := m.socket
	m.socket = nil
	m.bound = nil
	m.connected = false
	m.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	m.notify()
}

// binding routes socket events to the manager while its socket is the
// current one. Events from a replaced socket are dropped.
type binding struct {
	m      *Manager
	roomID string
}

func (b *binding) update(fn func(m *Manager)) {
	m := b.m
	m.mu.Lock()
	if m.bound != b {
		m.mu.Unlock()
		return
	}
	fn(m)
	m.mu.Unlock()
	m.notify()
}

func (b *binding) OnOpen() {
	b.update(func(m *Manager) {
		m.connected = true
		m.err = ""
	})
}

func (b *binding) OnFrame(f protocol.Frame) {
	b.update(func(m *Manager) {
		if room := m.roomLocked(b.roomID); room != nil {
			protocol.Apply(room, f)
		}
	})
}

func (b *binding) OnClose() {
	b.update(func(m *Manager) {
		m.connected = false
	})
}

func (b *binding) OnError(err error) {
	b.update(func(m *Manager) {
		m.connected = false
		m.err = err.Error()
	})
}
