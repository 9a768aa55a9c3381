// Package roomserver is the room backend: it accepts room WebSockets, keeps
// per-room state, and relays frames through the bus so every gateway
// instance sees them.
package roomserver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/bus"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/presence"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrNotMember   = errors.New("not a member of this room")
)

// History loads a room's persisted messages, oldest first.
type History interface {
	Load(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error)
}

// Membership answers whether a user is one of a room's participants.
type Membership interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

type denyAll struct{}

func (denyAll) IsParticipant(context.Context, string, string) (bool, error) { return false, nil }

type Options struct {
	// Origin identifies this gateway instance on the bus.
	Origin       string
	Bus          bus.Bus
	Presence     presence.Store
	History      History
	HistoryLimit int
	// Membership gates every room route. Without it nobody is admitted.
	Membership Membership
	Logger     *slog.Logger
}

type room struct {
	state   *model.ChatRoom
	clients map[*Client]bool
	// Clients waiting for the history load before they get their sync.
	pending  []*Client
	loading  bool
	hydrated bool
	// Set when a clear lands before the history load finishes.
	cleared bool
}

func (r *room) apply(f protocol.Frame) {
	if _, ok := f.(protocol.Clear); ok && !r.hydrated {
		r.cleared = true
	}
	protocol.Apply(r.state, f)
}

type hydration struct {
	roomID string
	msgs   []model.ChatMessage
	err    error
}

type inbound struct {
	client *Client
	data   []byte
}

type clearRequest struct {
	roomID string
	userID string
	reply  chan error
}

// Hub owns all room state. Only the Run goroutine touches rooms.
type Hub struct {
	origin       string
	bus          bus.Bus
	presence     presence.Store
	history      History
	historyLimit int
	membership   Membership
	log          *slog.Logger
	now          func() time.Time

	rooms map[string]*room

	register   chan *Client
	unregister chan *Client
	ingress    chan inbound
	deliver    chan bus.Envelope
	clears     chan clearRequest
	hydrated   chan hydration
	done       chan struct{}
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewMemory()
	}
	if opts.Membership == nil {
		logger.Warn("no membership source configured, all rooms are closed")
		opts.Membership = denyAll{}
	}
	return &Hub{
		origin:       opts.Origin,
		bus:          opts.Bus,
		presence:     opts.Presence,
		history:      opts.History,
		historyLimit: opts.HistoryLimit,
		membership:   opts.Membership,
		log:          logger.With("component", "hub", slog.String("origin", opts.Origin)),
		now:          time.Now,
		rooms:        make(map[string]*room),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		ingress:      make(chan inbound, 256),
		deliver:      make(chan bus.Envelope, 256),
		clears:       make(chan clearRequest),
		hydrated:     make(chan hydration),
		done:         make(chan struct{}),
	}
}

// Run subscribes to the bus and serves hub events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	err := h.bus.Subscribe(ctx, func(env bus.Envelope) {
		select {
		case h.deliver <- env:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}

	for {
		select {
		case client := <-h.register:
			h.handleRegister(ctx, client)

		case client := <-h.unregister:
			h.handleUnregister(ctx, client)

		case in := <-h.ingress:
			h.handleIngress(ctx, in)

		case env := <-h.deliver:
			h.handleDeliver(env)

		case req := <-h.clears:
			req.reply <- h.handleClear(ctx, req)

		case res := <-h.hydrated:
			h.handleHydrated(ctx, res)

		case <-ctx.Done():
			for _, r := range h.rooms {
				for client := range r.clients {
					delete(r.clients, client)
					close(client.send)
				}
				for _, client := range r.pending {
					close(client.send)
				}
				r.pending = nil
			}
			return nil
		}
	}
}

// Clear empties a room's messages for everyone. Callers check that userID is
// a participant; ErrUnknownRoom means no client has opened the room here.
func (h *Hub) Clear(ctx context.Context, roomID, userID string) error {
	req := clearRequest{roomID: roomID, userID: userID, reply: make(chan error, 1)}
	select {
	case h.clears <- req:
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) room(id string) *room {
	r, ok := h.rooms[id]
	if !ok {
		r = &room{
			state:    model.NewChatRoom(model.RoomMetadata{ID: id}),
			clients:  make(map[*Client]bool),
			hydrated: h.history == nil,
		}
		h.rooms[id] = r
	}
	return r
}

// loadHistory runs off the hub goroutine and reports back on h.hydrated.
func (h *Hub) loadHistory(ctx context.Context, roomID string) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	msgs, err := h.history.Load(loadCtx, roomID, h.historyLimit)
	cancel()

	select {
	case h.hydrated <- hydration{roomID: roomID, msgs: msgs, err: err}:
	case <-ctx.Done():
	}
}

func (h *Hub) handleHydrated(ctx context.Context, res hydration) {
	r, ok := h.rooms[res.roomID]
	if !ok {
		return
	}
	r.loading = false
	r.hydrated = true

	switch {
	case res.err != nil:
		h.log.Error("failed to load history", logging.Room(res.roomID), logging.Err(res.err))
	case r.cleared:
		r.cleared = false
	default:
		msgs := res.msgs
		// Frames applied while loading are newer than the stored history.
		for _, m := range r.state.Messages {
			if idx := indexOf(msgs, m.ID); idx >= 0 {
				msgs[idx] = m
			} else {
				msgs = append(msgs, m)
			}
		}
		r.state.Messages = msgs
	}

	pending := r.pending
	r.pending = nil
	for _, c := range pending {
		h.admit(ctx, r, c)
	}
}

func indexOf(msgs []model.ChatMessage, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (h *Hub) handleRegister(ctx context.Context, c *Client) {
	r := h.room(c.roomID)
	if !r.hydrated {
		r.pending = append(r.pending, c)
		if !r.loading {
			r.loading = true
			go h.loadHistory(ctx, c.roomID)
		}
		return
	}
	h.admit(ctx, r, c)
}

// admit adds c to the room, sends it the current messages and announces it.
func (h *Hub) admit(ctx context.Context, r *room, c *Client) {
	r.clients[c] = true

	snapshot, err := protocol.Encode(protocol.Sync{Messages: r.state.Messages})
	if err != nil {
		h.log.Error("failed to encode sync", logging.Room(c.roomID), logging.Err(err))
	} else {
		h.send(r, c, snapshot)
	}

	if err := h.presence.Online(ctx, c.roomID, c.user.ID); err != nil {
		h.log.Warn("failed to set presence", logging.Room(c.roomID), logging.User(c.user.ID), logging.Err(err))
	}
	h.log.Info("client registered", logging.Room(c.roomID), logging.User(c.user.ID))

	joined := c.user.Clone()
	joined.IsOnline = true
	joined.LastSeen = nil
	h.publish(ctx, c.roomID, protocol.RoomUsers{Users: upsertUser(r.state.Users, joined)})
	h.publish(ctx, c.roomID, protocol.UserStatus{UserID: joined.ID, IsOnline: true})
}

func (h *Hub) handleUnregister(ctx context.Context, c *Client) {
	r, ok := h.rooms[c.roomID]
	if !ok {
		return
	}
	for i, p := range r.pending {
		if p == c {
			// Left before its history arrived; it was never announced.
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			close(c.send)
			return
		}
	}
	if !r.clients[c] && !c.dropped {
		return
	}
	if r.clients[c] {
		delete(r.clients, c)
		close(c.send)
	}
	c.dropped = false
	h.log.Info("client unregistered", logging.Room(c.roomID), logging.User(c.user.ID))

	for other := range r.clients {
		if other.user.ID == c.user.ID {
			// Still connected from another tab.
			return
		}
	}

	now := h.now().UTC()
	if err := h.presence.Offline(ctx, c.roomID, c.user.ID, now); err != nil {
		h.log.Warn("failed to delete presence", logging.Room(c.roomID), logging.User(c.user.ID), logging.Err(err))
	}

	left := c.user.Clone()
	if i := userIndex(r.state.Users, left.ID); i >= 0 {
		left = r.state.Users[i].Clone()
	}
	left.IsOnline = false
	left.LastSeen = &now
	h.publish(ctx, c.roomID, protocol.RoomUsers{Users: upsertUser(r.state.Users, left)})
	h.publish(ctx, c.roomID, protocol.UserStatus{UserID: left.ID, IsOnline: false, LastSeen: &now})
}

func (h *Hub) handleIngress(ctx context.Context, in inbound) {
	c := in.client
	log := h.log.With(logging.Room(c.roomID), logging.User(c.user.ID))

	f, err := protocol.DecodeClient(in.data)
	if err != nil {
		log.Warn("dropping malformed frame", logging.Err(err))
		return
	}
	r := h.room(c.roomID)

	switch f := f.(type) {
	case protocol.SendMessage:
		if strings.TrimSpace(f.Text) == "" {
			return
		}
		id := f.ID
		if id == "" {
			id = protocol.NewMessageID()
		}
		if r.state.MessageIndex(id) >= 0 {
			log.Warn("dropping duplicate message id", logging.Message(id))
			return
		}
		h.publish(ctx, c.roomID, protocol.New{Message: model.ChatMessage{
			ID:   id,
			Text: f.Text,
			From: c.user.Sender(),
			At:   h.now().UTC(),
			Type: model.TypeText,
		}})

	case protocol.EditMessage:
		i := r.state.MessageIndex(f.ID)
		if i < 0 || strings.TrimSpace(f.Text) == "" {
			log.Debug("dropping edit", logging.Message(f.ID))
			return
		}
		msg := r.state.Messages[i].Clone()
		if msg.From.ID != c.user.ID {
			log.Warn("dropping edit of another user's message", logging.Message(f.ID))
			return
		}
		msg.Text = f.Text
		msg.Edited = true
		h.publish(ctx, c.roomID, protocol.Edit{Message: msg})

	case protocol.Typing:
		h.publish(ctx, c.roomID, protocol.Typing{From: c.user.ID, IsTyping: f.IsTyping})
	}
}

func (h *Hub) handleDeliver(env bus.Envelope) {
	r, ok := h.rooms[env.RoomID]
	if !ok {
		// Nobody here has opened the room; it hydrates from history on first join.
		return
	}
	f, err := env.Decode()
	if err != nil {
		h.log.Warn("dropping undecodable envelope", logging.Room(env.RoomID), logging.Err(err))
		return
	}
	r.apply(f)

	for client := range r.clients {
		h.send(r, client, env.Frame)
	}
}

func (h *Hub) handleClear(ctx context.Context, req clearRequest) error {
	if _, ok := h.rooms[req.roomID]; !ok {
		return ErrUnknownRoom
	}
	h.log.Info("clearing room", logging.Room(req.roomID), logging.User(req.userID))
	return h.publish(ctx, req.roomID, protocol.Clear{})
}

// send queues data for c, dropping the client if its buffer is full.
func (h *Hub) send(r *room, c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("dropping slow client", logging.Room(c.roomID), logging.User(c.user.ID))
		close(c.send)
		delete(r.clients, c)
		c.dropped = true
	}
}

func (h *Hub) publish(ctx context.Context, roomID string, f protocol.Frame) error {
	env, err := bus.NewEnvelope(roomID, h.origin, f)
	if err != nil {
		h.log.Error("failed to encode frame", logging.Frame(string(f.FrameType())), logging.Err(err))
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Error("failed to publish frame", logging.Room(roomID), logging.Frame(string(f.FrameType())), logging.Err(err))
		return err
	}
	// Apply now so the next decision sees it. The reducers are idempotent, so
	// the bus echo applying it again is harmless.
	if r, ok := h.rooms[roomID]; ok {
		r.apply(f)
	}
	return nil
}

func userIndex(users []model.ChatUser, id string) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertUser returns a copy of users with u replacing the entry with the same
// id, or appended.
func upsertUser(users []model.ChatUser, u model.ChatUser) []model.ChatUser {
	out := make([]model.ChatUser, 0, len(users)+1)
	replaced := false
	for _, existing := range users {
		if existing.ID == u.ID {
			out = append(out, u)
			replaced = true
			continue
		}
		out = append(out, existing.Clone())
	}
	if !replaced {
		out = append(out, u)
	}
	return out
}
