// Package roomsocket is the client side of a room's WebSocket: one
// connection, bound to one room, speaking the frames in package protocol.
package roomsocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

const (
	// Time allowed to write a frame to the backend.
	writeWait = 10 * time.Second

	DefaultTypingTimeout = 3 * time.Second
)

var (
	ErrNotOpen          = errors.New("socket is not open")
	ErrAlreadyConnected = errors.New("socket already connected")

	newline = []byte{'\n'}
)

type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Listener receives socket events. Calls come from the socket's own
// goroutines, one at a time and in transport order.
type Listener interface {
	OnOpen()
	OnFrame(protocol.Frame)
	OnClose()
	OnError(error)
}

type Config struct {
	// URL of the room backend WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	RoomID string
	User   model.ChatUser
	Token  string

	TypingTimeout time.Duration
	Dialer        *websocket.Dialer
	Logger        *slog.Logger
}

type Socket struct {
	cfg      Config
	listener Listener
	log      *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	typingTimer *time.Timer
	typingGen   uint64

	writeMu sync.Mutex
}

func New(cfg Config, listener Listener) *Socket {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Socket{
		cfg:      cfg,
		listener: listener,
		log:      cfg.Logger.With("component", "roomsocket", logging.Room(cfg.RoomID)),
	}
}

func (s *Socket) RoomID() string { return s.cfg.RoomID }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) dialURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	user, err := json.Marshal(s.cfg.User)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", s.cfg.RoomID)
	q.Set("user", string(user))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the backend. It moves the socket to Open and calls OnOpen,
// or to Error and calls OnError. A socket connects at most once.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = Connecting
	s.mu.Unlock()

	target, err := s.dialURL()
	if err != nil {
		return s.fail(fmt.Errorf("build socket url: %w", err))
	}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		return s.fail(fmt.Errorf("dial room %s: %w", s.cfg.RoomID, err))
	}

	s.mu.Lock()
	if s.state != Connecting {
		// Closed while dialing.
		s.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	s.state = Open
	s.conn = conn
	s.mu.Unlock()

	s.log.Debug("socket open")
	s.listener.OnOpen()
	go s.readLoop(conn)
	return nil
}

func (s *Socket) fail(err error) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return err
	}
	s.state = Error
	s.stopTypingTimerLocked()
	s.mu.Unlock()

	s.log.Warn("socket error", logging.Err(err))
	s.listener.OnError(err)
	return err
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		for _, raw := range bytes.Split(data, newline) {
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 {
				continue
			}
			f, err := protocol.Decode(raw)
			if err != nil {
				s.log.Warn("dropping malformed frame", logging.Err(err))
				continue
			}
			if s.State() != Open {
				return
			}
			s.listener.OnFrame(f)
		}
	}
}

func (s *Socket) handleReadError(err error) {
	s.mu.Lock()
	if s.state != Open {
		// Closed locally; nothing to report.
		s.mu.Unlock()
		return
	}
	remoteClose := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if remoteClose {
		s.state = Closed
	} else {
		s.state = Error
	}
	s.stopTypingTimerLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if remoteClose {
		s.log.Info("socket closed by backend")
		s.listener.OnClose()
		return
	}
	s.log.Warn("socket read failed", logging.Err(err))
	s.listener.OnError(err)
}

// Close moves the socket to Closed, stops the read loop and drops a pending
// typing timer without sending a stop frame. Listener callbacks are not
// invoked.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.stopTypingTimerLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	conn.Close()
	s.log.Debug("socket closed")
}

// SendMessage sends a new message with a freshly generated id and returns
// the id. Delivery is best effort.
func (s *Socket) SendMessage(text string) (string, error) {
	id := protocol.NewMessageID()
	return id, s.send(protocol.SendMessage{Text: text, ID: id})
}

func (s *Socket) EditMessage(id, text string) error {
	return s.send(protocol.EditMessage{ID: id, Text: text})
}

// StartTyping announces typing and (re)arms the auto-stop timer.
func (s *Socket) StartTyping() error {
	s.mu.Lock()
	if s.state != Open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.stopTypingTimerLocked()
	gen := s.typingGen
	s.typingTimer = time.AfterFunc(s.cfg.TypingTimeout, func() { s.expireTyping(gen) })
	s.mu.Unlock()

	return s.send(protocol.Typing{From: s.cfg.User.ID, IsTyping: true})
}

// StopTyping cancels the auto-stop timer and announces the stop.
func (s *Socket) StopTyping() error {
	s.mu.Lock()
	if s.state != Open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.stopTypingTimerLocked()
	s.mu.Unlock()

	return s.send(protocol.Typing{From: s.cfg.User.ID, IsTyping: false})
}

func (s *Socket) expireTyping(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen || s.state != Open {
		s.mu.Unlock()
		return
	}
	s.stopTypingTimerLocked()
	s.mu.Unlock()

	s.send(protocol.Typing{From: s.cfg.User.ID, IsTyping: false})
}

// stopTypingTimerLocked invalidates any armed timer. Bumping the generation
// makes a timer that already fired a no-op.
func (s *Socket) stopTypingTimerLocked() {
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *Socket) send(f protocol.ClientFrame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	open := s.state == Open
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn("send failed", logging.Frame(string(f.FrameType())), logging.Err(err))
		return err
	}
	return nil
}
