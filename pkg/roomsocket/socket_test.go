package roomsocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/protocol"
)

type recordingListener struct {
	opened chan struct{}
	closed chan struct{}
	errs   chan error
	frames chan protocol.Frame
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		opened: make(chan struct{}, 1),
		closed: make(chan struct{}, 1),
		errs:   make(chan error, 4),
		frames: make(chan protocol.Frame, 32),
	}
}

func (l *recordingListener) OnOpen()                  { l.opened <- struct{}{} }
func (l *recordingListener) OnClose()                 { l.closed <- struct{}{} }
func (l *recordingListener) OnError(err error)        { l.errs <- err }
func (l *recordingListener) OnFrame(f protocol.Frame) { l.frames <- f }

// backend is a minimal room backend: it records what the client sends and
// lets the test push raw frames.
type backend struct {
	*httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	request  *http.Request
	received chan map[string]any
	ready    chan struct{}
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{received: make(chan map[string]any, 32), ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn, b.request = conn, r
		b.mu.Unlock()
		close(b.ready)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				b.received <- frame
			}
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/ws"
}

func (b *backend) push(t *testing.T, raw string) {
	t.Helper()
	<-b.ready
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NoError(t, b.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (b *backend) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-b.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("backend received nothing")
		return nil
	}
}

func (b *backend) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-b.received:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(wait):
	}
}

var testUser = model.ChatUser{ID: "client-1", Username: "client", FullName: "Client One"}

func openSocket(t *testing.T, b *backend, typingTimeout time.Duration) (*Socket, *recordingListener) {
	t.Helper()
	l := newRecordingListener()
	s := New(Config{
		URL:           b.wsURL(),
		RoomID:        "room-1",
		User:          testUser,
		Token:         "tok",
		TypingTimeout: typingTimeout,
		Logger:        logging.Discard(),
	}, l)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)
	<-l.opened
	<-b.ready
	return s, l
}

func nextFrame(t *testing.T, l *recordingListener) protocol.Frame {
	t.Helper()
	select {
	case f := <-l.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("listener received no frame")
		return nil
	}
}

func TestConnect_SendsIdentityAndOpens(t *testing.T) {
	b := newBackend(t)
	s, _ := openSocket(t, b, 0)

	assert.Equal(t, Open, s.State())
	b.mu.Lock()
	req := b.request
	b.mu.Unlock()
	assert.Equal(t, "room-1", req.URL.Query().Get("room"))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	var user model.ChatUser
	require.NoError(t, json.Unmarshal([]byte(req.URL.Query().Get("user")), &user))
	assert.Equal(t, testUser, user)

	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnect_DialFailure(t *testing.T) {
	l := newRecordingListener()
	s := New(Config{URL: "ws://127.0.0.1:1/ws", RoomID: "r", Logger: logging.Discard()}, l)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, s.State())
	assert.Error(t, <-l.errs)
}

func TestReadLoop_DeliversFramesInOrderAndDropsMalformed(t *testing.T) {
	b := newBackend(t)
	s, l := openSocket(t, b, 0)

	b.push(t, `{"type":"sync","messages":[]}`)
	b.push(t, `this is not json`)
	b.push(t, `{"type":"mystery"}`)
	b.push(t, `{"type":"typing","from":"agent-9","isTyping":true}`+"\n"+`{"type":"clear"}`)

	assert.Equal(t, protocol.Sync{Messages: []model.ChatMessage{}}, nextFrame(t, l))
	assert.Equal(t, protocol.Typing{From: "agent-9", IsTyping: true}, nextFrame(t, l))
	assert.Equal(t, protocol.Clear{}, nextFrame(t, l))

	assert.Equal(t, Open, s.State())
	select {
	case err := <-l.errs:
		t.Fatalf("malformed frame surfaced as error: %v", err)
	case <-l.closed:
		t.Fatal("malformed frame closed the socket")
	default:
	}
}

func TestSendAndEdit(t *testing.T) {
	b := newBackend(t)
	s, _ := openSocket(t, b, 0)

	id, err := s.SendMessage("hello")
	require.NoError(t, err)
	assert.Regexp(t, protocol.MessageIDPattern, id)
	assert.Equal(t, map[string]any{"type": "new", "text": "hello", "id": id}, b.next(t))

	require.NoError(t, s.EditMessage(id, "hello!"))
	assert.Equal(t, map[string]any{"type": "edit", "id": id, "text": "hello!"}, b.next(t))
}

func typingFrame(isTyping bool) map[string]any {
	return map[string]any{"type": "typing", "from": testUser.ID, "isTyping": isTyping}
}

func TestTyping_AutoExpirySendsOneStop(t *testing.T) {
	b := newBackend(t)
	s, _ := openSocket(t, b, 50*time.Millisecond)

	require.NoError(t, s.StartTyping())
	assert.Equal(t, typingFrame(true), b.next(t))
	assert.Equal(t, typingFrame(false), b.next(t))
	b.expectNothing(t, 150*time.Millisecond)
}

func TestTyping_RestartResetsTimer(t *testing.T) {
	b := newBackend(t)
	s, _ := openSocket(t, b, 80*time.Millisecond)

	require.NoError(t, s.StartTyping())
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, s.StartTyping())

	assert.Equal(t, typingFrame(true), b.next(t))
	assert.Equal(t, typingFrame(true), b.next(t))
	assert.Equal(t, typingFrame(false), b.next(t))
	b.expectNothing(t, 200*time.Millisecond)
}

func TestTyping_StopClearsTimer(t *testing.T) {
	b := newBackend(t)
	s, _ := openSocket(t, b, 50*time.Millisecond)

	require.NoError(t, s.StartTyping())
	require.NoError(t, s.StopTyping())

	assert.Equal(t, typingFrame(true), b.next(t))
	assert.Equal(t, typingFrame(false), b.next(t))
	b.expectNothing(t, 150*time.Millisecond)
}

func TestClose_DropsPendingTypingWithoutStopFrame(t *testing.T) {
	b := newBackend(t)
	s, l := openSocket(t, b, 50*time.Millisecond)

	require.NoError(t, s.StartTyping())
	assert.Equal(t, typingFrame(true), b.next(t))
	s.Close()

	assert.Equal(t, Closed, s.State())
	b.expectNothing(t, 150*time.Millisecond)
	assert.Empty(t, l.closed)
	assert.Empty(t, l.errs)

	_, err := s.SendMessage("late")
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, s.StartTyping(), ErrNotOpen)
}

func TestRemoteClose(t *testing.T) {
	b := newBackend(t)
	s, l := openSocket(t, b, 0)

	b.mu.Lock()
	b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	b.mu.Unlock()

	select {
	case <-l.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, Closed, s.State())
}

func TestTransportError(t *testing.T) {
	b := newBackend(t)
	s, l := openSocket(t, b, 0)

	b.mu.Lock()
	b.conn.UnderlyingConn().Close()
	b.mu.Unlock()

	select {
	case err := <-l.errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, Error, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "State(42)", State(42).String())
}
