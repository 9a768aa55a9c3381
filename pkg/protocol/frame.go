// Package protocol defines the JSON frames exchanged over a room's WebSocket.
//
// Frames sent by the room backend implement Frame; frames sent by a client
// implement ClientFrame. Both are closed sets: the unexported marker methods
// keep other packages from adding kinds, and Handler has one method per
// backend kind so a new kind breaks every implementation until handled.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/model"
)

type Type string

const (
	TypeSync       Type = "sync"
	TypeNew        Type = "new"
	TypeEdit       Type = "edit"
	TypeRoomUsers  Type = "room_users"
	TypeTyping     Type = "typing"
	TypeUserStatus Type = "user_status"
	TypeClear      Type = "clear"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is a message from the room backend to a client.
type Frame interface {
	FrameType() Type
	backendFrame()
}

// ClientFrame is a message from a client to the room backend.
type ClientFrame interface {
	FrameType() Type
	clientFrame()
}

// Sync carries the full message list, sent on every (re)connect.
type Sync struct {
	Messages []model.ChatMessage `json:"messages"`
}

type New struct {
	Message model.ChatMessage `json:"message"`
}

type Edit struct {
	Message model.ChatMessage `json:"message"`
}

type RoomUsers struct {
	Users []model.ChatUser `json:"users"`
}

// Typing travels in both directions with the same shape.
type Typing struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

type UserStatus struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

type Clear struct{}

// SendMessage asks the backend to append a message with a client-chosen id.
type SendMessage struct {
	Text string `json:"text"`
	ID   string `json:"id"`
}

// EditMessage asks the backend to replace the text of an existing message.
type EditMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (Sync) FrameType() Type        { return TypeSync }
func (New) FrameType() Type         { return TypeNew }
func (Edit) FrameType() Type        { return TypeEdit }
func (RoomUsers) FrameType() Type   { return TypeRoomUsers }
func (Typing) FrameType() Type      { return TypeTyping }
func (UserStatus) FrameType() Type  { return TypeUserStatus }
func (Clear) FrameType() Type       { return TypeClear }
func (SendMessage) FrameType() Type { return TypeNew }
func (EditMessage) FrameType() Type { return TypeEdit }

func (Sync) backendFrame()       {}
func (New) backendFrame()        {}
func (Edit) backendFrame()       {}
func (RoomUsers) backendFrame()  {}
func (Typing) backendFrame()     {}
func (UserStatus) backendFrame() {}
func (Clear) backendFrame()      {}

func (Typing) clientFrame()      {}
func (SendMessage) clientFrame() {}
func (EditMessage) clientFrame() {}

// Handler receives decoded backend frames, one method per kind.
type Handler interface {
	OnSync(Sync)
	OnNew(New)
	OnEdit(Edit)
	OnRoomUsers(RoomUsers)
	OnTyping(Typing)
	OnUserStatus(UserStatus)
	OnClear(Clear)
}

// Dispatch calls the Handler method matching f.
func Dispatch(f Frame, h Handler) {
	switch f := f.(type) {
	case Sync:
		h.OnSync(f)
	case New:
		h.OnNew(f)
	case Edit:
		h.OnEdit(f)
	case RoomUsers:
		h.OnRoomUsers(f)
	case Typing:
		h.OnTyping(f)
	case UserStatus:
		h.OnUserStatus(f)
	case Clear:
		h.OnClear(f)
	default:
		panic(fmt.Sprintf("protocol: unhandled frame %T", f))
	}
}

// Encode renders a frame as a single JSON object tagged with its type.
func Encode(f interface{ FrameType() Type }) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(f.FrameType())
	if string(body) == "{}" {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func (f Sync) MarshalJSON() ([]byte, error) {
	type plain Sync
	if f.Messages == nil {
		f.Messages = []model.ChatMessage{}
	}
	return json.Marshal(plain(f))
}

func (f RoomUsers) MarshalJSON() ([]byte, error) {
	type plain RoomUsers
	if f.Users == nil {
		f.Users = []model.ChatUser{}
	}
	return json.Marshal(plain(f))
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a frame sent by the room backend.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeSync:
		return decodeAs[Sync](data)
	case TypeNew:
		return decodeAs[New](data)
	case TypeEdit:
		return decodeAs[Edit](data)
	case TypeRoomUsers:
		return decodeAs[RoomUsers](data)
	case TypeTyping:
		return decodeAs[Typing](data)
	case TypeUserStatus:
		return decodeAs[UserStatus](data)
	case TypeClear:
		return Clear{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

// DecodeClient parses a frame sent by a client.
func DecodeClient(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode client frame: %w", err)
	}
	switch env.Type {
	case TypeNew:
		return decodeClientAs[SendMessage](data)
	case TypeEdit:
		return decodeClientAs[EditMessage](data)
	case TypeTyping:
		return decodeClientAs[Typing](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", f.FrameType(), err)
	}
	return f, nil
}

func decodeClientAs[T ClientFrame](data []byte) (ClientFrame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s client frame: %w", f.FrameType(), err)
	}
	return f, nil
}
