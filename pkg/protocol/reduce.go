package protocol

import "github.com/mahaj/marketplace-chat/pkg/model"

// Apply folds a backend frame into room. It is used by both the client
// session and the room backend so the two sides agree on room state.
func Apply(room *model.ChatRoom, f Frame) {
	Dispatch(f, reducer{room: room})
}

type reducer struct {
	room *model.ChatRoom
}

func (r reducer) OnSync(f Sync) {
	msgs := make([]model.ChatMessage, len(f.Messages))
	for i, m := range f.Messages {
		msgs[i] = m.Clone()
	}
	r.room.Messages = msgs
}

// OnNew appends, or replaces in place when the id is already present so ids
// stay unique within the room.
func (r reducer) OnNew(f New) {
	if i := r.room.MessageIndex(f.Message.ID); i >= 0 {
		r.room.Messages[i] = f.Message.Clone()
		return
	}
	r.room.Messages = append(r.room.Messages, f.Message.Clone())
}

func (r reducer) OnEdit(f Edit) {
	i := r.room.MessageIndex(f.Message.ID)
	if i < 0 {
		return
	}
	r.room.Messages[i] = f.Message.Clone()
}

func (r reducer) OnRoomUsers(f RoomUsers) {
	users := make([]model.ChatUser, len(f.Users))
	for i, u := range f.Users {
		users[i] = u.Clone()
	}
	r.room.Users = users
}

func (r reducer) OnTyping(f Typing) {
	typing := make([]string, 0, len(r.room.TypingUsers)+1)
	for _, id := range r.room.TypingUsers {
		if id != f.From {
			typing = append(typing, id)
		}
	}
	if f.IsTyping && f.From != "" {
		typing = append(typing, f.From)
	}
	r.room.TypingUsers = typing
}

func (r reducer) OnUserStatus(f UserStatus) {
	for i := range r.room.Users {
		if r.room.Users[i].ID != f.UserID {
			continue
		}
		r.room.Users[i].IsOnline = f.IsOnline
		if f.LastSeen != nil {
			t := *f.LastSeen
			r.room.Users[i].LastSeen = &t
		} else {
			r.room.Users[i].LastSeen = nil
		}
	}
}

func (r reducer) OnClear(Clear) {
	r.room.Messages = []model.ChatMessage{}
}
