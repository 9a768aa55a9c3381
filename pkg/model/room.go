package model

import "time"

// ChatUser is a participant's identity snapshot at connection time.
type ChatUser struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	FullName string     `json:"fullName"`
	Avatar   string     `json:"avatar,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// DisplayName prefers the full name, then the username, then the id.
func (u ChatUser) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

// Snapshot returns the identity payload sent to the room directory.
func (u ChatUser) Snapshot() IdentitySnapshot {
	return IdentitySnapshot{ID: u.ID, Name: u.DisplayName(), Avatar: u.Avatar}
}

func (u ChatUser) Sender() Sender {
	return Sender{ID: u.ID, Name: u.DisplayName(), Avatar: u.Avatar}
}

func (u ChatUser) Clone() ChatUser {
	if u.LastSeen != nil {
		t := *u.LastSeen
		u.LastSeen = &t
	}
	return u
}

// IdentitySnapshot is the participant data sent at room creation time only.
type IdentitySnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// RoomMetadata is the room record kept by the room directory.
type RoomMetadata struct {
	ID              string             `json:"id"`
	Participants    []string           `json:"participants"`
	CreatedBy       string             `json:"createdBy"`
	CreatedAt       time.Time          `json:"createdAt"`
	ParticipantData []IdentitySnapshot `json:"participantData,omitempty"`
}

type ChatRoom struct {
	ID           string        `json:"id"`
	Participants []string      `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
	Users        []ChatUser    `json:"users"`
	TypingUsers  []string      `json:"typingUsers"`
}

// NewChatRoom builds an empty room from directory metadata.
func NewChatRoom(meta RoomMetadata) *ChatRoom {
	return &ChatRoom{
		ID:           meta.ID,
		Participants: append([]string(nil), meta.Participants...),
		Messages:     []ChatMessage{},
		Users:        []ChatUser{},
		TypingUsers:  []string{},
	}
}

// Clone deep-copies the room so callers can hold it without locking.
func (r *ChatRoom) Clone() ChatRoom {
	c := ChatRoom{
		ID:           r.ID,
		Participants: append([]string(nil), r.Participants...),
		Messages:     make([]ChatMessage, len(r.Messages)),
		Users:        make([]ChatUser, len(r.Users)),
		TypingUsers:  append([]string{}, r.TypingUsers...),
	}
	for i, m := range r.Messages {
		c.Messages[i] = m.Clone()
	}
	for i, u := range r.Users {
		c.Users[i] = u.Clone()
	}
	return c
}

// MessageIndex returns the position of the message with id, or -1.
func (r ChatRoom) MessageIndex(id string) int {
	for i := range r.Messages {
		if r.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r ChatRoom) IsTyping(userID string) bool {
	for _, id := range r.TypingUsers {
		if id == userID {
			return true
		}
	}
	return false
}
