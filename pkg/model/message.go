package model

import "time"

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// Sender is the denormalized author reference carried on every message.
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type ChatMessage struct {
	ID        string              `json:"id"`
	Text      string              `json:"text"`
	From      Sender              `json:"from"`
	At        time.Time           `json:"at"`
	Type      MessageType         `json:"type,omitempty"`
	Edited    bool                `json:"edited"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// Kind returns the message type, defaulting to text.
func (m ChatMessage) Kind() MessageType {
	if m.Type == "" {
		return TypeText
	}
	return m.Type
}

// Clone returns a copy that shares no maps or slices with m.
func (m ChatMessage) Clone() ChatMessage {
	if m.Reactions != nil {
		reactions := make(map[string][]string, len(m.Reactions))
		for k, ids := range m.Reactions {
			reactions[k] = append([]string(nil), ids...)
		}
		m.Reactions = reactions
	}
	return m
}
