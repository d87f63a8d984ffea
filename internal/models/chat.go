package models

import (
	"sort"
	"time"
)

// ChatMessage is one entry of a session's append-only message log.
type ChatMessage struct {
	ID        uint64    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Less orders messages by timestamp, falling back to the insertion id.
func (m ChatMessage) Less(other ChatMessage) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// SortMessages sorts in place by (Timestamp, ID).
func SortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}

// SessionMode selects whether a pairing carries only text or also a voice call.
type SessionMode string

const (
	ModeText  SessionMode = "text"
	ModeVoice SessionMode = "voice"
)
