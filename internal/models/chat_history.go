package models

import "gorm.io/gorm"

// ChatHistory represents an archived chat message in the PostgreSQL database.
// The embedded gorm.Model provides the row ID and CreatedAt; the in-session
// ordering fields are copied from the live ChatMessage.
type ChatHistory struct {
	gorm.Model // ID (primary key, uint), CreatedAt, UpdatedAt, DeletedAt

	// RoomID is the session in which the message was sent.
	RoomID string `gorm:"type:text;not null;index:idx_room_msg"`
	// SenderID is the anonymous identity of the author.
	SenderID string `gorm:"type:text;not null;index:idx_room_msg"`
	// SessionMsgID is the monotonic per-session id of the message.
	SessionMsgID uint64 `gorm:"not null"`
	// Content is the message text.
	Content string `gorm:"type:text;not null"`
	// SentAtMillis is the message timestamp used for ordering.
	SentAtMillis int64 `gorm:"not null"`
}

// HistoryFromMessage builds the archive row for a live message.
func HistoryFromMessage(msg ChatMessage) ChatHistory {
	return ChatHistory{
		RoomID:       msg.RoomID,
		SenderID:     msg.SenderID,
		SessionMsgID: msg.ID,
		Content:      msg.Text,
		SentAtMillis: msg.Timestamp.UnixMilli(),
	}
}
