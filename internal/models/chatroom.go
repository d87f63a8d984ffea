package models

import "time"

// ChatRoom represents one paired session between two identities.
// It is archived for moderation; the live session state lives in the presence store.
type ChatRoom struct {
	// RoomID is the session identifier allocated at pairing time.
	RoomID string `gorm:"primaryKey"`
	// User1ID is the initiator of the pairing.
	User1ID string
	// User2ID is the responder that was waiting in the pool.
	User2ID string
	// Mode is "text" or "voice".
	Mode SessionMode `gorm:"type:text"`
	// IsActive indicates whether the session has not been torn down yet.
	IsActive bool `gorm:"index"`
	// StartedAt is the timestamp when the pairing committed.
	StartedAt time.Time
	// EndedAt is the timestamp when the session was torn down.
	EndedAt *time.Time
}
