package models

import "time"

// BlockEntry is one identity a client has flagged, honored until ExpiresAtEpochMillis.
// OwnerID is the blocking client; entries are never shared with the blocked side.
type BlockEntry struct {
	OwnerID              string `gorm:"primaryKey" json:"owner_id"`
	BlockedID            string `gorm:"primaryKey" json:"blocked_id"`
	ExpiresAtEpochMillis int64  `gorm:"index" json:"expires_at"`
}

// ExpiredAt reports whether the entry is no longer honored at now.
func (b BlockEntry) ExpiredAt(now time.Time) bool {
	return b.ExpiresAtEpochMillis <= now.UnixMilli()
}
