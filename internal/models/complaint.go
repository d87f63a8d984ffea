package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // pq.StringArray для уривків повідомлень
	"gorm.io/gorm"
)

// ComplaintStatus tracks moderation progress of a report.
type ComplaintStatus string

const (
	ComplaintNew       ComplaintStatus = "new"
	ComplaintProcessed ComplaintStatus = "processed"
)

// Complaint is a report one participant filed against the other.
type Complaint struct {
	ComplaintID    string `gorm:"primaryKey"`
	ReporterID     string `gorm:"index"`
	TargetID       string `gorm:"index"`
	RoomID         string
	Reason         string
	LoggedMessages pq.StringArray `gorm:"type:text[]"` // останні повідомлення сесії
	Status         ComplaintStatus
	CreatedAt      time.Time
}

// BeforeCreate is a GORM hook that assigns a UUID and the default status.
func (c *Complaint) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ComplaintID == "" {
		c.ComplaintID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ComplaintNew
	}
	return
}
