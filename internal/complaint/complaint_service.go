// Package complaint persists partner reports together with an excerpt of
// the session's last messages for moderation.
package complaint

import (
	"context"
	"fmt"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Saver is the part of storage.Storage the service writes to.
type Saver interface {
	SaveComplaint(ctx context.Context, complaint *models.Complaint) error
}

// MessageSource returns the last n messages of a session.
type MessageSource interface {
	LastMessages(sessionID string, n int) []models.ChatMessage
}

// Service handles the business logic for complaints.
type Service struct {
	Storage  Saver
	Messages MessageSource
	Excerpt  int
	Logger   *zap.Logger
}

// NewService creates a new complaint service. messages may be nil.
func NewService(s Saver, messages MessageSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Storage: s, Messages: messages, Excerpt: config.ComplaintExcerptLength, Logger: logger}
}

// FileReport stores a complaint of reporter against target.
func (s *Service) FileReport(ctx context.Context, reporter, target, sessionID, reason string) error {
	if reason == "" {
		reason = config.DefaultComplaintReason
	}
	c := &models.Complaint{
		ReporterID:     reporter,
		TargetID:       target,
		RoomID:         sessionID,
		Reason:         reason,
		LoggedMessages: s.excerpt(sessionID),
		Status:         models.ComplaintNew,
	}
	if err := s.Storage.SaveComplaint(ctx, c); err != nil {
		return fmt.Errorf("save complaint: %w", err)
	}
	s.Logger.Info("complaint filed",
		zap.String("identity", reporter),
		zap.String("partner", target),
		zap.String("session_id", sessionID),
		zap.Int("excerpt", len(c.LoggedMessages)))
	return nil
}

func (s *Service) excerpt(sessionID string) pq.StringArray {
	if s.Messages == nil || s.Excerpt <= 0 {
		return pq.StringArray{}
	}
	msgs := s.Messages.LastMessages(sessionID, s.Excerpt)
	out := make(pq.StringArray, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fmt.Sprintf("[%s] %s: %s", m.Timestamp.UTC().Format("15:04:05"), m.SenderID, m.Text))
	}
	return out
}
