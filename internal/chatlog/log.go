// Package chatlog is the per-session ordered message log shared by both peers.
package chatlog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("chatlog: empty message")
	ErrMessageTooLong = errors.New("chatlog: message too long")
	ErrLogFull        = errors.New("chatlog: message log is full")
	ErrClosed         = errors.New("chatlog: session closed")
)

// Archiver receives every accepted message for durable storage.
type Archiver interface {
	ArchiveMessage(ctx context.Context, msg models.ChatMessage) error
}

// Log is an append-only message list kept in (Timestamp, ID) order.
type Log struct {
	sessionID string
	clock     clock.Clock
	archiver  Archiver
	logger    *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	messages []models.ChatMessage
	closed   bool

	watchers notify.Topic[[]models.ChatMessage]
}

// NewLog creates an empty log. archiver may be nil.
func NewLog(sessionID string, clk clock.Clock, archiver Archiver, logger *zap.Logger) *Log {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{sessionID: sessionID, clock: clk, archiver: archiver, logger: logger}
}

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Append stamps text with the current time and inserts it.
func (l *Log) Append(ctx context.Context, senderID, text string) (models.ChatMessage, error) {
	return l.Insert(ctx, senderID, text, l.clock.Now())
}

// Insert adds a message carrying a sender-side timestamp. The log assigns the
// id, so two messages with equal timestamps keep their insertion order.
func (l *Log) Insert(ctx context.Context, senderID, text string, ts time.Time) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if len([]rune(text)) > config.MaxChatMessageLength {
		return models.ChatMessage{}, ErrMessageTooLong
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return models.ChatMessage{}, ErrClosed
	}
	if len(l.messages) >= config.MaxChatMessagesPerRoom {
		l.mu.Unlock()
		return models.ChatMessage{}, ErrLogFull
	}
	l.nextID++
	msg := models.ChatMessage{
		ID:        l.nextID,
		RoomID:    l.sessionID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: ts,
	}
	i := sort.Search(len(l.messages), func(i int) bool { return msg.Less(l.messages[i]) })
	l.messages = append(l.messages, models.ChatMessage{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = msg
	l.watchers.Publish(l.snapshotLocked())
	l.mu.Unlock()

	if l.archiver != nil {
		if err := l.archiver.ArchiveMessage(ctx, msg); err != nil {
			l.logger.Warn("archive message",
				zap.String("session_id", l.sessionID), zap.Uint64("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

func (l *Log) snapshotLocked() []models.ChatMessage {
	out := make([]models.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Messages returns the ordered messages.
func (l *Log) Messages() []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Last returns up to n most recent messages in order.
func (l *Log) Last(n int) []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.messages) {
		n = len(l.messages)
	}
	out := make([]models.ChatMessage, n)
	copy(out, l.messages[len(l.messages)-n:])
	return out
}

// Watch subscribes to the ordered message list. The current list is delivered
// immediately when it is not empty, so a late subscriber sees the history.
func (l *Log) Watch() *notify.Subscription[[]models.ChatMessage] {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := l.watchers.Subscribe()
	if len(l.messages) > 0 {
		l.watchers.Publish(l.snapshotLocked())
	}
	return sub
}

// Close rejects further messages and cancels every watcher.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.watchers.Close()
}
