package chathub

import (
	"context"

	"randomtalk/backend/internal/chatlog"
	"randomtalk/backend/internal/matchmaker"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/signaling"

	"go.uber.org/zap"
)

// RoomArchive is the part of storage.Storage that records sessions.
type RoomArchive interface {
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	CloseRoom(ctx context.Context, roomID string) error
}

// Rooms owns the shared per-session state: the signaling mailbox and the
// message log. It is the matchmaker's SessionOpener and the supervisor's
// SessionCloser.
type Rooms struct {
	Relay   *signaling.Relay
	Logs    *chatlog.Registry
	Archive RoomArchive // optional
	Logger  *zap.Logger
}

func NewRooms(relay *signaling.Relay, logs *chatlog.Registry, archive RoomArchive, logger *zap.Logger) *Rooms {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rooms{Relay: relay, Logs: logs, Archive: archive, Logger: logger}
}

var _ matchmaker.SessionOpener = (*Rooms)(nil)

// Open prepares the mailbox and log before the pairing commits.
func (r *Rooms) Open(_ context.Context, p matchmaker.Pairing) error {
	r.Relay.Open(p.SessionID, p.Initiator, p.Responder)
	r.Logs.Open(p.SessionID)
	return nil
}

// Discard drops state prepared for a pairing that did not commit.
func (r *Rooms) Discard(_ context.Context, sessionID string) {
	r.Relay.Close(sessionID)
	r.Logs.Close(sessionID)
}

// Attach returns the session's mailbox and log, creating them if this
// process did not open the session itself.
func (r *Rooms) Attach(sessionID, initiator, responder string) (*signaling.Mailbox, *chatlog.Log) {
	mb := r.Relay.Get(sessionID)
	if mb == nil {
		mb = r.Relay.Open(sessionID, initiator, responder)
	}
	return mb, r.Logs.Open(sessionID)
}

// Record archives a committed session. Failures are logged only.
func (r *Rooms) Record(ctx context.Context, room models.ChatRoom) {
	if r.Archive == nil {
		return
	}
	if err := r.Archive.SaveRoom(ctx, &room); err != nil {
		r.Logger.Warn("save room", zap.String("session_id", room.RoomID), zap.Error(err))
	}
}

// Close tears down shared session state. Both participants call it.
func (r *Rooms) Close(ctx context.Context, sessionID string) {
	r.Relay.Close(sessionID)
	r.Logs.Close(sessionID)
	if r.Archive == nil {
		return
	}
	if err := r.Archive.CloseRoom(ctx, sessionID); err != nil {
		r.Logger.Warn("close room", zap.String("session_id", sessionID), zap.Error(err))
	}
}
