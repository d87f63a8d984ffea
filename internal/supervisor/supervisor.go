// Package supervisor watches one identity's active session and tears it down
// when the partner link is lost, the user ends or reports, or the media
// transport fails.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/signaling"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoActiveSession is returned by Report when there is nothing to report.
var ErrNoActiveSession = errors.New("supervisor: no active session")

// MediaSession is the voice part of a session. *media.Controller satisfies it.
type MediaSession interface {
	EndSession() error
}

// Blocker writes block entries. *blocklist.Registry satisfies it.
type Blocker interface {
	Block(ctx context.Context, owner, target string, ttl time.Duration) models.BlockEntry
}

// Complaints files a moderation report.
type Complaints interface {
	FileReport(ctx context.Context, reporter, target, sessionID, reason string) error
}

// SessionCloser releases shared per-session state. Close must be idempotent
// since both sides call it.
type SessionCloser interface {
	Close(ctx context.Context, sessionID string)
}

// Listener receives the supervisor's notifications.
type Listener interface {
	OnPartnerDisconnected()
	OnCallFailed(reason string)
}

// ActiveSession is what the supervisor guards.
type ActiveSession struct {
	SessionID string
	Partner   string
	Role      models.Role
	Media     MediaSession
	// OnTeardown runs once when the session ends, e.g. to cancel message
	// subscriptions.
	OnTeardown func()
}

type Supervisor struct {
	Identity   string
	Store      presence.Store
	Blocks     Blocker
	Complaints Complaints
	Sessions   SessionCloser
	Listener   Listener
	BlockTTL   time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	mu        sync.Mutex
	active    *ActiveSession
	stopWatch func()
}

// New creates a supervisor for identity.
func New(identity string, store presence.Store, listener Listener, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		Identity: identity,
		Store:    store,
		Listener: listener,
		BlockTTL: config.ReportBlockDuration,
		Logger:   logger.With(zap.String("identity", identity)),
	}
}

// Active returns a copy of the guarded session, if any.
func (s *Supervisor) Active() (ActiveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ActiveSession{}, false
	}
	return *s.active, true
}

// Attach starts guarding a freshly paired session. A previous session is torn
// down silently.
func (s *Supervisor) Attach(ctx context.Context, session ActiveSession) {
	if prev := s.detach(); prev != nil {
		s.teardown(ctx, prev)
	}

	sub := s.Store.Watch(s.Identity)
	a := &session
	s.mu.Lock()
	s.active = a
	s.stopWatch = sub.Cancel
	s.mu.Unlock()
	s.Metrics.SessionOpened()

	go func() {
		for rec := range sub.C() {
			if lost(rec, a) {
				s.partnerLost(a)
				return
			}
		}
	}()

	// Зв'язок міг зникнути ще до підписки.
	if rec, err := s.Store.Get(ctx, s.Identity); err == nil {
		if rec == nil || lost(*rec, a) {
			s.partnerLost(a)
		}
	}
}

func lost(rec models.PresenceRecord, a *ActiveSession) bool {
	return rec.Status == "" || rec.Partner != a.Partner || rec.SessionID != a.SessionID
}

// AttachMedia hands the voice controller of sessionID to the supervisor. It
// returns false if that session is no longer active; the caller then owns
// the controller's teardown.
func (s *Supervisor) AttachMedia(sessionID string, m MediaSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.SessionID != sessionID {
		return false
	}
	s.active.Media = m
	return true
}

// detach clears the guarded session and stops the watch. It returns the
// session that was active, or nil.
func (s *Supervisor) detach() *ActiveSession {
	s.mu.Lock()
	a, stop := s.active, s.stopWatch
	s.active, s.stopWatch = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return a
}

// detachIf is detach restricted to a specific session.
func (s *Supervisor) detachIf(a *ActiveSession) bool {
	s.mu.Lock()
	if s.active != a {
		s.mu.Unlock()
		return false
	}
	stop := s.stopWatch
	s.active, s.stopWatch = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return true
}

func (s *Supervisor) teardown(ctx context.Context, a *ActiveSession) {
	if a.Media != nil {
		if err := a.Media.EndSession(); err != nil {
			s.Logger.Warn("end media session", zap.String("session_id", a.SessionID), zap.Error(err))
		}
	}
	if a.OnTeardown != nil {
		a.OnTeardown()
	}
	if s.Sessions != nil {
		s.Sessions.Close(ctx, a.SessionID)
	}
	s.Metrics.SessionClosed()
}

func (s *Supervisor) partnerLost(a *ActiveSession) {
	if !s.detachIf(a) {
		return
	}
	ctx := context.Background()
	s.Logger.Info("partner disconnected", zap.String("partner", a.Partner), zap.String("session_id", a.SessionID))
	s.teardown(ctx, a)

	// Залишаємось online: нового пошуку без явної дії користувача не буде.
	if err := s.Store.Detach(ctx, s.Identity, a.SessionID); err != nil && !errors.Is(err, presence.ErrNotRegistered) {
		s.Logger.Warn("clear own partner link", zap.Error(err))
	}
	s.Metrics.Inc(metrics.EventPartnerLost)
	if s.Listener != nil {
		s.Listener.OnPartnerDisconnected()
	}
}

// EndSession performs the user's explicit end: local teardown and a
// symmetric unpair. If the unpair fails only the local link is cleared; the
// partner's own presence timeout corrects its side. Calling it without an
// active session is a no-op.
func (s *Supervisor) EndSession(ctx context.Context) error {
	a := s.detach()
	if a == nil {
		return nil
	}
	s.teardown(ctx, a)

	_, err := s.Store.Unpair(ctx, s.Identity, a.SessionID)
	if err == nil {
		s.Logger.Info("session ended", zap.String("partner", a.Partner), zap.String("session_id", a.SessionID))
		return nil
	}
	s.Logger.Warn("symmetric unpair failed, clearing local link", zap.Error(err))
	if derr := s.Store.Detach(ctx, s.Identity, a.SessionID); derr != nil {
		return multierr.Append(err, derr)
	}
	return nil
}

// Report blocks the current partner for BlockTTL, files a complaint and ends
// the session.
func (s *Supervisor) Report(ctx context.Context, reason string) (models.BlockEntry, error) {
	a, ok := s.Active()
	if !ok {
		return models.BlockEntry{}, ErrNoActiveSession
	}
	if reason == "" {
		reason = config.DefaultComplaintReason
	}

	var entry models.BlockEntry
	if s.Blocks != nil {
		entry = s.Blocks.Block(ctx, s.Identity, a.Partner, s.BlockTTL)
	}
	if s.Complaints != nil {
		if err := s.Complaints.FileReport(ctx, s.Identity, a.Partner, a.SessionID, reason); err != nil {
			s.Logger.Warn("file complaint", zap.String("partner", a.Partner), zap.Error(err))
		}
	}
	s.Metrics.Inc(metrics.EventReport)
	s.Logger.Info("partner reported", zap.String("partner", a.Partner), zap.String("session_id", a.SessionID))
	return entry, s.EndSession(ctx)
}

// HandleTransportFailure closes the voice part of the session and reports
// the failure once. The text session stays up.
func (s *Supervisor) HandleTransportFailure(sessionID string, cause error) {
	s.mu.Lock()
	if s.active == nil || s.active.SessionID != sessionID || s.active.Media == nil {
		s.mu.Unlock()
		return
	}
	m := s.active.Media
	s.active.Media = nil
	s.mu.Unlock()

	if err := m.EndSession(); err != nil {
		s.Logger.Warn("close failed media session", zap.Error(err))
	}
	s.Metrics.Inc(metrics.EventCallFailed)
	s.Logger.Warn("call failed", zap.String("session_id", sessionID), zap.Error(cause))
	if s.Listener != nil {
		s.Listener.OnCallFailed(FailureReason(cause))
	}
}

// FailureReason maps a media error to the reason string shown to the user.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, signaling.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, media.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "connection_failed"
	}
}
