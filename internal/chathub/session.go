package chathub

import (
	"context"
	"errors"
	"sync"
	"time"

	"randomtalk/backend/internal/blocklist"
	"randomtalk/backend/internal/chatlog"
	"randomtalk/backend/internal/matchmaker"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/signaling"
	"randomtalk/backend/internal/supervisor"

	"go.uber.org/zap"
)

// Deps are the services shared by every session of a hub.
type Deps struct {
	Store      presence.Store
	Matchmaker *matchmaker.Matchmaker
	Rooms      *Rooms
	Blocks     *blocklist.Registry
	Complaints supervisor.Complaints
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// Peers enables server-side media negotiation. When nil, voice clients
	// must implement SignalListener and negotiate themselves.
	Peers    media.PeerFactory
	Capturer media.Capturer
}

// Session is one connected identity: the inbound operations of a client and
// the state of its current chat.
type Session struct {
	identity string
	deps     *Deps
	listener Listener
	sup      *supervisor.Supervisor
	logger   *zap.Logger

	mu        sync.Mutex
	search    *matchmaker.Search
	sessionID string
	log       *chatlog.Log
	mailbox   *signaling.Mailbox
	ctrl      *media.Controller
	muted     bool
	closed    bool

	// captureDenied means the microphone was refused and negotiation waits
	// for RetryCapture.
	captureDenied bool
}

func NewSession(identity string, deps *Deps, listener Listener) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("identity", identity))

	sup := supervisor.New(identity, deps.Store, listener, logger)
	if deps.Blocks != nil {
		sup.Blocks = deps.Blocks
	}
	if deps.Complaints != nil {
		sup.Complaints = deps.Complaints
	}
	if deps.Rooms != nil {
		sup.Sessions = deps.Rooms
	}
	sup.Metrics = deps.Metrics

	return &Session{identity: identity, deps: deps, listener: listener, sup: sup, logger: logger}
}

func (s *Session) Identity() string { return s.identity }

// SessionID returns the active session id or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SearchTimeout is how long a search waits in the pool.
func (s *Session) SearchTimeout() time.Duration {
	return s.deps.Matchmaker.Timeout
}

// RegisterOnline announces the identity and loads its block list.
func (s *Session) RegisterOnline(ctx context.Context) error {
	if err := s.deps.Store.RegisterOnline(ctx, s.identity); err != nil {
		return err
	}
	if s.deps.Blocks != nil {
		s.deps.Blocks.Load(ctx, s.identity)
	}
	s.logger.Info("online")
	return nil
}

// Heartbeat refreshes the presence record.
func (s *Session) Heartbeat(ctx context.Context) error {
	return s.deps.Store.Touch(ctx, s.identity)
}

// FindPartner ends the current chat, if any, and starts a search. The
// outcome arrives through the listener.
func (s *Session) FindPartner(ctx context.Context, prefs models.Preferences) (matchmaker.Status, error) {
	prefs = prefs.Normalize()
	if _, active := s.sup.Active(); active {
		if err := s.sup.EndSession(ctx); err != nil {
			s.logger.Warn("end previous session", zap.Error(err))
		}
	}

	search, err := s.deps.Matchmaker.FindPartner(ctx, s.identity, prefs)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.search = search
	s.mu.Unlock()

	if search.Status == matchmaker.StatusSearching {
		s.listener.OnSearching()
	}
	go s.await(search, prefs.Mode)
	return search.Status, nil
}

func (s *Session) await(search *matchmaker.Search, mode models.SessionMode) {
	o := <-search.Result()
	s.mu.Lock()
	if s.search == search {
		s.search = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		if o.Kind == matchmaker.OutcomePaired {
			s.abandon(context.Background(), o.SessionID)
		}
		return
	}

	switch o.Kind {
	case matchmaker.OutcomePaired:
		s.startSession(context.Background(), o, mode)
	case matchmaker.OutcomeNoPartner:
		s.listener.OnNoPartnerFound()
	}
}

// abandon releases a pairing that nobody on this side will serve.
func (s *Session) abandon(ctx context.Context, sessionID string) {
	if _, err := s.deps.Store.Unpair(ctx, s.identity, sessionID); err != nil {
		s.logger.Warn("release abandoned pairing", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.deps.Rooms.Close(ctx, sessionID)
}

func (s *Session) startSession(ctx context.Context, o matchmaker.Outcome, mode models.SessionMode) {
	initiator, responder := s.identity, o.Partner
	if o.Role == models.RoleResponder {
		initiator, responder = o.Partner, s.identity
	}
	mb, log := s.deps.Rooms.Attach(o.SessionID, initiator, responder)
	if o.Role == models.RoleInitiator {
		s.deps.Rooms.Record(ctx, models.ChatRoom{
			RoomID:    o.SessionID,
			User1ID:   initiator,
			User2ID:   responder,
			Mode:      mode,
			IsActive:  true,
			StartedAt: time.Now(),
		})
	}

	s.mu.Lock()
	s.sessionID = o.SessionID
	s.log = log
	s.mailbox = mb
	s.ctrl = nil
	s.muted = false
	s.captureDenied = false
	s.mu.Unlock()

	s.listener.OnPartnerFound(o.Partner, o.Role, o.SessionID, mode)

	msgs := log.Watch()
	go func() {
		for list := range msgs.C() {
			s.listener.OnMessagesUpdated(list)
		}
	}()

	sessionID := o.SessionID
	s.sup.Attach(ctx, supervisor.ActiveSession{
		SessionID: sessionID,
		Partner:   o.Partner,
		Role:      o.Role,
		OnTeardown: func() {
			msgs.Cancel()
			s.clear(sessionID)
		},
	})

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		// Close або Release прийшли, поки сесія запускалась.
		if err := s.sup.EndSession(ctx); err != nil {
			s.logger.Warn("end session after close", zap.Error(err))
		}
		return
	}

	if mode == models.ModeVoice {
		s.startVoice(ctx, sessionID, o.Role, mb)
	}
}

func (s *Session) clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sessionID {
		return
	}
	s.sessionID = ""
	s.log = nil
	s.mailbox = nil
	s.ctrl = nil
	s.captureDenied = false
}

func (s *Session) startVoice(ctx context.Context, sessionID string, role models.Role, mb *signaling.Mailbox) {
	if s.deps.Peers == nil {
		out, ok := s.listener.(SignalListener)
		if !ok {
			s.logger.Warn("voice session without media support", zap.String("session_id", sessionID))
			s.listener.OnCallFailed("unsupported")
			return
		}
		bridge := NewSignalBridge(s.identity, mb, out, s.callConnected, s.logger)
		if s.sup.AttachMedia(sessionID, bridge) {
			bridge.Start()
		}
		return
	}

	ctrl, err := media.NewController(media.ControllerConfig{
		Identity:  s.identity,
		Role:      role,
		SessionID: sessionID,
		Signaler:  mb,
		Peers:     s.deps.Peers,
		Capturer:  s.deps.Capturer,
		Logger:    s.logger,
		Events: media.Events{
			OnConnected: s.callConnected,
			OnFailed:    func(err error) { s.sup.HandleTransportFailure(sessionID, err) },
		},
	})
	if err != nil {
		s.logger.Warn("create media controller", zap.Error(err))
		s.deps.Metrics.Inc(metrics.EventCallFailed)
		s.listener.OnCallFailed(supervisor.FailureReason(err))
		return
	}
	if !s.sup.AttachMedia(sessionID, ctrl) {
		_ = ctrl.EndSession()
		return
	}
	s.mu.Lock()
	if s.sessionID == sessionID {
		s.ctrl = ctrl
	}
	s.mu.Unlock()

	if _, err := ctrl.StartLocalCapture(ctx, media.DefaultAudioConstraints()); err != nil {
		s.captureFailed(sessionID, err)
		return
	}
	negotiate(ctrl)
}

func negotiate(ctrl *media.Controller) {
	go ctrl.Run(context.Background())
	if ctrl.Role() == models.RoleInitiator {
		// Помилки вже пройшли через OnFailed.
		_ = ctrl.CreateOffer()
	}
}

// captureFailed keeps the call open for RetryCapture when the user refused
// the microphone. Any other capture error fails the call.
func (s *Session) captureFailed(sessionID string, err error) {
	if !errors.Is(err, media.ErrPermissionDenied) {
		s.sup.HandleTransportFailure(sessionID, err)
		return
	}
	s.mu.Lock()
	if s.sessionID == sessionID {
		s.captureDenied = true
	}
	s.mu.Unlock()
	s.deps.Metrics.Inc(metrics.EventCallFailed)
	s.logger.Info("microphone permission denied", zap.String("session_id", sessionID))
	s.listener.OnCallFailed(supervisor.FailureReason(err))
}

// RetryCapture asks for the microphone again after it was refused and, on
// success, starts negotiating. It is a no-op when capture is not pending.
func (s *Session) RetryCapture(ctx context.Context) error {
	s.mu.Lock()
	ctrl, sessionID, denied := s.ctrl, s.sessionID, s.captureDenied
	if ctrl == nil {
		s.mu.Unlock()
		return supervisor.ErrNoActiveSession
	}
	s.captureDenied = false
	s.mu.Unlock()
	if !denied {
		return nil
	}

	if _, err := ctrl.StartLocalCapture(ctx, media.DefaultAudioConstraints()); err != nil {
		s.captureFailed(sessionID, err)
		return err
	}
	s.logger.Info("microphone granted on retry", zap.String("session_id", sessionID))
	negotiate(ctrl)
	return nil
}

func (s *Session) callConnected() {
	s.deps.Metrics.Inc(metrics.EventCallConnected)
	s.logger.Info("call connected")
	s.listener.OnCallConnected()
}

// SendMessage appends text to the current chat. It reports false when there
// is no chat or the message was rejected.
func (s *Session) SendMessage(ctx context.Context, text string) bool {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()
	if log == nil {
		return false
	}
	if _, err := log.Append(ctx, s.identity, text); err != nil {
		s.logger.Debug("message rejected", zap.Error(err))
		return false
	}
	return true
}

// ToggleMute flips the microphone and returns the new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	ctrl := s.ctrl
	if ctrl == nil {
		s.muted = !s.muted
		muted := s.muted
		s.mu.Unlock()
		return muted
	}
	s.mu.Unlock()
	return ctrl.ToggleMute()
}

// CancelSearch aborts a pending search.
func (s *Session) CancelSearch() {
	s.deps.Matchmaker.CancelSearch(s.identity)
}

// EndSession cancels a pending search and ends the current chat.
func (s *Session) EndSession(ctx context.Context) error {
	s.CancelSearch()
	return s.sup.EndSession(ctx)
}

// ReportPartner blocks and reports the partner, then ends the chat.
func (s *Session) ReportPartner(ctx context.Context, reason string) error {
	_, err := s.sup.Report(ctx, reason)
	return err
}

func (s *Session) activeMailbox() (*signaling.Mailbox, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox == nil {
		return nil, "", supervisor.ErrNoActiveSession
	}
	return s.mailbox, s.sessionID, nil
}

// signalResult turns a protocol violation into a failed call. The chat
// itself survives.
func (s *Session) signalResult(sessionID string, err error) error {
	if errors.Is(err, signaling.ErrProtocolViolation) {
		s.deps.Metrics.Inc(metrics.EventProtocolViolation)
		s.sup.HandleTransportFailure(sessionID, err)
	}
	return err
}

// PublishOffer relays the client's offer.
func (s *Session) PublishOffer(sdp string) error {
	mb, sessionID, err := s.activeMailbox()
	if err != nil {
		return err
	}
	_, err = mb.PublishOffer(s.identity, sdp)
	return s.signalResult(sessionID, err)
}

// PublishAnswer relays the client's answer to offer offerSeq.
func (s *Session) PublishAnswer(sdp string, offerSeq uint64) error {
	mb, sessionID, err := s.activeMailbox()
	if err != nil {
		return err
	}
	_, err = mb.PublishAnswer(s.identity, sdp, offerSeq)
	return s.signalResult(sessionID, err)
}

// AddCandidate relays one of the client's ICE candidates.
func (s *Session) AddCandidate(rec models.IceCandidateRecord) error {
	mb, sessionID, err := s.activeMailbox()
	if err != nil {
		return err
	}
	_, err = mb.AddCandidate(s.identity, rec)
	return s.signalResult(sessionID, err)
}

// CallConnected records that the client's transport is up.
func (s *Session) CallConnected() error {
	mb, sessionID, err := s.activeMailbox()
	if err != nil {
		return err
	}
	return s.signalResult(sessionID, mb.MarkConnected(s.identity))
}

// Release gives up a session whose connection was replaced by a newer one
// of the same identity. Its own search and chat end; the presence record
// belongs to the newer connection and stays online.
func (s *Session) Release(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	search := s.search
	s.mu.Unlock()

	if search != nil {
		search.Cancel()
		<-search.Done()
	}
	if err := s.sup.EndSession(ctx); err != nil {
		s.logger.Warn("end session of replaced connection", zap.Error(err))
	}
	s.logger.Info("connection replaced")
}

// Close runs when the client disconnects: the chat ends and the identity
// goes offline.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelSearch()
	if err := s.sup.EndSession(ctx); err != nil {
		s.logger.Warn("end session on disconnect", zap.Error(err))
	}
	if err := s.deps.Store.MarkOffline(ctx, s.identity); err != nil {
		s.logger.Warn("mark offline", zap.Error(err))
	}
	if s.deps.Blocks != nil {
		s.deps.Blocks.Forget(s.identity)
	}
	s.logger.Info("offline")
}
