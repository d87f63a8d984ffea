// Package media drives one peer's side of a voice call: local capture, the
// offer/answer exchange through the signaling mailbox, candidate trickling
// and the remote audio sink.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"
	"randomtalk/backend/internal/signaling"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrTransportFailure is reported when the peer connection fails or drops.
	ErrTransportFailure = errors.New("media: transport failure")
	// ErrControllerClosed is returned by operations after EndSession.
	ErrControllerClosed = errors.New("media: controller closed")
)

// Signaler is the session mailbox as seen by one peer. *signaling.Mailbox
// satisfies it.
type Signaler interface {
	PublishOffer(sender, sdp string) (models.SignalingEnvelope, error)
	PublishAnswer(sender, sdp string, offerSeq uint64) (models.SignalingEnvelope, error)
	MarkConnected(sender string) error
	AddCandidate(sender string, c models.IceCandidateRecord) (models.IceCandidateRecord, error)
	MarkProcessed(receiver string, id uint64) error
	Watch() *notify.Subscription[signaling.Snapshot]
}

var _ Signaler = (*signaling.Mailbox)(nil)

// AudioSink plays the remote track. The controller keeps at most one track
// attached: a new track detaches the previous one first.
type AudioSink interface {
	Attach(track RemoteTrack) error
	Detach() error
}

// Events are the controller's outbound notifications. Each fires at most once.
type Events struct {
	OnConnected func()
	OnFailed    func(err error)
}

// ControllerConfig wires a controller to its session.
type ControllerConfig struct {
	Identity  string
	Role      models.Role
	SessionID string
	Signaler  Signaler
	Peers     PeerFactory
	Capturer  Capturer
	Logger    *zap.Logger
	Events    Events
}

// Controller is one peer's MediaSessionController. All negotiation steps are
// idempotent and no-ops when called out of turn.
type Controller struct {
	identity string
	role     models.Role
	signaler Signaler
	peer     Peer
	capturer Capturer
	logger   *zap.Logger
	events   Events

	// opMu serializes negotiation steps; mu guards the fields below it.
	opMu sync.Mutex

	mu             sync.Mutex
	state          signaling.State
	closed         bool
	offerSeq       uint64
	answerSeq      uint64
	lastAnswer     models.SignalingEnvelope
	remoteSet      bool
	seen           map[uint64]bool
	pendingRemote  []models.IceCandidateRecord
	localPublished bool
	pendingLocal   []webrtc.ICECandidateInit
	local          *LocalMediaHandle
	muted          bool
	sink           AudioSink
	remote         RemoteTrack

	connectedOnce sync.Once
	failOnce      sync.Once
	closeOnce     sync.Once
	done          chan struct{}
}

// NewController opens a peer and registers its callbacks.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Role != models.RoleInitiator && cfg.Role != models.RoleResponder {
		return nil, fmt.Errorf("media: invalid role %q", cfg.Role)
	}
	if cfg.Signaler == nil || cfg.Peers == nil {
		return nil, errors.New("media: signaler and peer factory are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	capturer := cfg.Capturer
	if capturer == nil {
		capturer = DeniedCapturer
	}
	peer, err := cfg.Peers()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		identity: cfg.Identity,
		role:     cfg.Role,
		signaler: cfg.Signaler,
		peer:     peer,
		capturer: capturer,
		logger: logger.With(
			zap.String("identity", cfg.Identity),
			zap.String("session_id", cfg.SessionID),
			zap.String("role", string(cfg.Role)),
		),
		events: cfg.Events,
		state:  signaling.StateNew,
		seen:   make(map[uint64]bool),
		done:   make(chan struct{}),
	}
	peer.OnLocalCandidate(c.onLocalCandidate)
	peer.OnRemoteTrack(c.onRemoteTrack)
	peer.OnConnectionStateChange(c.onConnectionState)
	return c, nil
}

// State returns the local negotiation state.
func (c *Controller) State() signaling.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Role() models.Role { return c.role }

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) setState(s signaling.State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

// StartLocalCapture acquires the microphone and adds its track to the peer.
// Call it before the offer or answer is created. A second call returns the
// existing handle.
func (c *Controller) StartLocalCapture(ctx context.Context, constraints AudioConstraints) (*LocalMediaHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	if c.local != nil {
		h := c.local
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	h, err := c.capturer.Capture(ctx, constraints)
	if err != nil {
		return nil, fmt.Errorf("capture microphone: %w", err)
	}
	if err := c.peer.AddLocalTrack(h.Track()); err != nil {
		h.Stop()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		h.Stop()
		return nil, ErrControllerClosed
	}
	h.SetEnabled(!c.muted)
	c.local = h
	return h, nil
}

// CreateOffer creates and publishes the initiator's offer. It is a no-op for
// the responder and after the offer was sent.
func (c *Controller) CreateOffer() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.role != models.RoleInitiator || c.State() != signaling.StateNew {
		c.logger.Debug("create offer out of turn ignored", zap.Stringer("state", c.State()))
		return nil
	}
	offer, err := c.peer.CreateOffer()
	if err != nil {
		return c.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := c.peer.SetLocalDescription(offer); err != nil {
		return c.fail(fmt.Errorf("set local offer: %w", err))
	}
	env, err := c.signaler.PublishOffer(c.identity, offer.SDP)
	if err != nil {
		return c.fail(fmt.Errorf("publish offer: %w", err))
	}
	c.mu.Lock()
	c.offerSeq = env.Seq
	c.mu.Unlock()
	c.setState(signaling.StateOfferSent)
	c.flushLocal()
	c.logger.Debug("offer published", zap.Uint64("seq", env.Seq))
	return nil
}

// HandleOffer applies the initiator's offer and publishes the answer.
// Re-delivery of the applied offer returns the same answer.
func (c *Controller) HandleOffer(offer models.SignalingEnvelope) (models.SignalingEnvelope, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.handleOfferLocked(offer)
}

func (c *Controller) handleOfferLocked(offer models.SignalingEnvelope) (models.SignalingEnvelope, error) {
	c.mu.Lock()
	state, applied, last := c.state, c.offerSeq, c.lastAnswer
	c.mu.Unlock()

	if c.role != models.RoleResponder || offer.Role != models.SDPOffer {
		c.logger.Debug("offer for wrong role ignored")
		return models.SignalingEnvelope{}, nil
	}
	if applied != 0 && offer.Seq == applied {
		return last, nil
	}
	if state != signaling.StateNew {
		c.logger.Debug("offer out of turn ignored", zap.Stringer("state", state), zap.Uint64("seq", offer.Seq))
		return models.SignalingEnvelope{}, nil
	}

	if err := c.peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return models.SignalingEnvelope{}, c.fail(fmt.Errorf("set remote offer: %w", err))
	}
	c.mu.Lock()
	c.remoteSet = true
	c.offerSeq = offer.Seq
	c.mu.Unlock()
	c.flushRemoteLocked()

	answer, err := c.peer.CreateAnswer()
	if err != nil {
		return models.SignalingEnvelope{}, c.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := c.peer.SetLocalDescription(answer); err != nil {
		return models.SignalingEnvelope{}, c.fail(fmt.Errorf("set local answer: %w", err))
	}
	env, err := c.signaler.PublishAnswer(c.identity, answer.SDP, offer.Seq)
	if err != nil {
		return models.SignalingEnvelope{}, c.fail(fmt.Errorf("publish answer: %w", err))
	}
	c.mu.Lock()
	c.lastAnswer = env
	c.mu.Unlock()
	c.setState(signaling.StateAnswerSent)
	c.flushLocal()
	c.logger.Debug("answer published", zap.Uint64("seq", env.Seq))
	return env, nil
}

// ApplyAnswer applies the responder's answer. Re-delivery is a no-op.
func (c *Controller) ApplyAnswer(answer models.SignalingEnvelope) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.applyAnswerLocked(answer)
}

func (c *Controller) applyAnswerLocked(answer models.SignalingEnvelope) error {
	c.mu.Lock()
	state, offerSeq, applied := c.state, c.offerSeq, c.answerSeq
	c.mu.Unlock()

	if c.role != models.RoleInitiator || answer.Role != models.SDPAnswer {
		c.logger.Debug("answer for wrong role ignored")
		return nil
	}
	if applied != 0 && answer.Seq == applied {
		return nil
	}
	if state != signaling.StateOfferSent || answer.OfferSeq != offerSeq {
		c.logger.Debug("answer out of turn ignored",
			zap.Stringer("state", state), zap.Uint64("offer_seq", answer.OfferSeq))
		return nil
	}

	if err := c.peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return c.fail(fmt.Errorf("set remote answer: %w", err))
	}
	c.mu.Lock()
	c.remoteSet = true
	c.answerSeq = answer.Seq
	c.mu.Unlock()
	c.flushRemoteLocked()

	if err := c.signaler.MarkConnected(c.identity); err != nil {
		return c.fail(fmt.Errorf("mark connected: %w", err))
	}
	c.setState(signaling.StateConnected)
	return nil
}

// Sync applies whatever the mailbox snapshot holds for this peer: the offer
// or answer addressed to it and the counterpart's unprocessed candidates.
func (c *Controller) Sync(snap signaling.Snapshot) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isClosed() {
		return
	}

	switch c.role {
	case models.RoleInitiator:
		if snap.Answer != nil {
			_ = c.applyAnswerLocked(*snap.Answer)
		}
	case models.RoleResponder:
		if snap.Offer != nil {
			_, _ = c.handleOfferLocked(*snap.Offer)
		}
		if snap.State == signaling.StateConnected && c.State() == signaling.StateAnswerSent {
			c.setState(signaling.StateConnected)
		}
	}
	for _, rec := range snap.PendingFor(c.identity) {
		c.addRemoteCandidateLocked(rec)
	}
}

// Run follows the mailbox until ctx is done, the mailbox closes or the
// session ends.
func (c *Controller) Run(ctx context.Context) {
	sub := c.signaler.Watch()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			c.Sync(snap)
		}
	}
}

// addRemoteCandidateLocked must be called with opMu held. Candidates that
// arrive before the remote description are buffered.
func (c *Controller) addRemoteCandidateLocked(rec models.IceCandidateRecord) {
	c.mu.Lock()
	if c.seen[rec.ID] {
		c.mu.Unlock()
		return
	}
	c.seen[rec.ID] = true
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, rec)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyRemoteCandidate(rec)
}

func (c *Controller) flushRemoteLocked() {
	c.mu.Lock()
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()
	for _, rec := range pending {
		c.applyRemoteCandidate(rec)
	}
}

func (c *Controller) applyRemoteCandidate(rec models.IceCandidateRecord) {
	init := webrtc.ICECandidateInit{
		Candidate:        rec.Candidate,
		SDPMid:           rec.SDPMid,
		SDPMLineIndex:    rec.SDPMLineIndex,
		UsernameFragment: rec.UsernameFragment,
	}
	if err := c.peer.AddICECandidate(init); err != nil {
		c.logger.Warn("add remote candidate", zap.Uint64("candidate_id", rec.ID), zap.Error(err))
	}
	if err := c.signaler.MarkProcessed(c.identity, rec.ID); err != nil {
		c.logger.Warn("mark candidate processed", zap.Uint64("candidate_id", rec.ID), zap.Error(err))
	}
}

// onLocalCandidate holds candidates back until our own description is
// published, so the counterpart never sees a candidate for an unknown offer.
func (c *Controller) onLocalCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.localPublished {
		c.pendingLocal = append(c.pendingLocal, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.publishCandidate(init)
}

func (c *Controller) flushLocal() {
	c.mu.Lock()
	c.localPublished = true
	pending := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	for _, init := range pending {
		c.publishCandidate(init)
	}
}

func (c *Controller) publishCandidate(init webrtc.ICECandidateInit) {
	_, err := c.signaler.AddCandidate(c.identity, models.IceCandidateRecord{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
	if err != nil {
		c.logger.Warn("publish local candidate", zap.Error(err))
	}
}

// OnRemoteTrack sets the sink for the far side's audio. If a track already
// arrived it is attached immediately.
func (c *Controller) OnRemoteTrack(sink AudioSink) {
	c.mu.Lock()
	old, track := c.sink, c.remote
	c.sink = sink
	c.mu.Unlock()

	if track == nil {
		return
	}
	if old != nil {
		if err := old.Detach(); err != nil {
			c.logger.Warn("detach remote audio", zap.Error(err))
		}
	}
	if sink != nil {
		if err := sink.Attach(track); err != nil {
			c.logger.Warn("attach remote audio", zap.Error(err))
		}
	}
}

func (c *Controller) onRemoteTrack(track RemoteTrack) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	had := c.remote != nil
	c.remote = track
	sink := c.sink
	c.mu.Unlock()

	c.logger.Debug("remote track", zap.String("track_id", track.ID()), zap.Bool("replaces", had))
	if sink == nil {
		return
	}
	if had {
		if err := sink.Detach(); err != nil {
			c.logger.Warn("detach remote audio", zap.Error(err))
		}
	}
	if err := sink.Attach(track); err != nil {
		c.logger.Warn("attach remote audio", zap.Error(err))
	}
}

func (c *Controller) onConnectionState(state webrtc.PeerConnectionState) {
	if c.isClosed() {
		return
	}
	c.logger.Debug("peer connection state", zap.Stringer("state", state))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() {
			if c.events.OnConnected != nil {
				c.events.OnConnected()
			}
		})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		_ = c.fail(fmt.Errorf("%w: connection %s", ErrTransportFailure, state))
	}
}

// fail reports err once through Events.OnFailed and returns it.
func (c *Controller) fail(err error) error {
	if c.isClosed() {
		return err
	}
	if errors.Is(err, signaling.ErrProtocolViolation) {
		c.logger.Warn("signaling protocol violation", zap.Error(err))
	} else {
		c.logger.Warn("call failed", zap.Error(err))
	}
	c.failOnce.Do(func() {
		if c.events.OnFailed != nil {
			c.events.OnFailed(err)
		}
	})
	return err
}

// ToggleMute flips the local track's enabled flag and returns the new muted
// state. No renegotiation happens.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.local != nil {
		c.local.SetEnabled(!c.muted)
	}
	return c.muted
}

// Muted reports the current mute state.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// EndSession stops capture, detaches remote audio and closes the peer. Safe
// from any state and more than once.
func (c *Controller) EndSession() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = signaling.StateClosed
		local, sink, attached := c.local, c.sink, c.remote != nil
		c.local, c.remote = nil, nil
		c.pendingLocal, c.pendingRemote = nil, nil
		c.mu.Unlock()
		close(c.done)

		if local != nil {
			local.Stop()
		}
		if sink != nil && attached {
			err = multierr.Append(err, sink.Detach())
		}
		err = multierr.Append(err, c.peer.Close())
		c.logger.Debug("media session ended")
	})
	return err
}

// Done is closed after EndSession.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
