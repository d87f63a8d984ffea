// Package signaling is the per-session relay for the offer/answer handshake
// and the append-only ICE candidate list.
package signaling

import (
	"errors"
	"fmt"
	"sync"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"

	"go.uber.org/zap"
)

// ErrProtocolViolation marks an out-of-turn offer, answer or candidate. The
// violating write is dropped; the session itself stays alive.
var ErrProtocolViolation = errors.New("signaling: protocol violation")

// ErrClosed is returned for writes to a torn-down mailbox.
var ErrClosed = errors.New("signaling: mailbox closed")

// State is the negotiation progress of one session.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOfferSent:
		return "OFFER_SENT"
	case StateAnswerSent:
		return "ANSWER_SENT"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent copy of a mailbox.
type Snapshot struct {
	SessionID  string
	State      State
	Offer      *models.SignalingEnvelope
	Answer     *models.SignalingEnvelope
	Candidates []models.IceCandidateRecord
}

// PendingFor returns the counterpart's candidates that receiver has not processed yet.
func (s Snapshot) PendingFor(receiver string) []models.IceCandidateRecord {
	var out []models.IceCandidateRecord
	for _, c := range s.Candidates {
		if c.SenderID != receiver && !c.Processed {
			out = append(out, c)
		}
	}
	return out
}

// Mailbox holds one session's offer slot, answer slot and candidate list.
type Mailbox struct {
	sessionID string
	initiator string
	responder string
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	seq        uint64
	offer      *models.SignalingEnvelope
	answer     *models.SignalingEnvelope
	candidates []models.IceCandidateRecord

	watchers notify.Topic[Snapshot]
}

// NewMailbox creates an empty mailbox in StateNew.
func NewMailbox(sessionID, initiator, responder string, logger *zap.Logger) *Mailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{
		sessionID: sessionID,
		initiator: initiator,
		responder: responder,
		logger:    logger.With(zap.String("session_id", sessionID)),
	}
}

func (m *Mailbox) SessionID() string { return m.sessionID }
func (m *Mailbox) Initiator() string { return m.initiator }
func (m *Mailbox) Responder() string { return m.responder }

// Counterpart returns the other participant, or "" if identity is not one.
func (m *Mailbox) Counterpart(identity string) string {
	switch identity {
	case m.initiator:
		return m.responder
	case m.responder:
		return m.initiator
	default:
		return ""
	}
}

func (m *Mailbox) violation(format string, args ...interface{}) error {
	err := fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocolViolation}, args...)...)
	m.logger.Warn("signaling violation", zap.Stringer("state", m.state), zap.Error(err))
	return err
}

// PublishOffer writes the initiator's offer. Re-publishing the same SDP is a
// no-op; a different SDP replaces the offer only while no answer was written.
func (m *Mailbox) PublishOffer(sender, sdp string) (models.SignalingEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return models.SignalingEnvelope{}, ErrClosed
	}
	if sender != m.initiator {
		return models.SignalingEnvelope{}, m.violation("offer from non-initiator %q", sender)
	}
	if m.offer != nil && m.offer.SDP == sdp {
		return *m.offer, nil
	}
	if m.state != StateNew && m.state != StateOfferSent {
		return models.SignalingEnvelope{}, m.violation("offer in state %s", m.state)
	}

	m.seq++
	m.offer = &models.SignalingEnvelope{
		SessionID: m.sessionID,
		Role:      models.SDPOffer,
		SDP:       sdp,
		SenderID:  sender,
		Seq:       m.seq,
	}
	m.answer = nil
	m.state = StateOfferSent
	m.publishLocked()
	return *m.offer, nil
}

// PublishAnswer writes the responder's answer to the current offer. offerSeq
// names the offer being answered; zero means the current one.
func (m *Mailbox) PublishAnswer(sender, sdp string, offerSeq uint64) (models.SignalingEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return models.SignalingEnvelope{}, ErrClosed
	}
	if sender != m.responder {
		return models.SignalingEnvelope{}, m.violation("answer from non-responder %q", sender)
	}
	if m.answer != nil && m.answer.SDP == sdp {
		return *m.answer, nil
	}
	if m.state != StateOfferSent || m.offer == nil {
		return models.SignalingEnvelope{}, m.violation("answer in state %s", m.state)
	}
	if offerSeq != 0 && offerSeq != m.offer.Seq {
		return models.SignalingEnvelope{}, m.violation("answer to stale offer %d (current %d)", offerSeq, m.offer.Seq)
	}

	m.seq++
	m.answer = &models.SignalingEnvelope{
		SessionID: m.sessionID,
		Role:      models.SDPAnswer,
		SDP:       sdp,
		SenderID:  sender,
		Seq:       m.seq,
		OfferSeq:  m.offer.Seq,
	}
	m.state = StateAnswerSent
	m.publishLocked()
	return *m.answer, nil
}

// MarkConnected records that the answer was applied. Repeated calls are no-ops.
func (m *Mailbox) MarkConnected(sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == StateClosed:
		return ErrClosed
	case m.Counterpart(sender) == "":
		return m.violation("connect from outsider %q", sender)
	case m.state == StateConnected:
		return nil
	case m.state != StateAnswerSent:
		return m.violation("connect in state %s", m.state)
	}
	m.state = StateConnected
	m.publishLocked()
	return nil
}

// AddCandidate appends a candidate published by sender. Allowed from
// StateOfferSent onward.
func (m *Mailbox) AddCandidate(sender string, c models.IceCandidateRecord) (models.IceCandidateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return models.IceCandidateRecord{}, ErrClosed
	}
	if m.Counterpart(sender) == "" {
		return models.IceCandidateRecord{}, m.violation("candidate from outsider %q", sender)
	}
	if m.state == StateNew {
		return models.IceCandidateRecord{}, m.violation("candidate before offer")
	}
	c.ID = uint64(len(m.candidates) + 1)
	c.SessionID = m.sessionID
	c.SenderID = sender
	c.Processed = false
	m.candidates = append(m.candidates, c)
	m.publishLocked()
	return c, nil
}

// Pending returns the counterpart's unprocessed candidates for receiver.
func (m *Mailbox) Pending(receiver string) []models.IceCandidateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().PendingFor(receiver)
}

// MarkProcessed flags candidate id as consumed. Only the receiving side may
// flag a record; flagging twice is a no-op.
func (m *Mailbox) MarkProcessed(receiver string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id > uint64(len(m.candidates)) {
		return fmt.Errorf("signaling: unknown candidate %d", id)
	}
	c := &m.candidates[id-1]
	if c.SenderID == receiver || m.Counterpart(receiver) == "" {
		return m.violation("candidate %d flagged by %q", id, receiver)
	}
	if c.Processed {
		return nil
	}
	c.Processed = true
	m.publishLocked()
	return nil
}

// State returns the current negotiation state.
func (m *Mailbox) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a consistent copy.
func (m *Mailbox) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Watch subscribes to mailbox changes; the current snapshot is delivered at once.
func (m *Mailbox) Watch() *notify.Subscription[Snapshot] {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.watchers.Subscribe()
	m.watchers.Publish(m.snapshotLocked())
	return sub
}

// Close moves the mailbox to StateClosed and cancels watchers. Records stay
// readable through Snapshot until the mailbox is dropped.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.mu.Unlock()
	m.watchers.Close()
}

func (m *Mailbox) snapshotLocked() Snapshot {
	snap := Snapshot{SessionID: m.sessionID, State: m.state}
	if m.offer != nil {
		o := *m.offer
		snap.Offer = &o
	}
	if m.answer != nil {
		a := *m.answer
		snap.Answer = &a
	}
	snap.Candidates = make([]models.IceCandidateRecord, len(m.candidates))
	copy(snap.Candidates, m.candidates)
	return snap
}

func (m *Mailbox) publishLocked() {
	m.watchers.Publish(m.snapshotLocked())
}
