package chathub

import (
	"sync"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/signaling"

	"go.uber.org/zap"
)

// SignalBridge forwards the counterpart's offer, answer and candidates from
// a session mailbox to a client that negotiates media itself. Delivered
// candidates are marked processed on the client's behalf.
type SignalBridge struct {
	identity    string
	mailbox     *signaling.Mailbox
	out         SignalListener
	onConnected func()
	logger      *zap.Logger

	mu        sync.Mutex
	offerSeq  uint64
	answerSeq uint64
	connected bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewSignalBridge(identity string, mailbox *signaling.Mailbox, out SignalListener, onConnected func(), logger *zap.Logger) *SignalBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalBridge{
		identity:    identity,
		mailbox:     mailbox,
		out:         out,
		onConnected: onConnected,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start follows the mailbox in the background until EndSession or the
// mailbox closes.
func (b *SignalBridge) Start() {
	sub := b.mailbox.Watch()
	go func() {
		defer close(b.done)
		defer sub.Cancel()
		for {
			select {
			case <-b.stop:
				return
			case snap, ok := <-sub.C():
				if !ok {
					return
				}
				b.deliver(snap)
			}
		}
	}()
}

func (b *SignalBridge) deliver(snap signaling.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.identity == b.mailbox.Responder() && snap.Offer != nil && snap.Offer.Seq > b.offerSeq {
		b.offerSeq = snap.Offer.Seq
		b.out.OnOffer(*snap.Offer)
	}
	if b.identity == b.mailbox.Initiator() && snap.Answer != nil && snap.Answer.Seq > b.answerSeq {
		b.answerSeq = snap.Answer.Seq
		b.out.OnAnswer(*snap.Answer)
	}
	for _, rec := range snap.PendingFor(b.identity) {
		b.out.OnCandidate(rec)
		if err := b.mailbox.MarkProcessed(b.identity, rec.ID); err != nil {
			b.logger.Debug("mark candidate processed", zap.Uint64("candidate_id", rec.ID), zap.Error(err))
		}
	}
	if snap.State == signaling.StateConnected && !b.connected {
		b.connected = true
		if b.onConnected != nil {
			b.onConnected()
		}
	}
}

// EndSession stops forwarding. It satisfies supervisor.MediaSession.
func (b *SignalBridge) EndSession() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}

// Done is closed when the bridge stops forwarding.
func (b *SignalBridge) Done() <-chan struct{} {
	return b.done
}

// candidateRecord converts the client's candidate payload.
func candidateRecord(p CandidatePayload) models.IceCandidateRecord {
	return models.IceCandidateRecord{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}
