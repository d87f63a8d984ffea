package signaling

import (
	"sync"

	"go.uber.org/zap"
)

// Relay owns the mailboxes of active sessions.
type Relay struct {
	logger *zap.Logger

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

func NewRelay(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{logger: logger, mailboxes: make(map[string]*Mailbox)}
}

// Open returns the session's mailbox, creating it on first use.
func (r *Relay) Open(sessionID, initiator, responder string) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[sessionID]
	if !ok {
		mb = NewMailbox(sessionID, initiator, responder, r.logger)
		r.mailboxes[sessionID] = mb
	}
	return mb
}

// Get returns the mailbox or nil.
func (r *Relay) Get(sessionID string) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailboxes[sessionID]
}

// Close closes and drops the session's mailbox. Safe for unknown sessions.
func (r *Relay) Close(sessionID string) {
	r.mu.Lock()
	mb, ok := r.mailboxes[sessionID]
	delete(r.mailboxes, sessionID)
	r.mu.Unlock()
	if ok {
		mb.Close()
	}
}

// Len returns the number of open mailboxes.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes)
}
