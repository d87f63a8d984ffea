package chatlog

import (
	"sync"

	"randomtalk/backend/internal/models"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Registry owns the logs of active sessions.
type Registry struct {
	clock    clock.Clock
	archiver Archiver
	logger   *zap.Logger

	mu   sync.Mutex
	logs map[string]*Log
}

func NewRegistry(clk clock.Clock, archiver Archiver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{clock: clk, archiver: archiver, logger: logger, logs: make(map[string]*Log)}
}

// Open returns the session's log, creating it on first use.
func (r *Registry) Open(sessionID string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[sessionID]
	if !ok {
		l = NewLog(sessionID, r.clock, r.archiver, r.logger)
		r.logs[sessionID] = l
	}
	return l
}

// Get returns the log or nil.
func (r *Registry) Get(sessionID string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[sessionID]
}

// LastMessages returns up to n most recent messages of the session, or nil
// if the session has no log.
func (r *Registry) LastMessages(sessionID string, n int) []models.ChatMessage {
	l := r.Get(sessionID)
	if l == nil {
		return nil
	}
	return l.Last(n)
}

// Close closes and forgets the session's log. Safe for unknown sessions.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	l, ok := r.logs[sessionID]
	delete(r.logs, sessionID)
	r.mu.Unlock()
	if ok {
		l.Close()
	}
}

// Len returns the number of open logs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}
