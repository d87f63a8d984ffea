package matchmaker

import (
	"sync"

	"randomtalk/backend/internal/models"
)

// OutcomeKind is how a search ended.
type OutcomeKind int

const (
	OutcomePaired OutcomeKind = iota + 1
	// OutcomeNoPartner is the normal timeout result; the caller offers a retry.
	OutcomeNoPartner
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePaired:
		return "paired"
	case OutcomeNoPartner:
		return "no_partner"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the final result of a search.
type Outcome struct {
	Kind      OutcomeKind
	Partner   string
	SessionID string
	Role      models.Role
	// Err is ErrNoPartnerAvailable for OutcomeNoPartner.
	Err error
}

// Status is what FindPartner knew when it returned.
type Status int

const (
	StatusSearching Status = iota + 1
	StatusPaired
)

// Search is one findPartner call. Result delivers exactly one Outcome.
type Search struct {
	Identity string
	Status   Status

	result     chan Outcome
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	mu      sync.Mutex
	outcome *Outcome
}

func newSearch(identity string) *Search {
	return &Search{
		Identity: identity,
		Status:   StatusSearching,
		result:   make(chan Outcome, 1),
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Result delivers the outcome once.
func (s *Search) Result() <-chan Outcome { return s.result }

// Done is closed once the outcome is known and the identity has left the pool.
func (s *Search) Done() <-chan struct{} { return s.done }

// Outcome returns the outcome if the search has finished.
func (s *Search) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}

// Cancel aborts a pending search. Safe to call more than once and after the
// search finished.
func (s *Search) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *Search) finish(o Outcome) {
	s.mu.Lock()
	if s.outcome != nil {
		s.mu.Unlock()
		return
	}
	s.outcome = &o
	s.mu.Unlock()
	s.result <- o
	close(s.done)
}
