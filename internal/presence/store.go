// Package presence is the shared registry of online identities, their search
// status and their partner link. All multi-record mutations are single
// transactions: a partner link is never observable on one side only.
package presence

import (
	"context"
	"errors"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	// ErrNotRegistered is returned for operations on an identity the store does not know.
	ErrNotRegistered = errors.New("presence: identity not registered")
	// ErrPairingRace is returned when a pairing candidate was claimed concurrently
	// or is no longer searching.
	ErrPairingRace = errors.New("presence: pairing race")
	// ErrAlreadyPaired is returned by BeginSearch for an identity that holds a partner link.
	ErrAlreadyPaired = errors.New("presence: identity already paired")
)

// Store is the transactional contract the matchmaker and supervisor depend on.
type Store interface {
	// RegisterOnline creates an online record. Calling it for a known identity only refreshes LastSeen.
	RegisterOnline(ctx context.Context, identity string) error
	// Touch refreshes LastSeen.
	Touch(ctx context.Context, identity string) error
	// BeginSearch puts the identity into the searching pool with its preferences.
	BeginSearch(ctx context.Context, identity string, prefs models.Preferences) error
	// CancelSearch moves a searching identity back to online. It reports whether
	// the identity was still searching.
	CancelSearch(ctx context.Context, identity string) (bool, error)
	// Get returns the record or nil when the identity is unknown.
	Get(ctx context.Context, identity string) (*models.PresenceRecord, error)
	// Searching returns a snapshot of the searching pool.
	Searching(ctx context.Context) ([]models.PresenceRecord, error)
	// Pair links initiator and responder in one transaction: both leave the pool,
	// both get the partner link, the session id and their role. The responder must
	// be searching and both must be unlinked, otherwise ErrPairingRace.
	Pair(ctx context.Context, initiator, responder, sessionID string) error
	// Unpair clears the partner link on both sides in one transaction and returns
	// the former partner ("" if there was none). A non-empty sessionID limits it
	// to that session: a newer link of identity is left alone.
	Unpair(ctx context.Context, identity, sessionID string) (string, error)
	// Detach clears only the identity's own link, under the same sessionID
	// rule as Unpair. Used when the symmetric Unpair cannot be committed.
	Detach(ctx context.Context, identity, sessionID string) error
	// MarkOffline removes the identity, releasing its partner link and pool entry.
	// Idempotent.
	MarkOffline(ctx context.Context, identity string) error
	// Expired lists identities whose LastSeen is before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]string, error)
	// OnlineCount returns the number of registered identities.
	OnlineCount(ctx context.Context) (int, error)

	// Watch subscribes to changes of one record. A removed identity is delivered
	// as a record with an empty Status.
	Watch(identity string) *notify.Subscription[models.PresenceRecord]
	// WatchOnlineCount subscribes to online-count changes.
	WatchOnlineCount() *notify.Subscription[int]
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}

// canPair checks the preconditions of a pairing transaction.
func canPair(initiator, responder *models.PresenceRecord) error {
	if initiator.Identity == responder.Identity {
		return ErrPairingRace
	}
	if initiator.Partner != "" || initiator.Status == models.StatusPaired {
		return ErrPairingRace
	}
	if responder.Status != models.StatusSearching || responder.Partner != "" {
		return ErrPairingRace
	}
	return nil
}

func link(rec *models.PresenceRecord, partner, sessionID string, role models.Role) {
	rec.Status = models.StatusPaired
	rec.Partner = partner
	rec.SessionID = sessionID
	rec.Role = role
}

// holds reports whether rec carries a link that sessionID may clear.
func holds(rec *models.PresenceRecord, sessionID string) bool {
	if rec.Partner == "" && rec.Status != models.StatusPaired {
		return false
	}
	return sessionID == "" || rec.SessionID == sessionID
}

func unlink(rec *models.PresenceRecord) {
	rec.Status = models.StatusOnline
	rec.Partner = ""
	rec.SessionID = ""
	rec.Role = ""
}
