// Package matchmaker pairs searching identities. Pairing is a single store
// transaction; the caller that commits it becomes the initiator and the
// identity that was waiting in the pool becomes the responder.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNoPartnerAvailable is carried by OutcomeNoPartner. It is a normal
// outcome, not a failure.
var ErrNoPartnerAvailable = errors.New("matchmaker: no partner available")

// BlockFilter reports whether either identity has blocked the other.
// *blocklist.Registry satisfies it.
type BlockFilter interface {
	Either(a, b string) bool
}

// Pairing describes a committed pairing.
type Pairing struct {
	SessionID   string
	Initiator   string
	Responder   string
	Preferences models.Preferences
	StartedAt   time.Time
}

// SessionOpener prepares per-session state. Open runs before the pairing
// transaction so the responder finds the session ready when it learns of
// the link; Discard undoes it if the transaction does not commit.
type SessionOpener interface {
	Open(ctx context.Context, p Pairing) error
	Discard(ctx context.Context, sessionID string)
}

type Matchmaker struct {
	Store    presence.Store
	Blocks   BlockFilter
	Sessions SessionOpener
	Clock    clock.Clock
	Timeout  time.Duration
	Retries  int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// Pick returns an index in [0, n). Defaults to a uniform random pick.
	Pick func(n int) int

	mu       sync.Mutex
	searches map[string]*Search
}

// New creates a matchmaker with the default timeout and retry count.
func New(store presence.Store, blocks BlockFilter, sessions SessionOpener, logger *zap.Logger) *Matchmaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matchmaker{
		Store:    store,
		Blocks:   blocks,
		Sessions: sessions,
		Clock:    clock.New(),
		Timeout:  config.SearchTimeout,
		Retries:  config.PairingRetries,
		Logger:   logger,
		Pick:     rand.IntN,
		searches: make(map[string]*Search),
	}
}

// FindPartner pairs self with a compatible searching identity or puts self in
// the pool and waits in the background. It returns at once; the Search's
// Result channel delivers the outcome.
func (m *Matchmaker) FindPartner(ctx context.Context, self string, prefs models.Preferences) (*Search, error) {
	prefs = prefs.Normalize()
	started := m.Clock.Now()
	log := m.Logger.With(zap.String("identity", self))

	m.replaceSearch(self)

	rec, err := m.Store.Get(ctx, self)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		log.Warn("find partner for unknown identity")
		return nil, fmt.Errorf("find partner %s: %w", self, presence.ErrNotRegistered)
	}
	if rec.Partner != "" || rec.Status == models.StatusPaired {
		// Залишок від сесії, що впала: без очищення повторний пошук заблоковано.
		if _, err := m.Store.Unpair(ctx, self, rec.SessionID); err != nil {
			log.Warn("clear stale partner link", zap.Error(err))
			if err := m.Store.Detach(ctx, self, rec.SessionID); err != nil {
				return nil, err
			}
		}
	}

	search := newSearch(self)
	sub := m.Store.Watch(self)

	if p, err := m.TryPair(ctx, self, prefs); err != nil {
		sub.Cancel()
		return nil, err
	} else if p != nil {
		sub.Cancel()
		return m.resolved(search, *p, started), nil
	}

	if err := m.Store.BeginSearch(ctx, self, prefs); err != nil {
		sub.Cancel()
		return nil, err
	}

	// Two callers may both have found an empty pool; whoever sweeps again
	// after enqueueing pairs them.
	if p, err := m.TryPair(ctx, self, prefs); err != nil {
		log.Warn("pairing sweep after enqueue", zap.Error(err))
	} else if p != nil {
		sub.Cancel()
		return m.resolved(search, *p, started), nil
	}

	timer := m.Clock.Timer(m.Timeout)
	m.mu.Lock()
	m.searches[self] = search
	m.mu.Unlock()

	log.Debug("waiting for partner", zap.Duration("timeout", m.Timeout))
	go m.wait(search, prefs, sub.C(), sub.Cancel, timer, started)
	return search, nil
}

func (m *Matchmaker) resolved(search *Search, p Pairing, started time.Time) *Search {
	search.Status = StatusPaired
	m.Metrics.ObserveSearch(m.Clock.Since(started))
	search.finish(Outcome{
		Kind:      OutcomePaired,
		Partner:   p.Responder,
		SessionID: p.SessionID,
		Role:      models.RoleInitiator,
	})
	return search
}

// replaceSearch cancels a previous search of self and waits until it has
// left the pool, so its cleanup cannot undo the new search.
func (m *Matchmaker) replaceSearch(self string) {
	m.mu.Lock()
	prev := m.searches[self]
	delete(m.searches, self)
	m.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}
}

func (m *Matchmaker) wait(search *Search, prefs models.Preferences, updates <-chan models.PresenceRecord, unsubscribe func(), timer *clock.Timer, started time.Time) {
	defer func() {
		timer.Stop()
		unsubscribe()
		m.mu.Lock()
		if m.searches[search.Identity] == search {
			delete(m.searches, search.Identity)
		}
		m.mu.Unlock()
	}()

	ctx := context.Background()
	self := search.Identity
	log := m.Logger.With(zap.String("identity", self))

	for {
		select {
		case rec, ok := <-updates:
			if !ok {
				search.finish(Outcome{Kind: OutcomeCancelled})
				return
			}
			if rec.Status == "" {
				log.Debug("identity went offline while searching")
				search.finish(Outcome{Kind: OutcomeCancelled})
				return
			}
			if rec.IsPaired() {
				m.Metrics.ObserveSearch(m.Clock.Since(started))
				log.Info("paired as responder", zap.String("partner", rec.Partner), zap.String("session_id", rec.SessionID))
				search.finish(Outcome{Kind: OutcomePaired, Partner: rec.Partner, SessionID: rec.SessionID, Role: rec.Role})
				return
			}
			if rec.Status == models.StatusOnline {
				// Пару створили й одразу розірвали, поки ми її не побачили.
				if o, done := m.rejoin(ctx, self, prefs); done {
					if o.Kind == OutcomePaired {
						m.Metrics.ObserveSearch(m.Clock.Since(started))
					}
					search.finish(o)
					return
				}
			}
		case <-timer.C:
			if o, paired := m.leavePool(ctx, self); paired {
				search.finish(o)
				return
			}
			m.Metrics.Inc(metrics.EventSearchTimeout)
			m.Metrics.ObserveSearch(m.Clock.Since(started))
			log.Info("no partner found", zap.Duration("timeout", m.Timeout))
			search.finish(Outcome{Kind: OutcomeNoPartner, Err: ErrNoPartnerAvailable})
			return
		case <-search.cancel:
			if o, paired := m.leavePool(ctx, self); paired {
				search.finish(o)
				return
			}
			m.Metrics.Inc(metrics.EventSearchCancelled)
			log.Debug("search cancelled")
			search.finish(Outcome{Kind: OutcomeCancelled})
			return
		}
	}
}

// leavePool removes self from the pool. If a pairing committed in the
// meantime, the pairing wins and is returned instead.
func (m *Matchmaker) leavePool(ctx context.Context, self string) (Outcome, bool) {
	was, err := m.Store.CancelSearch(ctx, self)
	if err != nil && !errors.Is(err, presence.ErrNotRegistered) {
		m.Logger.Warn("leave search pool", zap.String("identity", self), zap.Error(err))
	}
	if was {
		return Outcome{}, false
	}
	rec, err := m.Store.Get(ctx, self)
	if err != nil || rec == nil || !rec.IsPaired() {
		return Outcome{}, false
	}
	return Outcome{Kind: OutcomePaired, Partner: rec.Partner, SessionID: rec.SessionID, Role: rec.Role}, true
}

// rejoin puts a waiter whose record fell back to online into the pool again
// and sweeps once. It reports done when the search has an outcome.
func (m *Matchmaker) rejoin(ctx context.Context, self string, prefs models.Preferences) (Outcome, bool) {
	log := m.Logger.With(zap.String("identity", self))
	err := m.Store.BeginSearch(ctx, self, prefs)
	switch {
	case err == nil:
		log.Debug("pairing undone before delivery, back in the pool")
		p, err := m.TryPair(ctx, self, prefs)
		if err != nil {
			log.Warn("pairing sweep after rejoin", zap.Error(err))
		}
		if p == nil {
			return Outcome{}, false
		}
		return Outcome{Kind: OutcomePaired, Partner: p.Responder, SessionID: p.SessionID, Role: models.RoleInitiator}, true
	case errors.Is(err, presence.ErrAlreadyPaired):
		rec, gerr := m.Store.Get(ctx, self)
		if gerr == nil && rec != nil && rec.IsPaired() {
			return Outcome{Kind: OutcomePaired, Partner: rec.Partner, SessionID: rec.SessionID, Role: rec.Role}, true
		}
		return Outcome{}, false
	default:
		log.Warn("rejoin search pool", zap.Error(err))
		return Outcome{Kind: OutcomeCancelled}, true
	}
}

// CancelSearch aborts self's pending search, if any, and waits for it to end.
func (m *Matchmaker) CancelSearch(self string) {
	m.replaceSearch(self)
}

// TryPair attempts to pair self, as initiator, with a random compatible
// candidate. It returns nil when no candidate is available or every attempt
// lost a race.
func (m *Matchmaker) TryPair(ctx context.Context, self string, prefs models.Preferences) (*Pairing, error) {
	for attempt := 0; attempt <= m.Retries; attempt++ {
		candidates, err := m.candidates(ctx, self, prefs)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		partner := candidates[m.Pick(len(candidates))]

		p := Pairing{
			SessionID:   NewSessionID(self, partner.Identity),
			Initiator:   self,
			Responder:   partner.Identity,
			Preferences: prefs,
			StartedAt:   m.Clock.Now(),
		}
		if m.Sessions != nil {
			if err := m.Sessions.Open(ctx, p); err != nil {
				return nil, fmt.Errorf("open session: %w", err)
			}
		}
		err = m.Store.Pair(ctx, self, partner.Identity, p.SessionID)
		if err == nil {
			m.Metrics.Inc(metrics.EventPairing)
			m.Logger.Info("paired",
				zap.String("identity", self),
				zap.String("partner", partner.Identity),
				zap.String("session_id", p.SessionID))
			return &p, nil
		}
		if m.Sessions != nil {
			m.Sessions.Discard(ctx, p.SessionID)
		}
		if !errors.Is(err, presence.ErrPairingRace) {
			return nil, err
		}
		m.Metrics.Inc(metrics.EventPairingRace)
		m.Logger.Debug("pairing race", zap.String("identity", self), zap.String("partner", partner.Identity), zap.Int("attempt", attempt))
		if rec, err := m.Store.Get(ctx, self); err == nil && rec != nil && rec.IsPaired() {
			// Нас самих уже взяли в пару як респондента.
			return nil, nil
		}
	}
	return nil, nil
}

// candidates filters the pool: self, blocked identities in either direction,
// linked identities and incompatible preferences are removed.
func (m *Matchmaker) candidates(ctx context.Context, self string, prefs models.Preferences) ([]models.PresenceRecord, error) {
	pool, err := m.Store.Searching(ctx)
	if err != nil {
		return nil, err
	}
	out := pool[:0]
	for _, rec := range pool {
		switch {
		case rec.Identity == self:
		case rec.Partner != "":
		case m.Blocks != nil && m.Blocks.Either(self, rec.Identity):
		case !prefs.CompatibleWith(rec.Preferences):
		default:
			out = append(out, rec)
		}
	}
	return out, nil
}

// Searching reports whether self has a pending search.
func (m *Matchmaker) Searching(self string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.searches[self]
	return ok
}
