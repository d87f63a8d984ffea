package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"

	"go.uber.org/zap"
)

// MemoryStore is the single-process Store: a map guarded by one mutex, so every
// method is a serializable transaction.
type MemoryStore struct {
	opts options

	mu      sync.Mutex
	records map[string]*models.PresenceRecord

	watchers notify.Keyed[string, models.PresenceRecord]
	counts   notify.Topic[int]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		records: make(map[string]*models.PresenceRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

// publish must be called with s.mu held so that subscribers never observe
// notifications out of commit order.
func (s *MemoryStore) publish(recs ...*models.PresenceRecord) {
	for _, rec := range recs {
		s.watchers.Publish(rec.Identity, *rec)
	}
}

func (s *MemoryStore) publishCount() {
	s.counts.Publish(len(s.records))
}

func (s *MemoryStore) RegisterOnline(_ context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("register: %w", ErrNotRegistered)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.clock.Now()
	if rec, ok := s.records[identity]; ok {
		rec.LastSeen = now
		return nil
	}
	rec := &models.PresenceRecord{
		Identity: identity,
		Status:   models.StatusOnline,
		LastSeen: now,

		Preferences: models.Preferences{}.Normalize(),
	}
	s.records[identity] = rec
	s.publish(rec)
	s.publishCount()
	s.opts.logger.Debug("identity online", zap.String("identity", identity))
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return fmt.Errorf("touch %s: %w", identity, ErrNotRegistered)
	}
	rec.LastSeen = s.opts.clock.Now()
	return nil
}

func (s *MemoryStore) BeginSearch(_ context.Context, identity string, prefs models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return fmt.Errorf("begin search %s: %w", identity, ErrNotRegistered)
	}
	if rec.IsPaired() {
		return fmt.Errorf("begin search %s: %w", identity, ErrAlreadyPaired)
	}
	rec.Status = models.StatusSearching
	rec.Preferences = prefs.Normalize()
	rec.LastSeen = s.opts.clock.Now()
	s.publish(rec)
	return nil
}

func (s *MemoryStore) CancelSearch(_ context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return false, fmt.Errorf("cancel search %s: %w", identity, ErrNotRegistered)
	}
	if rec.Status != models.StatusSearching {
		return false, nil
	}
	rec.Status = models.StatusOnline
	s.publish(rec)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Searching(_ context.Context) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pool []models.PresenceRecord
	for _, rec := range s.records {
		if rec.Status == models.StatusSearching {
			pool = append(pool, *rec)
		}
	}
	// Map order is random; sort for stable snapshots. Candidate choice is randomized by the matchmaker.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Identity < pool[j].Identity })
	return pool, nil
}

func (s *MemoryStore) Pair(_ context.Context, initiator, responder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ri, ok := s.records[initiator]
	if !ok {
		return fmt.Errorf("pair %s: %w", initiator, ErrNotRegistered)
	}
	rr, ok := s.records[responder]
	if !ok {
		return fmt.Errorf("pair %s with %s: %w", initiator, responder, ErrPairingRace)
	}
	if err := canPair(ri, rr); err != nil {
		return fmt.Errorf("pair %s with %s: %w", initiator, responder, err)
	}
	link(ri, responder, sessionID, models.RoleInitiator)
	link(rr, initiator, sessionID, models.RoleResponder)
	s.publish(ri, rr)
	return nil
}

func (s *MemoryStore) Unpair(_ context.Context, identity, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return "", fmt.Errorf("unpair %s: %w", identity, ErrNotRegistered)
	}
	if !holds(rec, sessionID) {
		return "", nil
	}
	partner := rec.Partner
	unlink(rec)
	changed := []*models.PresenceRecord{rec}
	if prec, ok := s.records[partner]; ok && prec.Partner == identity {
		unlink(prec)
		changed = append(changed, prec)
	}
	s.publish(changed...)
	return partner, nil
}

func (s *MemoryStore) Detach(_ context.Context, identity, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return fmt.Errorf("detach %s: %w", identity, ErrNotRegistered)
	}
	if !holds(rec, sessionID) {
		return nil
	}
	unlink(rec)
	s.publish(rec)
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		return nil
	}
	delete(s.records, identity)
	if prec, ok := s.records[rec.Partner]; ok && prec.Partner == identity {
		unlink(prec)
		s.publish(prec)
	}
	s.watchers.Publish(identity, models.PresenceRecord{Identity: identity})
	s.publishCount()
	s.opts.logger.Debug("identity offline", zap.String("identity", identity), zap.String("partner", rec.Partner))
	return nil
}

func (s *MemoryStore) Expired(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rec := range s.records {
		if rec.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) OnlineCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MemoryStore) Watch(identity string) *notify.Subscription[models.PresenceRecord] {
	return s.watchers.Subscribe(identity)
}

func (s *MemoryStore) WatchOnlineCount() *notify.Subscription[int] {
	return s.counts.Subscribe()
}
