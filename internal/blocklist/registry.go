package blocklist

import (
	"context"
	"sync"
	"time"

	"randomtalk/backend/internal/models"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Persister stores block entries outside the process so an owner's list
// survives a reconnect under the same identity.
type Persister interface {
	SaveBlock(ctx context.Context, entry models.BlockEntry) error
	LoadBlocks(ctx context.Context, ownerID string) ([]models.BlockEntry, error)
	DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error)
}

// Registry keeps the block lists of connected clients.
type Registry struct {
	Clock     clock.Clock
	Persister Persister // optional
	Logger    *zap.Logger

	mu    sync.Mutex
	lists map[string]*List
}

// NewRegistry creates a registry. persister may be nil.
func NewRegistry(clk clock.Clock, persister Persister, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{Clock: clk, Persister: persister, Logger: logger, lists: make(map[string]*List)}
}

// For returns owner's list, creating an empty one if needed.
func (r *Registry) For(owner string) *List {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[owner]
	if !ok {
		l = NewList(owner, r.Clock)
		r.lists[owner] = l
	}
	return l
}

// Load fills owner's list from the persister. Errors are logged: a missing
// block list degrades matching, it does not block the client.
func (r *Registry) Load(ctx context.Context, owner string) *List {
	l := r.For(owner)
	if r.Persister == nil {
		return l
	}
	entries, err := r.Persister.LoadBlocks(ctx, owner)
	if err != nil {
		r.Logger.Warn("load block list", zap.String("identity", owner), zap.Error(err))
		return l
	}
	l.Load(entries)
	return l
}

// Block adds target to owner's list for ttl and persists the entry.
func (r *Registry) Block(ctx context.Context, owner, target string, ttl time.Duration) models.BlockEntry {
	entry := r.For(owner).Block(target, ttl)
	if r.Persister != nil {
		if err := r.Persister.SaveBlock(ctx, entry); err != nil {
			r.Logger.Warn("persist block entry",
				zap.String("identity", owner), zap.String("partner", target), zap.Error(err))
		}
	}
	return entry
}

// Blocks reports whether owner currently blocks target. Unknown owners block nobody.
func (r *Registry) Blocks(owner, target string) bool {
	r.mu.Lock()
	l, ok := r.lists[owner]
	r.mu.Unlock()
	return ok && l.IsBlocked(target)
}

// Either reports whether a blocks b or b blocks a.
func (r *Registry) Either(a, b string) bool {
	return r.Blocks(a, b) || r.Blocks(b, a)
}

// Forget drops owner's in-memory list. Persisted entries stay.
func (r *Registry) Forget(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lists, owner)
}

// PruneAll drops expired entries from every list and from the persister.
func (r *Registry) PruneAll(ctx context.Context) int {
	r.mu.Lock()
	lists := make([]*List, 0, len(r.lists))
	for _, l := range r.lists {
		lists = append(lists, l)
	}
	r.mu.Unlock()

	removed := 0
	for _, l := range lists {
		removed += l.Prune()
	}
	if r.Persister != nil {
		if _, err := r.Persister.DeleteExpiredBlocks(ctx, r.Clock.Now()); err != nil {
			r.Logger.Warn("prune persisted blocks", zap.Error(err))
		}
	}
	return removed
}

// RunPruner calls PruneAll every interval until ctx is done.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := r.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.PruneAll(ctx); n > 0 {
				r.Logger.Debug("pruned block entries", zap.Int("count", n))
			}
		}
	}
}
