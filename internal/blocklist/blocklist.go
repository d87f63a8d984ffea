// Package blocklist holds the per-client, time-expiring set of identities a
// client has flagged. Entries belong to the blocking client only; the
// matchmaker consults them through the Registry filter.
package blocklist

import (
	"sort"
	"sync"
	"time"

	"randomtalk/backend/internal/models"

	"github.com/benbjohnson/clock"
)

// List is one owner's block list. Expired entries are pruned lazily on read.
type List struct {
	owner string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]int64 // blocked identity -> expiresAtEpochMillis
}

// NewList creates an empty list for owner.
func NewList(owner string, clk clock.Clock) *List {
	if clk == nil {
		clk = clock.New()
	}
	return &List{owner: owner, clock: clk, entries: make(map[string]int64)}
}

// Owner returns the identity that owns the list.
func (l *List) Owner() string {
	return l.owner
}

// Block flags identity until now+ttl. A later expiry replaces an earlier one.
func (l *List) Block(identity string, ttl time.Duration) models.BlockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires := l.clock.Now().Add(ttl).UnixMilli()
	if cur, ok := l.entries[identity]; !ok || expires > cur {
		l.entries[identity] = expires
	}
	return models.BlockEntry{OwnerID: l.owner, BlockedID: identity, ExpiresAtEpochMillis: l.entries[identity]}
}

// Unblock removes identity from the list.
func (l *List) Unblock(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identity)
}

// IsBlocked reports whether identity is blocked right now. An expired entry is
// removed and not honored.
func (l *List) IsBlocked(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires, ok := l.entries[identity]
	if !ok {
		return false
	}
	if expires <= l.clock.Now().UnixMilli() {
		delete(l.entries, identity)
		return false
	}
	return true
}

// Entries returns the live entries sorted by blocked identity.
func (l *List) Entries() []models.BlockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	out := make([]models.BlockEntry, 0, len(l.entries))
	for id, exp := range l.entries {
		out = append(out, models.BlockEntry{OwnerID: l.owner, BlockedID: id, ExpiresAtEpochMillis: exp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedID < out[j].BlockedID })
	return out
}

// Prune drops expired entries and returns how many were removed.
func (l *List) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked()
}

func (l *List) pruneLocked() int {
	now := l.clock.Now()
	removed := 0
	for id, exp := range l.entries {
		if (models.BlockEntry{ExpiresAtEpochMillis: exp}).ExpiredAt(now) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Load merges previously persisted entries, skipping expired ones and entries
// of other owners.
func (l *List) Load(entries []models.BlockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for _, e := range entries {
		if e.OwnerID != l.owner || e.ExpiredAt(now) {
			continue
		}
		if cur, ok := l.entries[e.BlockedID]; !ok || e.ExpiresAtEpochMillis > cur {
			l.entries[e.BlockedID] = e.ExpiresAtEpochMillis
		}
	}
}

// Len returns the number of entries, expired ones included.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
