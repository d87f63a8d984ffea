package presence

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Reaper marks identities offline once their LastSeen is older than TTL.
// Marking offline releases the partner link, which is how the remote side
// learns that a partner vanished without an explicit end.
type Reaper struct {
	Store    Store
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger

	// OnReaped, if set, is called for every identity removed by a sweep.
	OnReaped func(identity string)
}

// NewReaper creates a reaper with the real clock.
func NewReaper(store Store, ttl, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		Store:    store,
		TTL:      ttl,
		Interval: interval,
		Clock:    clock.New(),
		Logger:   logger,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.Clock.Ticker(r.Interval)
	defer ticker.Stop()

	r.Logger.Info("presence reaper started", zap.Duration("ttl", r.TTL), zap.Duration("interval", r.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.Logger.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes every expired identity once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.Clock.Now().Add(-r.TTL)
	expired, err := r.Store.Expired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range expired {
		if err := r.Store.MarkOffline(ctx, id); err != nil {
			r.Logger.Warn("reap identity", zap.String("identity", id), zap.Error(err))
			continue
		}
		removed++
		r.Logger.Info("identity expired", zap.String("identity", id))
		if r.OnReaped != nil {
			r.OnReaped(id)
		}
	}
	return removed, nil
}
