package presence_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"
	"randomtalk/backend/internal/presence"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type storeFactory func(t *testing.T, clk clock.Clock) presence.Store

func newMemory(t *testing.T, clk clock.Clock) presence.Store {
	return presence.NewMemoryStore(presence.WithClock(clk), presence.WithLogger(zaptest.NewLogger(t)))
}

func newRedis(t *testing.T, clk clock.Clock) presence.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := presence.NewRedisStore(rdb, presence.WithClock(clk), presence.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, store.Start(ctx))
	return store
}

var factories = map[string]storeFactory{
	"memory": newMemory,
	"redis":  newRedis,
}

func forEachStore(t *testing.T, fn func(t *testing.T, store presence.Store, clk *clock.Mock)) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
			fn(t, factory(t, clk), clk)
		})
	}
}

func register(t *testing.T, store presence.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.RegisterOnline(context.Background(), id))
	}
}

func get(t *testing.T, store presence.Store, id string) *models.PresenceRecord {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func waitFor[T any](t *testing.T, sub *notify.Subscription[T], match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for notification")
		}
	}
}

func TestRegisterOnlineIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, clk *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice")
		require.NoError(t, store.BeginSearch(ctx, "alice", models.Preferences{}))

		clk.Add(time.Second)
		require.NoError(t, store.RegisterOnline(ctx, "alice"))

		rec := get(t, store, "alice")
		require.NotNil(t, rec)
		assert.Equal(t, models.StatusSearching, rec.Status, "re-registering must not reset status")
		assert.Equal(t, clk.Now().UnixMilli(), rec.LastSeen.UnixMilli())

		n, err := store.OnlineCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBeginSearchUnknownIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		err := store.BeginSearch(context.Background(), "ghost", models.Preferences{})
		assert.ErrorIs(t, err, presence.ErrNotRegistered)
		assert.Nil(t, get(t, store, "ghost"))
	})
}

func TestPairIsSymmetric(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		// Arrange
		ctx := context.Background()
		register(t, store, "alice", "bob")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{CollegeTag: "MIT"}))

		// Act
		require.NoError(t, store.Pair(ctx, "alice", "bob", "alice_bob_x"))

		// Assert
		a, b := get(t, store, "alice"), get(t, store, "bob")
		assert.Equal(t, "bob", a.Partner)
		assert.Equal(t, "alice", b.Partner)
		assert.Equal(t, models.StatusPaired, a.Status)
		assert.Equal(t, models.StatusPaired, b.Status)
		assert.Equal(t, "alice_bob_x", a.SessionID)
		assert.Equal(t, a.SessionID, b.SessionID)
		assert.Equal(t, models.RoleInitiator, a.Role)
		assert.Equal(t, models.RoleResponder, b.Role)
		assert.Equal(t, "MIT", b.Preferences.CollegeTag)

		pool, err := store.Searching(ctx)
		require.NoError(t, err)
		assert.Empty(t, pool)
	})
}

func TestPairRejectsResponderNotSearching(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")

		err := store.Pair(ctx, "alice", "bob", "s1")
		assert.ErrorIs(t, err, presence.ErrPairingRace)

		err = store.Pair(ctx, "alice", "nobody", "s1")
		assert.ErrorIs(t, err, presence.ErrPairingRace)

		err = store.Pair(ctx, "nobody", "bob", "s1")
		assert.ErrorIs(t, err, presence.ErrNotRegistered)

		assert.Empty(t, get(t, store, "alice").Partner)
		assert.Empty(t, get(t, store, "bob").Partner)
	})
}

func TestPairRejectsAlreadyClaimedResponder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob", "carol")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		err := store.Pair(ctx, "carol", "bob", "s2")

		assert.ErrorIs(t, err, presence.ErrPairingRace)
		assert.Equal(t, "alice", get(t, store, "bob").Partner)
		assert.Empty(t, get(t, store, "carol").Partner)
	})
}

func TestConcurrentPairingNeverDoublePairs(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "target")
		require.NoError(t, store.BeginSearch(ctx, "target", models.Preferences{}))

		const contenders = 8
		var wg sync.WaitGroup
		results := make([]error, contenders)
		for i := 0; i < contenders; i++ {
			id := fmt.Sprintf("c%d", i)
			register(t, store, id)
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				results[i] = store.Pair(ctx, id, "target", "s-"+id)
			}(i, id)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, presence.ErrPairingRace)
			}
		}
		assert.Equal(t, 1, winners)

		target := get(t, store, "target")
		partner := get(t, store, target.Partner)
		require.NotNil(t, partner)
		assert.Equal(t, "target", partner.Partner)
	})
}

func TestUnpairClearsBothSides(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		partner, err := store.Unpair(ctx, "bob", "s1")
		require.NoError(t, err)
		assert.Equal(t, "alice", partner)

		for _, id := range []string{"alice", "bob"} {
			rec := get(t, store, id)
			assert.Equal(t, models.StatusOnline, rec.Status)
			assert.Empty(t, rec.Partner)
			assert.Empty(t, rec.SessionID)
		}

		partner, err = store.Unpair(ctx, "bob", "")
		require.NoError(t, err)
		assert.Empty(t, partner, "second unpair is a no-op")
	})
}

func TestDetachClearsOnlyOwnLink(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		require.NoError(t, store.Detach(ctx, "alice", "s1"))

		assert.Empty(t, get(t, store, "alice").Partner)
		assert.Equal(t, "alice", get(t, store, "bob").Partner)
	})
}

func TestStaleSessionCannotClearNewerLink(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob", "carol")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))
		_, err := store.Unpair(ctx, "alice", "s1")
		require.NoError(t, err)
		require.NoError(t, store.BeginSearch(ctx, "carol", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "carol", "s2"))

		partner, err := store.Unpair(ctx, "alice", "s1")
		require.NoError(t, err)
		assert.Empty(t, partner)
		require.NoError(t, store.Detach(ctx, "alice", "s1"))

		alice, carol := get(t, store, "alice"), get(t, store, "carol")
		assert.Equal(t, "carol", alice.Partner)
		assert.Equal(t, "s2", alice.SessionID)
		assert.Equal(t, "alice", carol.Partner)
	})
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		require.NoError(t, store.MarkOffline(ctx, "alice"))
		first := get(t, store, "bob")
		require.NoError(t, store.MarkOffline(ctx, "alice"))
		second := get(t, store, "bob")

		assert.Nil(t, get(t, store, "alice"))
		assert.Equal(t, first, second)
		assert.Equal(t, models.StatusOnline, second.Status)
		assert.Empty(t, second.Partner)

		n, err := store.OnlineCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// never-registered identity
		assert.NoError(t, store.MarkOffline(ctx, "ghost"))
	})
}

func TestMarkOfflineRemovesFromPool(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice")
		require.NoError(t, store.BeginSearch(ctx, "alice", models.Preferences{}))

		require.NoError(t, store.MarkOffline(ctx, "alice"))

		pool, err := store.Searching(ctx)
		require.NoError(t, err)
		assert.Empty(t, pool)
	})
}

func TestCancelSearch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice")
		require.NoError(t, store.BeginSearch(ctx, "alice", models.Preferences{}))

		was, err := store.CancelSearch(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, was)

		was, err = store.CancelSearch(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, was)
		assert.Equal(t, models.StatusOnline, get(t, store, "alice").Status)
	})
}

func TestBeginSearchWhilePaired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")
		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		err := store.BeginSearch(ctx, "alice", models.Preferences{})
		assert.ErrorIs(t, err, presence.ErrAlreadyPaired)
	})
}

func TestExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, clk *clock.Mock) {
		ctx := context.Background()
		register(t, store, "old")
		clk.Add(time.Minute)
		register(t, store, "fresh")

		ids, err := store.Expired(ctx, clk.Now().Add(-30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)

		require.NoError(t, store.Touch(ctx, "old"))
		ids, err = store.Expired(ctx, clk.Now().Add(-30*time.Second))
		require.NoError(t, err)
		assert.Empty(t, ids)

		assert.ErrorIs(t, store.Touch(ctx, "ghost"), presence.ErrNotRegistered)
	})
}

func TestWatchDeliversPartnerLink(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		ctx := context.Background()
		register(t, store, "alice", "bob")
		sub := store.Watch("bob")
		defer sub.Cancel()

		require.NoError(t, store.BeginSearch(ctx, "bob", models.Preferences{}))
		require.NoError(t, store.Pair(ctx, "alice", "bob", "s1"))

		rec := waitFor(t, sub, func(r models.PresenceRecord) bool { return r.Partner != "" })
		assert.Equal(t, "alice", rec.Partner)
		assert.Equal(t, models.RoleResponder, rec.Role)

		require.NoError(t, store.MarkOffline(ctx, "alice"))
		rec = waitFor(t, sub, func(r models.PresenceRecord) bool { return r.Partner == "" })
		assert.Equal(t, models.StatusOnline, rec.Status)
	})
}

func TestWatchReportsRemoval(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		register(t, store, "alice")
		sub := store.Watch("alice")
		defer sub.Cancel()

		require.NoError(t, store.MarkOffline(context.Background(), "alice"))

		rec := waitFor(t, sub, func(r models.PresenceRecord) bool { return r.Status == "" })
		assert.Equal(t, "alice", rec.Identity)
	})
}

func TestWatchOnlineCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		sub := store.WatchOnlineCount()
		defer sub.Cancel()

		register(t, store, "alice", "bob")
		waitFor(t, sub, func(n int) bool { return n == 2 })

		require.NoError(t, store.MarkOffline(context.Background(), "bob"))
		waitFor(t, sub, func(n int) bool { return n == 1 })
	})
}

func TestCancelledWatchIsClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, store presence.Store, _ *clock.Mock) {
		sub := store.Watch("alice")
		sub.Cancel()
		sub.Cancel()

		register(t, store, "alice")
		_, ok := <-sub.C()
		assert.False(t, ok)
	})
}
