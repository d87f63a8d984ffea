package matchmaker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"randomtalk/backend/internal/blocklist"
	"randomtalk/backend/internal/matchmaker"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSessions struct {
	mu        sync.Mutex
	store     presence.Store
	opened    []matchmaker.Pairing
	discarded []string
	// responder status observed when Open ran
	responderStatus []models.Status
}

func (r *recordingSessions) Open(ctx context.Context, p matchmaker.Pairing) error {
	rec, _ := r.store.Get(ctx, p.Responder)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, p)
	if rec != nil {
		r.responderStatus = append(r.responderStatus, rec.Status)
	}
	return nil
}

func (r *recordingSessions) Discard(_ context.Context, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, sessionID)
}

type fixture struct {
	clk      *clock.Mock
	store    *presence.MemoryStore
	blocks   *blocklist.Registry
	sessions *recordingSessions
	metrics  *metrics.Metrics
	mm       *matchmaker.Matchmaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := presence.NewMemoryStore(presence.WithClock(clk))
	f := &fixture{
		clk:      clk,
		store:    store,
		blocks:   blocklist.NewRegistry(clk, nil, zaptest.NewLogger(t)),
		sessions: &recordingSessions{store: store},
		metrics:  metrics.New(),
	}
	f.mm = matchmaker.New(store, f.blocks, f.sessions, zaptest.NewLogger(t))
	f.mm.Clock = clk
	f.mm.Metrics = f.metrics
	return f
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.store.RegisterOnline(context.Background(), id))
	}
}

func awaitOutcome(t *testing.T, s *matchmaker.Search) matchmaker.Outcome {
	t.Helper()
	select {
	case o := <-s.Result():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("search did not finish")
		return matchmaker.Outcome{}
	}
}

func assertPending(t *testing.T, s *matchmaker.Search) {
	t.Helper()
	select {
	case o := <-s.Result():
		t.Fatalf("unexpected outcome %v", o.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestScenarioTwoSearchersArePaired(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")

	// Act
	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusSearching, aliceSearch.Status)

	bobSearch, err := f.mm.FindPartner(ctx, "bob", models.Preferences{})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, matchmaker.StatusPaired, bobSearch.Status)
	bob := awaitOutcome(t, bobSearch)
	alice := awaitOutcome(t, aliceSearch)

	assert.Equal(t, matchmaker.OutcomePaired, bob.Kind)
	assert.Equal(t, matchmaker.OutcomePaired, alice.Kind)
	assert.Equal(t, models.RoleInitiator, bob.Role)
	assert.Equal(t, models.RoleResponder, alice.Role)
	assert.Equal(t, "alice", bob.Partner)
	assert.Equal(t, "bob", alice.Partner)
	assert.Equal(t, bob.SessionID, alice.SessionID)

	require.Len(t, f.sessions.opened, 1)
	assert.Equal(t, bob.SessionID, f.sessions.opened[0].SessionID)
	assert.Equal(t, []models.Status{models.StatusSearching}, f.sessions.responderStatus,
		"session is opened before the pairing commits")
}

func TestConcurrentSearchersPairExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")

	var wg sync.WaitGroup
	searches := make([]*matchmaker.Search, 2)
	for i, id := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			s, err := f.mm.FindPartner(ctx, id, models.Preferences{})
			assert.NoError(t, err)
			searches[i] = s
		}(i, id)
	}
	wg.Wait()

	a, b := awaitOutcome(t, searches[0]), awaitOutcome(t, searches[1])
	require.Equal(t, matchmaker.OutcomePaired, a.Kind)
	require.Equal(t, matchmaker.OutcomePaired, b.Kind)
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.NotEqual(t, a.Role, b.Role, "exactly one initiator")

	pool, err := f.store.Searching(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestScenarioLoneSearcherTimesOut(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice")

	// Act
	search, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	f.clk.Add(29 * time.Second)
	assertPending(t, search)
	f.clk.Add(time.Second)

	// Assert
	out := awaitOutcome(t, search)
	assert.Equal(t, matchmaker.OutcomeNoPartner, out.Kind)
	assert.ErrorIs(t, out.Err, matchmaker.ErrNoPartnerAvailable)

	<-search.Done()
	rec, err := f.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, rec.Status, "removed from the pool")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Counter(metrics.EventSearchTimeout)))
}

func TestCancelRemovesFromPoolOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice")
	search, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	search.Cancel()
	search.Cancel()
	f.mm.CancelSearch("alice")

	out := awaitOutcome(t, search)
	assert.Equal(t, matchmaker.OutcomeCancelled, out.Kind)
	pool, err := f.store.Searching(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)

	f.clk.Add(time.Minute)
	select {
	case o := <-search.Result():
		t.Fatalf("second outcome %v", o.Kind)
	default:
	}
}

func TestNewSearchReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice")
	first, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	second, err := f.mm.FindPartner(ctx, "alice", models.Preferences{CollegeTag: "KPI"})
	require.NoError(t, err)

	assert.Equal(t, matchmaker.OutcomeCancelled, awaitOutcome(t, first).Kind)
	assertPending(t, second)
	rec, _ := f.store.Get(ctx, "alice")
	assert.Equal(t, models.StatusSearching, rec.Status, "old search cleanup did not undo the new one")
	assert.Equal(t, "KPI", rec.Preferences.CollegeTag)
	second.Cancel()
}

func TestScenarioReportedPartnerIsNotRematched(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	f.blocks.Block(ctx, "alice", "bob", 24*time.Hour)

	bobSearch, err := f.mm.FindPartner(ctx, "bob", models.Preferences{})
	require.NoError(t, err)

	// Act
	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, matchmaker.StatusSearching, aliceSearch.Status)
	assertPending(t, aliceSearch)
	assertPending(t, bobSearch)
	aliceSearch.Cancel()
	bobSearch.Cancel()
	awaitOutcome(t, aliceSearch)
	awaitOutcome(t, bobSearch)

	// Після 24 годин запис більше не діє.
	f.clk.Add(24 * time.Hour)
	bobSearch, err = f.mm.FindPartner(ctx, "bob", models.Preferences{})
	require.NoError(t, err)
	aliceSearch, err = f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusPaired, aliceSearch.Status)
	assert.Equal(t, "alice", awaitOutcome(t, bobSearch).Partner)
}

func TestBlockIsHonoredInBothDirections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	f.blocks.Block(ctx, "bob", "alice", time.Hour)

	bobSearch, _ := f.mm.FindPartner(ctx, "bob", models.Preferences{})
	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	assert.Equal(t, matchmaker.StatusSearching, aliceSearch.Status)
	aliceSearch.Cancel()
	bobSearch.Cancel()
}

func TestIncompatiblePreferencesAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob", "carol")

	bobSearch, _ := f.mm.FindPartner(ctx, "bob", models.Preferences{CollegeTag: "MIT"})
	voiceSearch, _ := f.mm.FindPartner(ctx, "carol", models.Preferences{Mode: models.ModeVoice})

	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{CollegeTag: "mit"})
	require.NoError(t, err)

	assert.Equal(t, matchmaker.StatusPaired, aliceSearch.Status)
	assert.Equal(t, "bob", awaitOutcome(t, aliceSearch).Partner)
	assert.Equal(t, "alice", awaitOutcome(t, bobSearch).Partner)
	assertPending(t, voiceSearch)
	voiceSearch.Cancel()
}

func TestStalePartnerLinkIsCleared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	require.NoError(t, f.store.BeginSearch(ctx, "bob", models.Preferences{}))
	require.NoError(t, f.store.Pair(ctx, "alice", "bob", "old_session"))

	search, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	bob, _ := f.store.Get(ctx, "bob")
	assert.Empty(t, bob.Partner, "stale link cleared on both sides")
	assert.Equal(t, matchmaker.StatusSearching, search.Status)
	search.Cancel()
}

// racyStore loses the first n pairing transactions.
type racyStore struct {
	presence.Store
	mu    sync.Mutex
	races int
}

func (s *racyStore) Pair(ctx context.Context, initiator, responder, sessionID string) error {
	s.mu.Lock()
	if s.races > 0 {
		s.races--
		s.mu.Unlock()
		return presence.ErrPairingRace
	}
	s.mu.Unlock()
	return s.Store.Pair(ctx, initiator, responder, sessionID)
}

func TestPairingRaceIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	racy := &racyStore{Store: f.store, races: 1}
	f.mm.Store = racy
	bobSearch, _ := f.mm.FindPartner(ctx, "bob", models.Preferences{})

	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})

	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusPaired, aliceSearch.Status)
	assert.Len(t, f.sessions.discarded, 1, "losing attempt's session discarded")
	awaitOutcome(t, bobSearch)
}

func TestPairingRaceTwiceFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	bobSearch, _ := f.mm.FindPartner(ctx, "bob", models.Preferences{})
	// retry once before enqueue, and once more in the post-enqueue sweep
	f.mm.Store = &racyStore{Store: f.store, races: 4}

	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})

	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusSearching, aliceSearch.Status, "re-queued, never half-paired")
	for _, id := range []string{"alice", "bob"} {
		rec, _ := f.store.Get(ctx, id)
		assert.Empty(t, rec.Partner)
	}
	aliceSearch.Cancel()
	bobSearch.Cancel()
}

func TestRandomPickIsUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob", "carol", "dave")
	for _, id := range []string{"bob", "carol", "dave"} {
		require.NoError(t, f.store.BeginSearch(ctx, id, models.Preferences{}))
	}
	var offered []int
	f.mm.Pick = func(n int) int {
		offered = append(offered, n)
		return n - 1
	}

	search, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})

	require.NoError(t, err)
	assert.Equal(t, []int{3}, offered)
	assert.Equal(t, "dave", awaitOutcome(t, search).Partner, "last of the sorted pool")
}

func TestFindPartnerUnknownIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.mm.FindPartner(context.Background(), "ghost", models.Preferences{})

	assert.ErrorIs(t, err, presence.ErrNotRegistered)
}

func TestUndonePairingReturnsWaiterToPool(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "carol")
	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)
	require.Equal(t, matchmaker.StatusSearching, aliceSearch.Status)

	// Act: the record drops to online without alice seeing a pairing, as
	// when a pairing is committed and undone at once.
	was, err := f.store.CancelSearch(ctx, "alice")
	require.NoError(t, err)
	require.True(t, was)

	// Assert
	require.Eventually(t, func() bool {
		rec, err := f.store.Get(ctx, "alice")
		return err == nil && rec.Status == models.StatusSearching
	}, time.Second, 5*time.Millisecond)
	assertPending(t, aliceSearch)

	carolSearch, err := f.mm.FindPartner(ctx, "carol", models.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusPaired, carolSearch.Status)
	alice := awaitOutcome(t, aliceSearch)
	assert.Equal(t, matchmaker.OutcomePaired, alice.Kind)
	assert.Equal(t, "carol", alice.Partner)
}

func TestPairThenUnpairNeverStrandsWaiter(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice", "bob")
	aliceSearch, err := f.mm.FindPartner(ctx, "alice", models.Preferences{})
	require.NoError(t, err)

	// Act
	require.NoError(t, f.store.Pair(ctx, "bob", "alice", "s1"))
	_, err = f.store.Unpair(ctx, "bob", "s1")
	require.NoError(t, err)

	// Assert: either alice saw the pairing, or she is searching again.
	require.Eventually(t, func() bool {
		if o, done := aliceSearch.Outcome(); done {
			return o.Kind == matchmaker.OutcomePaired
		}
		rec, err := f.store.Get(ctx, "alice")
		return err == nil && rec.Status == models.StatusSearching
	}, time.Second, 5*time.Millisecond)
	if _, done := aliceSearch.Outcome(); !done {
		assert.True(t, f.mm.Searching("alice"))
	}
}

func TestSearcherGoingOfflineEndsSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "alice")
	search, _ := f.mm.FindPartner(ctx, "alice", models.Preferences{})

	require.NoError(t, f.store.MarkOffline(ctx, "alice"))

	assert.Equal(t, matchmaker.OutcomeCancelled, awaitOutcome(t, search).Kind)
}

func TestNewSessionID(t *testing.T) {
	a := matchmaker.NewSessionID("bob", "alice")
	b := matchmaker.NewSessionID("alice", "bob")

	assert.True(t, strings.HasPrefix(a, "alice_bob_"))
	assert.True(t, strings.HasPrefix(b, "alice_bob_"))
	assert.NotEqual(t, a, b, "uniqueness token differs per session")
}
