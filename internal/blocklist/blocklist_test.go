package blocklist_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"randomtalk/backend/internal/blocklist"
	"randomtalk/backend/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveBlock(ctx context.Context, entry models.BlockEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockPersister) LoadBlocks(ctx context.Context, ownerID string) ([]models.BlockEntry, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BlockEntry), args.Error(1)
}

func (m *MockPersister) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func TestListBlockAndExpire(t *testing.T) {
	// Arrange
	clk := clock.NewMock()
	list := blocklist.NewList("alice", clk)

	// Act
	entry := list.Block("bob", 24*time.Hour)

	// Assert
	assert.Equal(t, "alice", entry.OwnerID)
	assert.Equal(t, clk.Now().Add(24*time.Hour).UnixMilli(), entry.ExpiresAtEpochMillis)
	assert.True(t, list.IsBlocked("bob"))
	assert.False(t, list.IsBlocked("carol"))

	clk.Add(24*time.Hour - time.Millisecond)
	assert.True(t, list.IsBlocked("bob"))

	clk.Add(time.Millisecond)
	assert.False(t, list.IsBlocked("bob"), "entry expiring exactly now is not honored")
	assert.Equal(t, 0, list.Len(), "expired entry is pruned on read")
}

func TestListBlockKeepsLaterExpiry(t *testing.T) {
	clk := clock.NewMock()
	list := blocklist.NewList("alice", clk)

	long := list.Block("bob", 24*time.Hour)
	short := list.Block("bob", time.Hour)

	assert.Equal(t, long.ExpiresAtEpochMillis, short.ExpiresAtEpochMillis)
}

func TestListEntriesPrunes(t *testing.T) {
	clk := clock.NewMock()
	list := blocklist.NewList("alice", clk)
	list.Block("bob", time.Minute)
	list.Block("carol", time.Hour)
	list.Block("dave", 2*time.Hour)

	clk.Add(30 * time.Minute)
	entries := list.Entries()

	require.Len(t, entries, 2)
	assert.Equal(t, "carol", entries[0].BlockedID)
	assert.Equal(t, "dave", entries[1].BlockedID)

	list.Unblock("dave")
	assert.False(t, list.IsBlocked("dave"))
}

func TestListLoadSkipsExpiredAndForeign(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	now := clk.Now().UnixMilli()
	list := blocklist.NewList("alice", clk)

	list.Load([]models.BlockEntry{
		{OwnerID: "alice", BlockedID: "bob", ExpiresAtEpochMillis: now + 1000},
		{OwnerID: "alice", BlockedID: "carol", ExpiresAtEpochMillis: now - 1},
		{OwnerID: "mallory", BlockedID: "dave", ExpiresAtEpochMillis: now + 1000},
	})

	assert.True(t, list.IsBlocked("bob"))
	assert.False(t, list.IsBlocked("carol"))
	assert.False(t, list.IsBlocked("dave"))
	assert.Equal(t, 1, list.Len())
}

func TestRegistryBlockPersists(t *testing.T) {
	// Arrange
	ctx := context.Background()
	clk := clock.NewMock()
	persister := new(MockPersister)
	persister.On("SaveBlock", ctx, mock.MatchedBy(func(e models.BlockEntry) bool {
		return e.OwnerID == "alice" && e.BlockedID == "bob"
	})).Return(nil).Once()
	reg := blocklist.NewRegistry(clk, persister, zaptest.NewLogger(t))

	// Act
	reg.Block(ctx, "alice", "bob", 24*time.Hour)

	// Assert
	persister.AssertExpectations(t)
	assert.True(t, reg.Blocks("alice", "bob"))
	assert.False(t, reg.Blocks("bob", "alice"), "block lists are not shared with the blocked side")
	assert.True(t, reg.Either("bob", "alice"))
	assert.False(t, reg.Blocks("nobody", "alice"))
}

func TestRegistryPersistFailureKeepsLocalEntry(t *testing.T) {
	ctx := context.Background()
	persister := new(MockPersister)
	persister.On("SaveBlock", ctx, mock.Anything).Return(errors.New("db down"))
	reg := blocklist.NewRegistry(clock.NewMock(), persister, zaptest.NewLogger(t))

	reg.Block(ctx, "alice", "bob", time.Hour)

	assert.True(t, reg.Blocks("alice", "bob"))
}

func TestRegistryLoad(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	persister := new(MockPersister)
	persister.On("LoadBlocks", ctx, "alice").Return([]models.BlockEntry{
		{OwnerID: "alice", BlockedID: "bob", ExpiresAtEpochMillis: clk.Now().Add(time.Hour).UnixMilli()},
	}, nil).Once()
	persister.On("LoadBlocks", ctx, "carol").Return(nil, errors.New("db down")).Once()
	reg := blocklist.NewRegistry(clk, persister, zaptest.NewLogger(t))

	reg.Load(ctx, "alice")
	reg.Load(ctx, "carol")

	assert.True(t, reg.Blocks("alice", "bob"))
	assert.Equal(t, 0, reg.For("carol").Len())
	persister.AssertExpectations(t)

	reg.Forget("alice")
	assert.False(t, reg.Blocks("alice", "bob"))
}

func TestRegistryPruneAll(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	persister := new(MockPersister)
	persister.On("SaveBlock", ctx, mock.Anything).Return(nil)
	persister.On("DeleteExpiredBlocks", ctx, mock.AnythingOfType("time.Time")).Return(int64(2), nil).Once()
	reg := blocklist.NewRegistry(clk, persister, zaptest.NewLogger(t))
	reg.Block(ctx, "alice", "bob", time.Minute)
	reg.Block(ctx, "carol", "dave", time.Minute)
	reg.Block(ctx, "carol", "erin", time.Hour)

	clk.Add(2 * time.Minute)
	removed := reg.PruneAll(ctx)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, reg.For("carol").Len())
	persister.AssertExpectations(t)
}
