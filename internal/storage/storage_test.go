package storage_test

import (
	"context"
	"testing"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dryRun returns a service whose statements are built but never sent, and
// the list the built SQL is collected into.
func dryRun(t *testing.T) (*storage.Service, *[]string) {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	var sqls []string
	capture := func(tx *gorm.DB) {
		sqls = append(sqls, tx.Dialector.Explain(tx.Statement.SQL.String(), tx.Statement.Vars...))
	}
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:capture", capture))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:capture", capture))
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:capture", capture))
	require.NoError(t, db.Callback().Delete().After("gorm:delete").Register("test:capture", capture))

	return storage.NewStorageService(db, nil), &sqls
}

func TestCloseRoomOnlyTouchesActiveRoom(t *testing.T) {
	s, sqls := dryRun(t)

	require.NoError(t, s.CloseRoom(context.Background(), "a_b_1"))

	require.Len(t, *sqls, 1)
	sql := (*sqls)[0]
	assert.Contains(t, sql, `UPDATE "chat_rooms"`)
	assert.Contains(t, sql, `"ended_at"=NOW()`)
	assert.Contains(t, sql, "room_id = 'a_b_1' AND is_active = true")
}

func TestSaveBlockUpsertsExpiry(t *testing.T) {
	s, sqls := dryRun(t)

	err := s.SaveBlock(context.Background(), models.BlockEntry{OwnerID: "alice", BlockedID: "bob", ExpiresAtEpochMillis: 1000})

	require.NoError(t, err)
	require.Len(t, *sqls, 1)
	assert.Contains(t, (*sqls)[0], `INSERT INTO "block_entries"`)
	assert.Contains(t, (*sqls)[0], `ON CONFLICT`)
	assert.Contains(t, (*sqls)[0], `"excluded"."expires_at_epoch_millis"`)
}

func TestDeleteExpiredBlocksUsesCutoff(t *testing.T) {
	s, sqls := dryRun(t)

	_, err := s.DeleteExpiredBlocks(context.Background(), time.UnixMilli(5000))

	require.NoError(t, err)
	require.Len(t, *sqls, 1)
	assert.Contains(t, (*sqls)[0], `DELETE FROM "block_entries"`)
	assert.Contains(t, (*sqls)[0], "expires_at_epoch_millis <= 5000")
}

func TestListComplaintsFilters(t *testing.T) {
	s, sqls := dryRun(t)

	_, err := s.ListComplaints(context.Background(), models.ComplaintNew, 10)

	require.NoError(t, err)
	require.Len(t, *sqls, 1)
	assert.Contains(t, (*sqls)[0], `FROM "complaints"`)
	assert.Contains(t, (*sqls)[0], "status = 'new'")
	assert.Contains(t, (*sqls)[0], "LIMIT 10")
}

func TestArchiveMessageWritesHistoryRow(t *testing.T) {
	s, sqls := dryRun(t)
	ts := time.UnixMilli(1714564800123)

	err := s.ArchiveMessage(context.Background(), models.ChatMessage{ID: 7, RoomID: "r", SenderID: "alice", Text: "hi", Timestamp: ts})

	require.NoError(t, err)
	require.Len(t, *sqls, 1)
	assert.Contains(t, (*sqls)[0], `INSERT INTO "chat_histories"`)
	assert.Contains(t, (*sqls)[0], "1714564800123")
}

func TestHistoryFromMessage(t *testing.T) {
	ts := time.UnixMilli(1714564800123)
	h := models.HistoryFromMessage(models.ChatMessage{ID: 7, RoomID: "r", SenderID: "alice", Text: "hi", Timestamp: ts})

	assert.Equal(t, "r", h.RoomID)
	assert.Equal(t, uint64(7), h.SessionMsgID)
	assert.Equal(t, "hi", h.Content)
	assert.Equal(t, int64(1714564800123), h.SentAtMillis)
}
