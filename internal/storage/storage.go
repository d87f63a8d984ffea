package storage

import (
	"context"
	"errors"
	"time"

	"randomtalk/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Storage is the durable archive behind the live, in-process session state.
type Storage interface {
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	CloseRoom(ctx context.Context, roomID string) error
	GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error)
	GetActiveRoomIDs(ctx context.Context) ([]string, error)

	ArchiveMessage(ctx context.Context, msg models.ChatMessage) error
	GetChatHistory(ctx context.Context, roomID string) ([]models.ChatHistory, error)

	SaveComplaint(ctx context.Context, complaint *models.Complaint) error
	ListComplaints(ctx context.Context, status models.ComplaintStatus, limit int) ([]models.Complaint, error)
	MarkComplaintProcessed(ctx context.Context, complaintID string) error

	SaveBlock(ctx context.Context, entry models.BlockEntry) error
	LoadBlocks(ctx context.Context, ownerID string) ([]models.BlockEntry, error)
	DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{DB: db, Logger: logger}
}

// Migrate створює або оновлює таблиці архіву.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ChatRoom{},
		&models.ChatHistory{},
		&models.Complaint{},
		&models.BlockEntry{},
	)
}

// SaveRoom зберігає кімнату в PostgreSQL
func (s *Service) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	return s.DB.WithContext(ctx).Save(room).Error
}

// CloseRoom закриває кімнату, встановлюючи IsActive = false та EndedAt = NOW().
// Повторний виклик нічого не змінює.
func (s *Service) CloseRoom(ctx context.Context, roomID string) error {
	return s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  gorm.Expr("NOW()"),
		}).Error
}

// GetRoomByID повертає nil, якщо кімнату не знайдено.
func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetActiveRoomIDs повертає список усіх RoomID, які є активними в даний момент.
func (s *Service) GetActiveRoomIDs(ctx context.Context) ([]string, error) {
	var roomIDs []string
	if err := s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("is_active = ?", true).
		Order("started_at asc").
		Pluck("room_id", &roomIDs).Error; err != nil {
		s.Logger.Error("retrieve active rooms", zap.Error(err))
		return nil, err
	}
	return roomIDs, nil
}

// ArchiveMessage зберігає копію повідомлення сесії.
func (s *Service) ArchiveMessage(ctx context.Context, msg models.ChatMessage) error {
	history := models.HistoryFromMessage(msg)
	if err := s.DB.WithContext(ctx).Create(&history).Error; err != nil {
		s.Logger.Error("archive message", zap.String("session_id", msg.RoomID), zap.Error(err))
		return err
	}
	return nil
}

// GetChatHistory отримує історію повідомлень для кімнати в порядку сесії.
func (s *Service) GetChatHistory(ctx context.Context, roomID string) ([]models.ChatHistory, error) {
	var history []models.ChatHistory
	if err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at_millis asc, session_msg_id asc").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Service) SaveComplaint(ctx context.Context, complaint *models.Complaint) error {
	if err := s.DB.WithContext(ctx).Create(complaint).Error; err != nil {
		s.Logger.Error("save complaint", zap.String("session_id", complaint.RoomID), zap.Error(err))
		return err
	}
	return nil
}

// ListComplaints повертає скарги з вказаним статусом, новіші першими.
// Порожній статус означає всі скарги; limit <= 0 знімає обмеження.
func (s *Service) ListComplaints(ctx context.Context, status models.ComplaintStatus, limit int) ([]models.Complaint, error) {
	q := s.DB.WithContext(ctx).Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var complaints []models.Complaint
	if err := q.Find(&complaints).Error; err != nil {
		return nil, err
	}
	return complaints, nil
}

func (s *Service) MarkComplaintProcessed(ctx context.Context, complaintID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Complaint{}).
		Where("complaint_id = ?", complaintID).
		Update("status", models.ComplaintProcessed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SaveBlock додає або продовжує блокування.
func (s *Service) SaveBlock(ctx context.Context, entry models.BlockEntry) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "blocked_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at_epoch_millis"}),
	}).Create(&entry).Error
}

// LoadBlocks повертає лише ще чинні блокування власника.
func (s *Service) LoadBlocks(ctx context.Context, ownerID string) ([]models.BlockEntry, error) {
	var entries []models.BlockEntry
	err := s.DB.WithContext(ctx).
		Where("owner_id = ? AND expires_at_epoch_millis > ?", ownerID, time.Now().UnixMilli()).
		Find(&entries).Error
	return entries, err
}

// DeleteExpiredBlocks прибирає прострочені блокування.
func (s *Service) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("expires_at_epoch_millis <= ?", now.UnixMilli()).
		Delete(&models.BlockEntry{})
	return res.RowsAffected, res.Error
}
