package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/store/models"
)

// ProfileStore implements store.ProfileStore over GORM.
type ProfileStore struct {
	db *gorm.DB
}

func NewProfileStore(db *gorm.DB) *ProfileStore { return &ProfileStore{db: db} }

func (s *ProfileStore) Get(ctx context.Context, userID uint) (store.Profile, error) {
	var p models.Profile
	if err := s.db.WithContext(ctx).First(&p, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.Profile{}, store.ErrNotFoundProfile
		}
		return store.Profile{}, err
	}
	return store.Profile{
		UserID:           p.ID,
		Email:            p.Email,
		Role:             p.Role,
		Status:           p.Status,
		StorageUsedBytes: p.StorageUsedBytes,
	}, nil
}

func (s *ProfileStore) IncrementExecutionCount(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", userID).
		UpdateColumn("execution_count", gorm.Expr("execution_count + 1")).Error
}

func (s *ProfileStore) Block(ctx context.Context, userID uint, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"status":         "blocked",
		"blocked_reason": reason,
		"blocked_at":     &now,
	}).Error
}

func (s *ProfileStore) Unblock(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"status":         "active",
		"blocked_reason": "",
		"blocked_at":     nil,
	}).Error
}
