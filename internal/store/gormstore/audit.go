package gormstore

import (
	"context"

	"gorm.io/gorm"

	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/store/models"
)

// AuditStore implements store.AuditStore over GORM.
type AuditStore struct {
	db *gorm.DB
}

func NewAuditStore(db *gorm.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, event store.AuditEvent) error {
	severity := event.Severity
	if severity == "" {
		severity = "info"
	}
	row := models.AuditEvent{
		UserID:   event.UserID,
		Action:   event.Action,
		Severity: severity,
		Reason:   event.Reason,
		Metadata: event.Metadata,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}
