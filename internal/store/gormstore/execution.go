package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/store/models"
)

// ExecutionRecordStore implements store.ExecutionRecordStore over GORM.
type ExecutionRecordStore struct {
	db *gorm.DB
}

func NewExecutionRecordStore(db *gorm.DB) *ExecutionRecordStore {
	return &ExecutionRecordStore{db: db}
}

func (s *ExecutionRecordStore) Insert(ctx context.Context, record store.ExecutionRecord) error {
	row := toModel(record)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *ExecutionRecordStore) UpdateTerminal(ctx context.Context, id string, fields store.ExecutionRecord) error {
	updates := map[string]interface{}{
		"status":             fields.Status,
		"exit_code":          fields.ExitCode,
		"execution_time_ms":  fields.ExecutionTimeMs,
		"memory_used_mb":     fields.MemoryUsedMB,
		"stdout_bytes":       fields.StdoutBytes,
		"stderr_bytes":       fields.StderrBytes,
		"truncated_stdout":   fields.TruncatedStdout,
		"truncated_stderr":   fields.TruncatedStderr,
		"termination_reason": fields.TerminationReason,
		"ended_at":           fields.EndedAt,
	}
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).Where("id = ?", id).Updates(updates).Error
}

func (s *ExecutionRecordStore) Get(ctx context.Context, id string) (store.ExecutionRecord, error) {
	var row models.ExecutionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return store.ExecutionRecord{}, err
	}
	return fromModel(row), nil
}

func (s *ExecutionRecordStore) CountInHour(ctx context.Context, userID uint) (int64, error) {
	var count int64
	since := time.Now().UTC().Add(-time.Hour)
	err := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	return count, err
}

func (s *ExecutionRecordStore) Recent(ctx context.Context, userID uint, n int) ([]store.ExecutionRecord, error) {
	var rows []models.ExecutionRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromModel(r))
	}
	return out, nil
}

func toModel(r store.ExecutionRecord) models.ExecutionRecord {
	return models.ExecutionRecord{
		ID:                r.ID,
		UserID:            r.UserID,
		ProjectID:         r.ProjectID,
		Language:          r.Language,
		FilePath:          r.FilePath,
		Status:            r.Status,
		ExitCode:          r.ExitCode,
		ExecutionTimeMs:   r.ExecutionTimeMs,
		MemoryUsedMB:      r.MemoryUsedMB,
		StdoutBytes:       r.StdoutBytes,
		StderrBytes:       r.StderrBytes,
		TruncatedStdout:   r.TruncatedStdout,
		TruncatedStderr:   r.TruncatedStderr,
		TerminationReason: r.TerminationReason,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
	}
}

func fromModel(r models.ExecutionRecord) store.ExecutionRecord {
	return store.ExecutionRecord{
		ID:                r.ID,
		UserID:            r.UserID,
		ProjectID:         r.ProjectID,
		Language:          r.Language,
		FilePath:          r.FilePath,
		Status:            r.Status,
		ExitCode:          r.ExitCode,
		ExecutionTimeMs:   r.ExecutionTimeMs,
		MemoryUsedMB:      r.MemoryUsedMB,
		StdoutBytes:       r.StdoutBytes,
		StderrBytes:       r.StderrBytes,
		TruncatedStdout:   r.TruncatedStdout,
		TruncatedStderr:   r.TruncatedStderr,
		TerminationReason: r.TerminationReason,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
	}
}
