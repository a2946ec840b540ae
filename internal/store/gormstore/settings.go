package gormstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/store/models"
)

const settingsCacheTTL = 10 * time.Second

// SettingsStore implements store.SettingsStore over GORM, fronted by a
// short-lived in-memory snapshot so the admission hot path doesn't hit the
// database on every run. Writes invalidate the cache immediately.
type SettingsStore struct {
	db *gorm.DB

	mu        sync.RWMutex
	cached    store.Settings
	haveCache bool
	expiresAt time.Time
}

func NewSettingsStore(db *gorm.DB) *SettingsStore { return &SettingsStore{db: db} }

func (s *SettingsStore) Get(ctx context.Context) (store.Settings, error) {
	s.mu.RLock()
	if s.haveCache && time.Now().Before(s.expiresAt) {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	var rows []models.Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return store.Settings{}, err
	}

	settings := store.DefaultSettings()
	applyOverrides(&settings, rows)

	s.mu.Lock()
	s.cached = settings
	s.haveCache = true
	s.expiresAt = time.Now().Add(settingsCacheTTL)
	s.mu.Unlock()

	return settings, nil
}

func (s *SettingsStore) Set(ctx context.Context, settings store.Settings) error {
	rows := toRows(settings)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.haveCache = false
	s.mu.Unlock()
	return nil
}

func applyOverrides(settings *store.Settings, rows []models.Setting) {
	for _, row := range rows {
		switch row.Key {
		case "max_cpu_percent":
			settings.MaxCPUPercent = atoiOr(row.Value, settings.MaxCPUPercent)
		case "max_memory_mb":
			settings.MaxMemoryMB = atoiOr(row.Value, settings.MaxMemoryMB)
		case "max_runtime_seconds":
			settings.MaxRuntimeSeconds = atoiOr(row.Value, settings.MaxRuntimeSeconds)
		case "max_zip_size_mb":
			settings.MaxZipSizeMB = atoiOr(row.Value, settings.MaxZipSizeMB)
		case "max_projects_per_user":
			settings.MaxProjectsPerUser = atoiOr(row.Value, settings.MaxProjectsPerUser)
		case "max_executions_per_hour":
			settings.MaxExecutionsPerHour = atoiOr(row.Value, settings.MaxExecutionsPerHour)
		case "auto_block_on_abuse":
			settings.AutoBlockOnAbuse = row.Value == "true"
		case "container_cleanup_hours":
			settings.ContainerCleanupHours = atoiOr(row.Value, settings.ContainerCleanupHours)
		}
	}
}

func toRows(s store.Settings) []models.Setting {
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	return []models.Setting{
		{Key: "max_cpu_percent", Value: strconv.Itoa(s.MaxCPUPercent)},
		{Key: "max_memory_mb", Value: strconv.Itoa(s.MaxMemoryMB)},
		{Key: "max_runtime_seconds", Value: strconv.Itoa(s.MaxRuntimeSeconds)},
		{Key: "max_zip_size_mb", Value: strconv.Itoa(s.MaxZipSizeMB)},
		{Key: "max_projects_per_user", Value: strconv.Itoa(s.MaxProjectsPerUser)},
		{Key: "max_executions_per_hour", Value: strconv.Itoa(s.MaxExecutionsPerHour)},
		{Key: "auto_block_on_abuse", Value: b(s.AutoBlockOnAbuse)},
		{Key: "container_cleanup_hours", Value: strconv.Itoa(s.ContainerCleanupHours)},
	}
}

func atoiOr(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
