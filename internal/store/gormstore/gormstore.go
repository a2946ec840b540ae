// Package gormstore backs the core's collaborator store interfaces with
// GORM, generalizing the platform's User/Project/Execution row shapes
// (pkg/models/models.go) to the columns spec.md §6.3/§6.4 name.
package gormstore

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"apex-orchestrator/internal/store/models"
)

// Config selects and configures the backing GORM driver.
type Config struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

// Open connects to the configured database and auto-migrates every model
// this module owns, the way usage.Tracker.Migrate() does in the platform.
func Open(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: connect: %w", err)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("gormstore: automigrate: %w", err)
	}
	return db, nil
}
