// Package models holds the GORM row shapes backing the orchestrator's
// collaborator store interfaces, generalized from the platform's User/
// Project/Execution tables to the columns the core actually reads or writes.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Profile backs ProfileStore: per-user quota, block status, and role.
type Profile struct {
	ID        uint           `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Email  string `gorm:"uniqueIndex;not null"`
	Role   string `gorm:"default:'user'"`
	Status string `gorm:"default:'active'"` // active, blocked

	BlockedReason string
	BlockedAt     *time.Time

	StorageUsedBytes  int64 `gorm:"default:0"`
	ExecutionCount    int64 `gorm:"default:0"`
}

// Project backs ProjectStore.
type Project struct {
	ID        uint           `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	OwnerID   uint   `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	GithubURL string
}

// ExecutionRecord backs ExecutionRecordStore and is the one-row-per-run
// persisted outcome spec.md §6.4 names as the required column set.
type ExecutionRecord struct {
	ID               string `gorm:"primarykey"`
	UserID           uint   `gorm:"index;not null"`
	ProjectID        uint   `gorm:"index;not null"`
	Language         string
	FilePath         string
	Status           string // queued, preparing, launching, running, completed, stopped, timeout, oom, killed, crashed, setup-failed
	ExitCode         *int
	ExecutionTimeMs  int64
	MemoryUsedMB     int64
	StdoutBytes      int64
	StderrBytes      int64
	TruncatedStdout  bool
	TruncatedStderr  bool
	TerminationReason string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// TableName pins the GORM table name explicitly since this struct's name
// doesn't pluralize the way GORM's default namer would guess cleanly.
func (ExecutionRecord) TableName() string { return "execution_records" }

// AuditEvent backs AuditStore.Append.
type AuditEvent struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	UserID   uint
	Action   string
	Severity string
	Reason   string
	Metadata string // JSON-encoded, opaque to the store
}

// Setting backs SettingsStore's keyed read/write with typed coercion done
// by the store layer, not the row shape.
type Setting struct {
	Key   string `gorm:"primarykey"`
	Value string
}

// AllModels lists every model AutoMigrate should create or update.
func AllModels() []interface{} {
	return []interface{}{
		&Profile{},
		&Project{},
		&ExecutionRecord{},
		&AuditEvent{},
		&Setting{},
	}
}
