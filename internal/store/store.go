// Package store defines the collaborator interfaces the orchestrator core
// depends on (spec.md §6.3): ProfileStore, ProjectStore, ExecutionRecordStore,
// SettingsStore, AuditStore. The relational database, blob store, and push
// channel are external collaborators reached only through these interfaces —
// the core never traverses foreign pointers between them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFoundProfile/ErrNotFoundProject are returned by the respective Get
// methods when the id is unknown, mapped by the orchestrator to apexerr.NotFound.
var (
	ErrNotFoundProfile = errors.New("store: profile not found")
	ErrNotFoundProject = errors.New("store: project not found")
)

// Profile is the quota/role/block-status view of a user the core needs.
type Profile struct {
	UserID           uint
	Email            string
	Role             string
	Status           string // active, blocked
	StorageUsedBytes int64
}

// IsBlocked reports whether the profile's status forbids admission.
func (p Profile) IsBlocked() bool { return p.Status == "blocked" }

// ProfileStore is the collaborator interface backing per-user quota state.
type ProfileStore interface {
	Get(ctx context.Context, userID uint) (Profile, error)
	IncrementExecutionCount(ctx context.Context, userID uint) error
	Block(ctx context.Context, userID uint, reason string) error
	Unblock(ctx context.Context, userID uint) error
}

// Project is the ownership/github-link view of a project the core needs.
type Project struct {
	ID        uint
	OwnerID   uint
	Name      string
	GithubURL string
}

// ProjectStore is the collaborator interface backing project ownership and
// github-link lookups.
type ProjectStore interface {
	Get(ctx context.Context, projectID uint) (Project, error)
	UpdateGithubURL(ctx context.Context, projectID uint, url *string) error
}

// ExecutionRecord is the persisted row the orchestrator writes on admission
// and finalizes exactly once on a terminal transition.
type ExecutionRecord struct {
	ID                string
	UserID            uint
	ProjectID         uint
	Language          string
	FilePath          string
	Status            string
	ExitCode          *int
	ExecutionTimeMs   int64
	MemoryUsedMB      int64
	StdoutBytes       int64
	StderrBytes       int64
	TruncatedStdout   bool
	TruncatedStderr   bool
	TerminationReason string
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
}

// ExecutionRecordStore is the collaborator interface backing persisted
// execution outcomes and the rolling counts Admitter and AbuseDetector read.
type ExecutionRecordStore interface {
	Insert(ctx context.Context, record ExecutionRecord) error
	UpdateTerminal(ctx context.Context, id string, fields ExecutionRecord) error
	Get(ctx context.Context, id string) (ExecutionRecord, error)
	CountInHour(ctx context.Context, userID uint) (int64, error)
	Recent(ctx context.Context, userID uint, n int) ([]ExecutionRecord, error)
}

// Settings is the typed, coerced view of the orchestrator's tunable limits
// (spec.md §6.5's authoritative defaults).
type Settings struct {
	MaxCPUPercent        int
	MaxMemoryMB          int
	MaxRuntimeSeconds    int
	MaxZipSizeMB         int
	MaxProjectsPerUser   int
	MaxExecutionsPerHour int
	AutoBlockOnAbuse     bool
	ContainerCleanupHours int
}

// DefaultSettings returns spec.md §6.5's authoritative defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxCPUPercent:         50,
		MaxMemoryMB:           256,
		MaxRuntimeSeconds:     30,
		MaxZipSizeMB:          50,
		MaxProjectsPerUser:    100,
		MaxExecutionsPerHour:  60,
		AutoBlockOnAbuse:      false,
		ContainerCleanupHours: 24,
	}
}

// SettingsStore is the collaborator interface backing the cached settings
// snapshot; writes never block running executions — they affect only the
// next admission.
type SettingsStore interface {
	Get(ctx context.Context) (Settings, error)
	Set(ctx context.Context, s Settings) error
}

// AuditEvent is one append-only audit log entry.
type AuditEvent struct {
	UserID   uint
	Action   string
	Severity string
	Reason   string
	Metadata string
}

// AuditStore is the collaborator interface backing append-only audit events.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
}
