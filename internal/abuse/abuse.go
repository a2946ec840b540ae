// Package abuse implements the AbuseDetector (spec.md §4.8): a stateless
// rule evaluator fed live samples by the ResourceSampler and finalized-run
// counts by the Orchestrator, grounded on internal/middleware/quota.go's
// threshold-check style and internal/enterprise/audit.go's severity levels.
package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store"
)

// Rule names an abuse check; used as the audit action suffix and the gate key.
type Rule string

const (
	RuleCPUSustained    Rule = "cpu_sustained"
	RuleMemorySustained Rule = "memory_sustained"
	RuleHourlyRate      Rule = "hourly_rate"
	RuleFailureRatio    Rule = "failure_ratio"
)

// Severity classifies how serious a rule breach is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	cpuThresholdPercent    = 90
	cpuWarningSustain      = 30 * time.Second
	cpuCriticalSustain     = 120 * time.Second
	memThresholdPercent    = 90
	memCriticalSustain     = 15 * time.Second
	hourlyWarningFraction  = 0.8
	hourlyCriticalFraction = 1.0
	failureRatioWindow     = 20
	failureRatioWarning    = 0.75
)

// AlertGate suppresses repeat alerts for the same (user, rule) pair within a
// window; implemented over Redis SETNX+TTL in production, in-memory in tests.
type AlertGate interface {
	// ShouldFire reports whether an alert for (userID, rule) may fire now,
	// and if so marks the window as consumed. Fails open (may fire) on error.
	ShouldFire(ctx context.Context, userID uint, rule Rule) bool
}

// Alert is one rule breach, surfaced to whatever observes Detector output
// (logs today; a notification sink could subscribe later).
type Alert struct {
	UserID    uint
	ExecID    string
	Rule      Rule
	Severity  Severity
	Detail    string
	Timestamp time.Time
}

// Detector evaluates abuse rules and, on a critical breach with
// AutoBlockOnAbuse enabled, blocks the user via ProfileStore.
type Detector struct {
	profiles   store.ProfileStore
	executions store.ExecutionRecordStore
	settings   store.SettingsStore
	audit      store.AuditStore
	gate       AlertGate

	mu       sync.Mutex
	cpuSince map[string]time.Time
	memSince map[string]time.Time
}

func New(profiles store.ProfileStore, executions store.ExecutionRecordStore, settings store.SettingsStore, audit store.AuditStore, gate AlertGate) *Detector {
	return &Detector{
		profiles:   profiles,
		executions: executions,
		settings:   settings,
		audit:      audit,
		gate:       gate,
		cpuSince:   make(map[string]time.Time),
		memSince:   make(map[string]time.Time),
	}
}

// Observe implements internal/sampler.AbuseFeed: it tracks how long a single
// execution has sustained CPU/memory above threshold and fires the sustained
// rules when the relevant window elapses.
func (d *Detector) Observe(userID uint, execID string, s sandbox.Sample) {
	now := time.Now()
	memPercent := d.memoryPercent(s)

	d.mu.Lock()
	if s.CPUPercent >= cpuThresholdPercent {
		if _, ok := d.cpuSince[execID]; !ok {
			d.cpuSince[execID] = now
		}
	} else {
		delete(d.cpuSince, execID)
	}
	if memPercent >= memThresholdPercent {
		if _, ok := d.memSince[execID]; !ok {
			d.memSince[execID] = now
		}
	} else {
		delete(d.memSince, execID)
	}
	cpuSince, cpuTracked := d.cpuSince[execID]
	memSince, memTracked := d.memSince[execID]
	if !s.Running {
		delete(d.cpuSince, execID)
		delete(d.memSince, execID)
	}
	d.mu.Unlock()

	if cpuTracked {
		if elapsed := now.Sub(cpuSince); elapsed >= cpuCriticalSustain {
			d.fire(context.Background(), Alert{UserID: userID, ExecID: execID, Rule: RuleCPUSustained, Severity: SeverityCritical,
				Detail: fmt.Sprintf("cpu >= %d%% for %s", cpuThresholdPercent, elapsed.Round(time.Second))})
		} else if elapsed >= cpuWarningSustain {
			d.fire(context.Background(), Alert{UserID: userID, ExecID: execID, Rule: RuleCPUSustained, Severity: SeverityWarning,
				Detail: fmt.Sprintf("cpu >= %d%% for %s", cpuThresholdPercent, elapsed.Round(time.Second))})
		}
	}
	if memTracked {
		if elapsed := now.Sub(memSince); elapsed >= memCriticalSustain {
			d.fire(context.Background(), Alert{UserID: userID, ExecID: execID, Rule: RuleMemorySustained, Severity: SeverityCritical,
				Detail: fmt.Sprintf("memory >= %d%% for %s", memThresholdPercent, elapsed.Round(time.Second))})
		}
	}
}

// EvaluateUser implements internal/orchestrator.AbuseEvaluator: the
// rate-based rules that are cheapest to check once per finalized execution
// rather than on every sampler tick.
func (d *Detector) EvaluateUser(ctx context.Context, userID uint) {
	settings, err := d.settings.Get(ctx)
	if err != nil {
		logging.S().Warnw("abuse: load settings failed", "user", userID, "error", err)
		return
	}

	if settings.MaxExecutionsPerHour > 0 {
		count, err := d.executions.CountInHour(ctx, userID)
		if err != nil {
			logging.S().Warnw("abuse: count in hour failed", "user", userID, "error", err)
		} else {
			limit := float64(settings.MaxExecutionsPerHour)
			switch {
			case float64(count) >= limit*hourlyCriticalFraction:
				d.fire(ctx, Alert{UserID: userID, Rule: RuleHourlyRate, Severity: SeverityCritical,
					Detail: fmt.Sprintf("%d executions in the last hour (limit %d)", count, settings.MaxExecutionsPerHour)})
			case float64(count) >= limit*hourlyWarningFraction:
				d.fire(ctx, Alert{UserID: userID, Rule: RuleHourlyRate, Severity: SeverityWarning,
					Detail: fmt.Sprintf("%d executions in the last hour (limit %d)", count, settings.MaxExecutionsPerHour)})
			}
		}
	}

	recent, err := d.executions.Recent(ctx, userID, failureRatioWindow)
	if err != nil {
		logging.S().Warnw("abuse: recent executions failed", "user", userID, "error", err)
		return
	}
	if len(recent) < failureRatioWindow {
		return
	}
	failures := 0
	for _, r := range recent {
		if isFailureStatus(r.Status) {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(recent))
	if ratio >= failureRatioWarning {
		d.fire(ctx, Alert{UserID: userID, Rule: RuleFailureRatio, Severity: SeverityWarning,
			Detail: fmt.Sprintf("%d/%d of the last runs failed", failures, len(recent))})
	}
}

// memoryPercent converts a sample's absolute byte reading into a percentage
// of the configured per-execution ceiling; settings.Get is backed by
// SettingsStore's cache so this is cheap to call on every sampler tick.
func (d *Detector) memoryPercent(s sandbox.Sample) float64 {
	settings, err := d.settings.Get(context.Background())
	if err != nil || settings.MaxMemoryMB <= 0 {
		return 0
	}
	ceiling := float64(settings.MaxMemoryMB) * 1024 * 1024
	return (float64(s.MemBytes) / ceiling) * 100
}

func isFailureStatus(status string) bool {
	switch status {
	case "crashed", "setup-failed", "oom", "killed":
		return true
	default:
		return false
	}
}

func (d *Detector) fire(ctx context.Context, a Alert) {
	a.Timestamp = time.Now()
	if d.gate != nil && !d.gate.ShouldFire(ctx, a.UserID, a.Rule) {
		return
	}

	logging.S().Warnw("abuse rule fired", "user", a.UserID, "execution", a.ExecID,
		"rule", a.Rule, "severity", a.Severity, "detail", a.Detail)

	if d.audit != nil {
		_ = d.audit.Append(ctx, store.AuditEvent{
			UserID:   a.UserID,
			Action:   fmt.Sprintf("abuse.%s", a.Rule),
			Severity: string(a.Severity),
			Reason:   a.Detail,
		})
	}

	if a.Severity != SeverityCritical {
		return
	}

	settings, err := d.settings.Get(ctx)
	if err != nil || !settings.AutoBlockOnAbuse {
		return
	}
	if d.profiles == nil {
		return
	}
	if err := d.profiles.Block(ctx, a.UserID, string(a.Rule)); err != nil {
		logging.S().Warnw("abuse: auto-block failed", "user", a.UserID, "error", err)
		return
	}
	if d.audit != nil {
		_ = d.audit.Append(ctx, store.AuditEvent{
			UserID:   a.UserID,
			Action:   "user.block",
			Severity: "critical",
			Reason:   fmt.Sprintf("auto-blocked: %s", a.Detail),
		})
	}
}
