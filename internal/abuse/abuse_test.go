package abuse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store"
)

type fakeGate struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeGate() *fakeGate { return &fakeGate{seen: make(map[string]bool)} }

func (g *fakeGate) ShouldFire(ctx context.Context, userID uint, rule Rule) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := fmt.Sprintf("%d:%s", userID, rule)
	if g.seen[key] {
		return false
	}
	g.seen[key] = true
	return true
}

type fakeProfiles struct {
	mu      sync.Mutex
	blocked map[uint]string
}

func (p *fakeProfiles) Get(ctx context.Context, userID uint) (store.Profile, error) {
	return store.Profile{UserID: userID}, nil
}
func (p *fakeProfiles) IncrementExecutionCount(ctx context.Context, userID uint) error { return nil }
func (p *fakeProfiles) Block(ctx context.Context, userID uint, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked == nil {
		p.blocked = make(map[uint]string)
	}
	p.blocked[userID] = reason
	return nil
}
func (p *fakeProfiles) Unblock(ctx context.Context, userID uint) error { return nil }

type fakeExecutions struct {
	mu       sync.Mutex
	count    int64
	recent   []store.ExecutionRecord
}

func (e *fakeExecutions) Insert(ctx context.Context, r store.ExecutionRecord) error { return nil }
func (e *fakeExecutions) UpdateTerminal(ctx context.Context, id string, fields store.ExecutionRecord) error {
	return nil
}
func (e *fakeExecutions) Get(ctx context.Context, id string) (store.ExecutionRecord, error) {
	return store.ExecutionRecord{}, errors.New("not found")
}
func (e *fakeExecutions) CountInHour(ctx context.Context, userID uint) (int64, error) {
	return e.count, nil
}
func (e *fakeExecutions) Recent(ctx context.Context, userID uint, n int) ([]store.ExecutionRecord, error) {
	if len(e.recent) > n {
		return e.recent[:n], nil
	}
	return e.recent, nil
}

type fakeSettings struct {
	s store.Settings
}

func (f *fakeSettings) Get(ctx context.Context) (store.Settings, error) { return f.s, nil }
func (f *fakeSettings) Set(ctx context.Context, s store.Settings) error { f.s = s; return nil }

type fakeAudit struct {
	mu     sync.Mutex
	events []store.AuditEvent
}

func (a *fakeAudit) Append(ctx context.Context, event store.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func TestObserveFiresCPUWarningAfterSustainedThreshold(t *testing.T) {
	settings := &fakeSettings{s: store.DefaultSettings()}
	audit := &fakeAudit{}
	d := New(&fakeProfiles{}, &fakeExecutions{}, settings, audit, newFakeGate())

	d.Observe(1, "exec-1", sandbox.Sample{CPUPercent: 95, Running: true})
	d.mu.Lock()
	d.cpuSince["exec-1"] = time.Now().Add(-35 * time.Second)
	d.mu.Unlock()
	d.Observe(1, "exec-1", sandbox.Sample{CPUPercent: 95, Running: true})

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(audit.events))
	}
	if audit.events[0].Severity != "warning" {
		t.Fatalf("expected warning severity, got %s", audit.events[0].Severity)
	}
}

func TestObserveFiresMemoryCriticalAndAutoBlocks(t *testing.T) {
	settings := &fakeSettings{s: store.DefaultSettings()}
	settings.s.AutoBlockOnAbuse = true
	settings.s.MaxMemoryMB = 256
	profiles := &fakeProfiles{}
	audit := &fakeAudit{}
	d := New(profiles, &fakeExecutions{}, settings, audit, newFakeGate())

	overLimitBytes := int64(300 * 1024 * 1024)
	d.Observe(7, "exec-2", sandbox.Sample{MemBytes: overLimitBytes, Running: true})
	d.mu.Lock()
	d.memSince["exec-2"] = time.Now().Add(-20 * time.Second)
	d.mu.Unlock()
	d.Observe(7, "exec-2", sandbox.Sample{MemBytes: overLimitBytes, Running: true})

	profiles.mu.Lock()
	reason, blocked := profiles.blocked[7]
	profiles.mu.Unlock()
	if !blocked {
		t.Fatalf("expected user 7 to be auto-blocked, reason map: %v", profiles.blocked)
	}
	if reason != string(RuleMemorySustained) {
		t.Fatalf("expected block reason %s, got %s", RuleMemorySustained, reason)
	}
}

func TestEvaluateUserFiresHourlyRateCritical(t *testing.T) {
	settings := &fakeSettings{s: store.DefaultSettings()}
	settings.s.MaxExecutionsPerHour = 10
	executions := &fakeExecutions{count: 10}
	audit := &fakeAudit{}
	d := New(&fakeProfiles{}, executions, settings, audit, newFakeGate())

	d.EvaluateUser(context.Background(), 3)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	found := false
	for _, e := range audit.events {
		if e.Action == "abuse."+string(RuleHourlyRate) && e.Severity == "critical" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical hourly_rate audit event, got %+v", audit.events)
	}
}

func TestEvaluateUserFiresFailureRatioWarning(t *testing.T) {
	settings := &fakeSettings{s: store.DefaultSettings()}
	recent := make([]store.ExecutionRecord, 20)
	for i := range recent {
		status := "completed"
		if i < 16 {
			status = "crashed"
		}
		recent[i] = store.ExecutionRecord{Status: status}
	}
	executions := &fakeExecutions{recent: recent}
	audit := &fakeAudit{}
	d := New(&fakeProfiles{}, executions, settings, audit, newFakeGate())

	d.EvaluateUser(context.Background(), 9)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	found := false
	for _, e := range audit.events {
		if e.Action == "abuse."+string(RuleFailureRatio) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a failure_ratio audit event, got %+v", audit.events)
	}
}

func TestAlertGateSuppressesRepeatAlerts(t *testing.T) {
	settings := &fakeSettings{s: store.DefaultSettings()}
	audit := &fakeAudit{}
	gate := newFakeGate()
	d := New(&fakeProfiles{}, &fakeExecutions{}, settings, audit, gate)

	alert := Alert{UserID: 1, Rule: RuleCPUSustained, Severity: SeverityWarning, Detail: "x"}
	d.fire(context.Background(), alert)
	d.fire(context.Background(), alert)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != 1 {
		t.Fatalf("expected the gate to suppress the second alert, got %d events", len(audit.events))
	}
}
