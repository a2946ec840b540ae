package sampler

import (
	"context"
	"sync"
	"testing"
	"time"

	"apex-orchestrator/internal/sandbox"
)

type fakeDriver struct {
	mu     sync.Mutex
	polls  int
	sample sandbox.Sample
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	return nil, nil
}
func (d *fakeDriver) WriteFile(ctx context.Context, h *sandbox.Handle, relPath string, data []byte) error {
	return nil
}
func (d *fakeDriver) Start(ctx context.Context, h *sandbox.Handle, stdin []byte) (*sandbox.StreamEndpoints, error) {
	return nil, nil
}
func (d *fakeDriver) Sample(ctx context.Context, h *sandbox.Handle) (sandbox.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	return d.sample, nil
}
func (d *fakeDriver) Signal(ctx context.Context, h *sandbox.Handle, sig sandbox.Signal) error {
	return nil
}
func (d *fakeDriver) Destroy(ctx context.Context, h *sandbox.Handle) error { return nil }
func (d *fakeDriver) Lookup(ctx context.Context, executionID string) (*sandbox.Handle, time.Time, bool, error) {
	return nil, time.Time{}, false, nil
}

type fakeHandles struct {
	mu      sync.Mutex
	present bool
}

func (h *fakeHandles) Handle(execID string) (*sandbox.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.present {
		return nil, false
	}
	return &sandbox.Handle{}, true
}

type fakeSink struct {
	mu      sync.Mutex
	updates int
}

func (s *fakeSink) UpdateSample(execID string, sample sandbox.Sample) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
}

type fakeAbuse struct {
	mu       sync.Mutex
	observed int
}

func (a *fakeAbuse) Observe(userID uint, execID string, sample sandbox.Sample) {
	a.mu.Lock()
	a.observed++
	a.mu.Unlock()
}

func TestSamplerPollsUntilHandleGone(t *testing.T) {
	driver := &fakeDriver{sample: sandbox.Sample{Running: true, CPUPercent: 10}}
	handles := &fakeHandles{present: true}
	sink := &fakeSink{}
	abuse := &fakeAbuse{}

	s := New(driver, handles, sink, abuse, 10*time.Millisecond)
	s.Start("exec-1", 1)

	time.Sleep(45 * time.Millisecond)

	handles.mu.Lock()
	handles.present = false
	handles.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	driver.mu.Lock()
	polls := driver.polls
	driver.mu.Unlock()
	if polls < 2 {
		t.Fatalf("expected at least 2 polls before handle disappeared, got %d", polls)
	}

	sink.mu.Lock()
	updates := sink.updates
	sink.mu.Unlock()
	if updates != polls {
		t.Fatalf("expected one sink update per poll, got %d updates for %d polls", updates, polls)
	}
}

func TestSamplerStopEndsLoopImmediately(t *testing.T) {
	driver := &fakeDriver{sample: sandbox.Sample{Running: true}}
	handles := &fakeHandles{present: true}
	sink := &fakeSink{}

	s := New(driver, handles, sink, nil, 10*time.Millisecond)
	s.Start("exec-2", 1)
	time.Sleep(15 * time.Millisecond)
	s.Stop("exec-2")

	driver.mu.Lock()
	pollsAtStop := driver.polls
	driver.mu.Unlock()

	time.Sleep(40 * time.Millisecond)

	driver.mu.Lock()
	pollsAfter := driver.polls
	driver.mu.Unlock()

	if pollsAfter > pollsAtStop+1 {
		t.Fatalf("expected polling to stop promptly, got %d polls after stop vs %d at stop", pollsAfter, pollsAtStop)
	}
}
