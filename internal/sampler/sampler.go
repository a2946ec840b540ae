// Package sampler implements the ResourceSampler (spec.md §4.7): one
// low-priority polling loop per active sandbox, feeding live CPU/memory/pid
// snapshots to the Orchestrator and the AbuseDetector. Grounded on
// internal/metrics/collector.go's BusinessMetricsCollector ticker+stopCh
// shape, generalized from one global loop to one loop per execution.
package sampler

import (
	"context"
	"sync"
	"time"

	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/sandbox"
)

// HandleSource resolves an execution id to its live sandbox handle; it
// returns false once the execution has left Running, which stops the loop.
type HandleSource interface {
	Handle(execID string) (*sandbox.Handle, bool)
}

// SampleSink receives each poll's reading.
type SampleSink interface {
	UpdateSample(execID string, s sandbox.Sample)
}

// AbuseFeed receives each reading for rule evaluation (internal/abuse).
type AbuseFeed interface {
	Observe(userID uint, execID string, s sandbox.Sample)
}

// Sampler runs one goroutine per actively-sampled execution.
type Sampler struct {
	driver   sandbox.Driver
	handles  HandleSource
	sink     SampleSink
	abuse    AbuseFeed
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(driver sandbox.Driver, handles HandleSource, sink SampleSink, abuse AbuseFeed, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		driver:   driver,
		handles:  handles,
		sink:     sink,
		abuse:    abuse,
		interval: interval,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins sampling execID/userID until the execution leaves Running
// (detected when HandleSource.Handle returns false) or Stop is called.
func (s *Sampler) Start(execID string, userID uint) {
	s.mu.Lock()
	if _, exists := s.cancels[execID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[execID] = cancel
	s.mu.Unlock()

	go s.loop(ctx, execID, userID)
}

// Stop ends sampling for an execution immediately (called on terminal
// transition so the loop doesn't wait out a full tick after teardown).
func (s *Sampler) Stop(execID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[execID]
	delete(s.cancels, execID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Sampler) loop(ctx context.Context, execID string, userID uint) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.Stop(execID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handle, ok := s.handles.Handle(execID)
			if !ok {
				return
			}
			sample, err := s.driver.Sample(ctx, handle)
			if err != nil {
				logging.S().Warnw("sampler: poll failed", "execution", execID, "error", err)
				continue
			}
			if s.sink != nil {
				s.sink.UpdateSample(execID, sample)
			}
			if s.abuse != nil {
				s.abuse.Observe(userID, execID, sample)
			}
			if !sample.Running {
				return
			}
		}
	}
}
