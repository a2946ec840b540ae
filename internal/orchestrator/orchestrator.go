// Package orchestrator implements the execution state machine of spec.md
// §4.5: admit → materialise → launch → stream → terminate → record. One
// fibre (goroutine) per execution owns its Sandbox handle exclusively;
// cross-fibre interaction happens only through StreamMux and the Admitter's
// atomic counters, generalizing internal/execution/runner.go's per-run
// goroutine + context-cancellation shape to the full state machine.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"apex-orchestrator/internal/admitter"
	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/blobsync"
	"apex-orchestrator/internal/catalogue"
	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/streammux"
)

// Admitter is the subset of *admitter.Admitter the Orchestrator depends on.
type Admitter interface {
	Admit(ctx context.Context, req admitter.Request) (*admitter.Token, error)
	Release(ctx context.Context, tok *admitter.Token)
}

// ProjectSyncer is the subset of *blobsync.Syncer the Orchestrator depends
// on. The fibre calls Pull to materialise a project's files before launch;
// it does not Push the workspace back after the run.
type ProjectSyncer interface {
	Pull(ctx context.Context, projectID, dest string) (blobsync.PullResult, error)
	Push(ctx context.Context, src, projectID string, ignore map[string]bool) (blobsync.PushResult, error)
}

// PushBus mirrors spec.md §6.3's external fan-out collaborator; wiring it is
// optional — a nil PushBus simply means no external subscribers are notified
// beyond StreamMux itself.
type PushBus interface {
	Publish(topic string, frame streammux.Frame)
}

// Metrics mirrors the subset of internal/metrics the Orchestrator reports
// into; optional, so unit tests can omit it.
type Metrics interface {
	ExecutionStarted(language string)
	ExecutionFinished(language, status string, durationSeconds float64)
}

// SamplerController starts/stops the per-execution ResourceSampler loop
// (internal/sampler); optional, so unit tests can omit it.
type SamplerController interface {
	Start(execID string, userID uint)
	Stop(execID string)
}

// AbuseEvaluator mirrors internal/abuse.Detector's rate-based rules (hourly
// execution rate, failure ratio) that are cheapest to check once per
// finalized execution rather than on every sampler tick; optional.
type AbuseEvaluator interface {
	EvaluateUser(ctx context.Context, userID uint)
}

// RunRequest is the input to Run (spec.md §6.1).
type RunRequest struct {
	UserID      uint
	ProjectID   uint
	Language    string
	FilePath    string
	FileContent []byte // optional: seeded into the sandbox before Start
	Stdin       []byte
	// SkipMaterialize opts a one-file run out of the project Pull before
	// launch (spec.md §4.5 step 3, "may be skipped... at implementer's
	// option but defaults on" — see DESIGN.md Open Question decision).
	SkipMaterialize bool
}

// Config tunes orchestrator-wide behavior not already carried per-request.
type Config struct {
	GracePeriod      time.Duration
	FlushInterval    time.Duration
	DefaultRingCap   int
	WorkDirRoot      string
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:    2 * time.Second,
		FlushInterval:  50 * time.Millisecond,
		DefaultRingCap: 4096,
		WorkDirRoot:    "",
	}
}

// Orchestrator owns the registry of in-flight executions and the
// collaborators every fibre needs.
type Orchestrator struct {
	cfg Config

	driver    sandbox.Driver
	catalogue *catalogue.Catalogue
	admitter  Admitter
	syncer    ProjectSyncer
	bus       PushBus
	metrics   Metrics
	sampler   SamplerController
	abuse     AbuseEvaluator

	profiles   store.ProfileStore
	executions store.ExecutionRecordStore
	settings   store.SettingsStore

	mu    sync.RWMutex
	execs map[string]*execution
}

type execution struct {
	id        string
	userID    uint
	projectID uint
	language  string
	filePath  string
	createdAt time.Time
	startedAt time.Time

	state stateBox
	mux   *streammux.Mux

	cancel     context.CancelFunc
	cancelOnce sync.Once

	handle *sandbox.Handle

	sampleMu sync.RWMutex
	sample   sandbox.Sample

	admissionToken *admitter.Token

	exitCode  *int
	reason    string
	stdoutLen int64
	stderrLen int64
	truncOut  bool
	truncErr  bool
}

func New(driver sandbox.Driver, cat *catalogue.Catalogue, adm Admitter, syncer ProjectSyncer, bus PushBus, metrics Metrics, profiles store.ProfileStore, executions store.ExecutionRecordStore, settings store.SettingsStore, cfg Config) *Orchestrator {
	if cfg.DefaultRingCap <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg:        cfg,
		driver:     driver,
		catalogue:  cat,
		admitter:   adm,
		syncer:     syncer,
		bus:        bus,
		metrics:    metrics,
		profiles:   profiles,
		executions: executions,
		settings:   settings,
		execs:      make(map[string]*execution),
	}
}

// Run admits and launches a new execution, returning its id immediately;
// the fibre continues asynchronously (spec.md §6.1).
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (string, error) {
	tok, err := o.admitter.Admit(ctx, admitter.Request{UserID: req.UserID, ProjectID: req.ProjectID, Language: req.Language})
	if err != nil {
		return "", err
	}

	entry, err := o.catalogue.Get(req.Language)
	if err != nil {
		o.admitter.Release(ctx, tok)
		return "", err
	}

	execID := uuid.NewString()
	fibreCtx, cancel := context.WithCancel(context.Background())

	ex := &execution{
		id:             execID,
		userID:         req.UserID,
		projectID:      req.ProjectID,
		language:       req.Language,
		filePath:       req.FilePath,
		createdAt:      time.Now().UTC(),
		cancel:         cancel,
		mux:            streammux.New(execID, o.cfg.DefaultRingCap),
		admissionToken: tok,
	}
	ex.state.store(StateQueued)

	record := store.ExecutionRecord{
		ID:        execID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Language:  req.Language,
		FilePath:  req.FilePath,
		Status:    StateQueued.String(),
		CreatedAt: ex.createdAt,
	}
	if err := o.executions.Insert(ctx, record); err != nil {
		o.admitter.Release(ctx, tok)
		cancel()
		return "", apexerr.Wrap(apexerr.Internal, "persist execution record", err)
	}

	o.mu.Lock()
	o.execs[execID] = ex
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ExecutionStarted(req.Language)
	}

	ex.publish(streammux.Frame{Kind: streammux.KindStatus, Status: streammux.StatusQueued, Timestamp: time.Now()})

	go o.runFibre(fibreCtx, ex, entry, req)

	return execID, nil
}

// Stop requests termination of a running execution (spec.md §4.5 "Stop").
// userID must own the execution unless isAdmin is set, in which case the
// execution ends as StateKilled instead of StateStopped.
func (o *Orchestrator) Stop(ctx context.Context, execID string, userID uint, isAdmin bool) (State, error) {
	ex, ok := o.lookup(execID)
	if !ok {
		rec, err := o.loadRecord(ctx, execID)
		if err != nil {
			return 0, apexerr.New(apexerr.NotFound, "execution not found")
		}
		return stateFromRecordStatus(rec.Status), nil
	}
	if !isAdmin && ex.userID != userID {
		return 0, apexerr.New(apexerr.Forbidden, "not the owning user")
	}

	reason := StateStopped
	if isAdmin {
		reason = StateKilled
	}
	if final, won := ex.state.terminate(reason); won {
		ex.reason = final.String()
		ex.cancelOnce.Do(ex.cancel)
		return final, nil
	}
	return ex.state.load(), nil
}

// AdminKill is Stop with the ownership check bypassed and the audit-visible
// "killed-admin" reason, per spec.md §9's "Admin override vs. owner action".
func (o *Orchestrator) AdminKill(ctx context.Context, execID string) (State, error) {
	return o.Stop(ctx, execID, 0, true)
}

// Status returns the current view of an execution, from memory while live
// and falling back to the persisted record once finalized.
func (o *Orchestrator) Status(ctx context.Context, execID string) (store.ExecutionRecord, error) {
	if ex, ok := o.lookup(execID); ok {
		return ex.snapshotRecord(), nil
	}
	rec, err := o.loadRecord(ctx, execID)
	if err != nil {
		return store.ExecutionRecord{}, apexerr.New(apexerr.NotFound, "execution not found")
	}
	return rec, nil
}

// Subscribe attaches to an execution's stream. If the execution has already
// finalized and been evicted from memory, a single synthetic terminal frame
// reconstructed from the persisted record is returned instead (spec.md §5
// "Ordering guarantees").
func (o *Orchestrator) Subscribe(ctx context.Context, execID string, fromSeq uint64) (<-chan streammux.Frame, func(), error) {
	ex, ok := o.lookup(execID)
	if !ok {
		rec, err := o.loadRecord(ctx, execID)
		if err != nil {
			return nil, nil, apexerr.New(apexerr.NotFound, "execution not found")
		}
		ch := make(chan streammux.Frame, 1)
		ch <- streammux.Frame{Kind: streammux.KindStatus, Status: statusFromRecord(rec), Timestamp: time.Now()}
		close(ch)
		return ch, func() {}, nil
	}
	ch, cancel := ex.mux.Subscribe(ctx, fromSeq)
	return ch, cancel, nil
}

// ActiveEntry is one row of ActiveList's admin dashboard view.
type ActiveEntry struct {
	ExecutionID string
	UserID      uint
	Language    string
	Created     time.Time
	Sample      sandbox.Sample
}

// ActiveList returns a snapshot of every non-terminal execution, the
// supplemented admin dashboard operation named in SPEC_FULL.md §4.
func (o *Orchestrator) ActiveList() []ActiveEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ActiveEntry, 0, len(o.execs))
	for _, ex := range o.execs {
		if ex.state.load().IsTerminal() {
			continue
		}
		out = append(out, ActiveEntry{
			ExecutionID: ex.id,
			UserID:      ex.userID,
			Language:    ex.language,
			Created:     ex.createdAt,
			Sample:      ex.currentSample(),
		})
	}
	return out
}

// UpdateSample is called by the ResourceSampler after each poll.
func (o *Orchestrator) UpdateSample(execID string, s sandbox.Sample) {
	if ex, ok := o.lookup(execID); ok {
		ex.setSample(s)
	}
}

// SetSampler wires the ResourceSampler controller after construction, since
// the sampler itself is typically constructed with this Orchestrator as its
// HandleSource/SampleSink, creating an unavoidable initialization cycle.
func (o *Orchestrator) SetSampler(s SamplerController) { o.sampler = s }

// SetAbuseEvaluator wires the rate-based half of the AbuseDetector; it is
// set after construction for the same reason SetSampler is: the evaluator
// and the Orchestrator depend on each other's collaborator interfaces.
func (o *Orchestrator) SetAbuseEvaluator(a AbuseEvaluator) { o.abuse = a }

// Handle exposes the live sandbox handle for an execution so the
// ResourceSampler can poll it without the Orchestrator owning the sampling
// loop itself (spec.md §4.7's separation of concerns).
func (o *Orchestrator) Handle(execID string) (*sandbox.Handle, bool) {
	ex, ok := o.lookup(execID)
	if !ok || ex.handle == nil {
		return nil, false
	}
	return ex.handle, true
}

func (o *Orchestrator) lookup(execID string) (*execution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ex, ok := o.execs[execID]
	return ex, ok
}

func (o *Orchestrator) evict(execID string) {
	o.mu.Lock()
	delete(o.execs, execID)
	o.mu.Unlock()
}

func (o *Orchestrator) loadRecord(ctx context.Context, execID string) (store.ExecutionRecord, error) {
	rec, err := o.executions.Get(ctx, execID)
	if err != nil {
		return store.ExecutionRecord{}, fmt.Errorf("execution %s not found: %w", execID, err)
	}
	return rec, nil
}

func stateFromRecordStatus(status string) State {
	for s := StateQueued; s <= StateRejected; s++ {
		if s.String() == status {
			return s
		}
	}
	return StateCrashed
}

func statusFromRecord(rec store.ExecutionRecord) streammux.Status {
	switch rec.Status {
	case "completed":
		return streammux.StatusCompleted
	case "timeout":
		return streammux.StatusTimeout
	case "stopped", "killed":
		return streammux.StatusStopped
	default:
		return streammux.StatusError
	}
}

func (ex *execution) publish(f streammux.Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	ex.mux.Publish(context.Background(), f)
}

func (ex *execution) setSample(s sandbox.Sample) {
	ex.sampleMu.Lock()
	ex.sample = s
	ex.sampleMu.Unlock()
}

func (ex *execution) currentSample() sandbox.Sample {
	ex.sampleMu.RLock()
	defer ex.sampleMu.RUnlock()
	return ex.sample
}

func (ex *execution) snapshotRecord() store.ExecutionRecord {
	rec := store.ExecutionRecord{
		ID:                ex.id,
		UserID:            ex.userID,
		ProjectID:         ex.projectID,
		Language:          ex.language,
		FilePath:          ex.filePath,
		Status:            ex.state.load().String(),
		ExitCode:          ex.exitCode,
		StdoutBytes:       ex.stdoutLen,
		StderrBytes:       ex.stderrLen,
		TruncatedStdout:   ex.truncOut,
		TruncatedStderr:   ex.truncErr,
		TerminationReason: ex.reason,
		CreatedAt:         ex.createdAt,
	}
	if !ex.startedAt.IsZero() {
		rec.StartedAt = &ex.startedAt
	}
	return rec
}

func logWarn(execID, msg string, err error) {
	logging.S().Warnw(msg, "execution", execID, "error", err)
}
