package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/catalogue"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/streammux"
)

// runFibre is the per-execution goroutine that owns ex end to end: admit
// (already done by Run), materialise, launch, stream, terminate, record —
// spec.md §4.5's numbered steps 2 through 8.
func (o *Orchestrator) runFibre(ctx context.Context, ex *execution, entry catalogue.Entry, req RunRequest) {
	defer o.admitter.Release(context.Background(), ex.admissionToken)

	if !ex.state.cas(StateQueued, StatePreparing) {
		return // a Stop raced admission; already terminal
	}

	settings, err := o.settings.Get(ctx)
	if err != nil {
		o.failSetup(ex, apexerr.Wrap(apexerr.Internal, "load settings", err))
		return
	}

	workDir, cleanup, err := o.materialize(ctx, ex, req)
	if err != nil {
		o.failSetup(ex, err)
		return
	}
	defer cleanup()

	if !ex.state.cas(StatePreparing, StateLaunching) {
		o.finalizePreempted(ex, nil)
		return
	}

	spec := sandbox.Spec{
		ExecutionID:  ex.id,
		Language:     entry.Language,
		ImageRef:     entry.ImageRef,
		ContainerDir: "/workspace",
		Command:      entry.RunCommand,
		EntryFile:    req.FilePath,
		Env:          entry.Env,
		CPUCores:     cpuCoresFor(settings, entry),
		MemoryBytes:  memoryBytesFor(settings, entry),
		PidsLimit:    entry.PidsLimit,
		AllowNetwork: entry.AllowNetwork,
		HostWorkDir:  workDir,
	}

	handle, err := o.driver.Create(ctx, spec)
	if err != nil {
		o.failSetup(ex, err)
		return
	}
	ex.handle = handle

	if len(req.FileContent) > 0 {
		if err := o.driver.WriteFile(ctx, handle, req.FilePath, req.FileContent); err != nil {
			o.failSetupWithHandle(ctx, ex, err)
			return
		}
	}

	streams, err := o.driver.Start(ctx, handle, req.Stdin)
	if err != nil {
		o.failSetupWithHandle(ctx, ex, err)
		return
	}

	if !ex.state.cas(StateLaunching, StateRunning) {
		o.finalizePreempted(ex, handle)
		return
	}
	ex.startedAt = time.Now().UTC()
	ex.publish(streammux.Frame{Kind: streammux.KindStatus, Status: streammux.StatusRunning})
	if o.sampler != nil {
		o.sampler.Start(ex.id, ex.userID)
	}

	maxRuntime := time.Duration(settings.MaxRuntimeSeconds) * time.Second
	if maxRuntime <= 0 {
		maxRuntime = 30 * time.Second
	}
	timer := time.NewTimer(maxRuntime)
	defer timer.Stop()

	overflowCh := make(chan struct{}, 1)

	outDone := make(chan struct{})
	go o.pumpStream(ex, streammux.KindStdout, streams.Stdout, entry.MaxOutputBytes, overflowCh, outDone)
	errDone := make(chan struct{})
	go o.pumpStream(ex, streammux.KindStderr, streams.Stderr, entry.MaxOutputBytes, overflowCh, errDone)

	var exitResult sandbox.ExitResult
	var reason State

	select {
	case exitResult = <-streams.Exit:
		reason = StateCompleted
	case <-timer.C:
		reason = StateTimeout
	case <-ctx.Done():
		reason = ex.state.load() // Stop/AdminKill already CAS'd to the target terminal state
	case <-overflowCh:
		reason = StateStopped
		ex.truncOut, ex.truncErr = true, true
	}

	if exitResult.OOMKilled {
		reason = StateOOM
	} else if reason == StateCompleted && exitResult.Err != nil {
		reason = StateCrashed
	}

	finalState, _ := ex.state.terminate(reason)
	ex.reason = terminationReasonFor(finalState)

	o.driver.Signal(context.Background(), handle, sandbox.SignalTerm)
	select {
	case <-outDone:
	case <-time.After(o.cfg.GracePeriod):
	}
	select {
	case <-errDone:
	case <-time.After(o.cfg.GracePeriod):
	}
	o.driver.Signal(context.Background(), handle, sandbox.SignalKill)

	code := exitResult.ExitCode
	ex.exitCode = &code

	statusFrame := streammux.Frame{Kind: streammux.KindStatus, Status: streamStatusFor(finalState)}
	ex.publish(statusFrame)

	o.teardown(ctx, ex, handle)

	if o.bus != nil {
		o.bus.Publish(fmt.Sprintf("execution/%s", ex.id), statusFrame)
	}

	elapsed := time.Since(ex.createdAt).Seconds()
	if o.metrics != nil {
		o.metrics.ExecutionFinished(entry.Language, finalState.String(), elapsed)
	}

	_ = o.executions.UpdateTerminal(context.Background(), ex.id, store.ExecutionRecord{
		Status:            finalState.String(),
		ExitCode:          ex.exitCode,
		ExecutionTimeMs:   time.Since(ex.startedAt).Milliseconds(),
		StdoutBytes:       ex.stdoutLen,
		StderrBytes:       ex.stderrLen,
		TruncatedStdout:   ex.truncOut,
		TruncatedStderr:   ex.truncErr,
		TerminationReason: ex.reason,
		EndedAt:           timePtr(time.Now().UTC()),
	})

	if o.abuse != nil {
		o.abuse.EvaluateUser(context.Background(), ex.userID)
	}

	o.evict(ex.id)
}

func (o *Orchestrator) failSetup(ex *execution, err error) {
	ex.state.terminate(StateSetupFailed)
	ex.reason = "setup-failed"
	ex.publish(streammux.Frame{Kind: streammux.KindStatus, Status: streammux.StatusError})
	_ = o.executions.UpdateTerminal(context.Background(), ex.id, store.ExecutionRecord{
		Status:            StateSetupFailed.String(),
		TerminationReason: "setup-failed",
		EndedAt:           timePtr(time.Now().UTC()),
	})
	o.evict(ex.id)
	logWarn(ex.id, "execution setup failed", err)
}

func (o *Orchestrator) failSetupWithHandle(ctx context.Context, ex *execution, err error) {
	if ex.handle != nil {
		o.driver.Destroy(context.Background(), ex.handle)
	}
	o.failSetup(ex, err)
}

// finalizePreempted handles a Stop/AdminKill that won the race against the
// fibre's own Preparing→Launching or Launching→Running transition: the
// terminal state is already set, so this just tears down whatever was
// allocated so far, publishes the terminal frame, and commits the record.
func (o *Orchestrator) finalizePreempted(ex *execution, handle *sandbox.Handle) {
	finalState := ex.state.load()
	ex.reason = terminationReasonFor(finalState)
	ex.publish(streammux.Frame{Kind: streammux.KindStatus, Status: streamStatusFor(finalState)})
	o.teardown(context.Background(), ex, handle)
	_ = o.executions.UpdateTerminal(context.Background(), ex.id, store.ExecutionRecord{
		Status:            finalState.String(),
		TerminationReason: ex.reason,
		EndedAt:           timePtr(time.Now().UTC()),
	})
	o.evict(ex.id)
}

// teardown destroys the sandbox before the terminal record commits,
// satisfying spec.md invariant 5 ("sandbox destroyed before the execution
// record is committed with a terminal state").
func (o *Orchestrator) teardown(ctx context.Context, ex *execution, handle *sandbox.Handle) {
	if o.sampler != nil {
		o.sampler.Stop(ex.id)
	}
	if handle == nil {
		handle = ex.handle
	}
	if handle != nil {
		if err := o.driver.Destroy(context.Background(), handle); err != nil {
			logWarn(ex.id, "sandbox teardown failed", err)
		}
	}
	ex.mux.Close()
}

// materialize pulls the project into a scratch host directory unless the
// caller opted a one-file run out of it (spec.md §4.5 step 3).
func (o *Orchestrator) materialize(ctx context.Context, ex *execution, req RunRequest) (string, func(), error) {
	dir, err := os.MkdirTemp(o.cfg.WorkDirRoot, "apex-run-")
	if err != nil {
		return "", func() {}, apexerr.Wrap(apexerr.SetupFailed, "create work dir", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if req.SkipMaterialize || o.syncer == nil {
		return dir, cleanup, nil
	}

	if _, err := o.syncer.Pull(ctx, fmt.Sprint(req.ProjectID), dir); err != nil {
		cleanup()
		return "", func() {}, apexerr.Wrap(apexerr.SetupFailed, "materialise project", err)
	}
	return dir, cleanup, nil
}

// pumpStream reads one stream, publishing a frame per line or every
// flushInterval, whichever comes first (spec.md §4.5 step 5), tracking
// cumulative bytes against the per-stream ceiling.
func (o *Orchestrator) pumpStream(ex *execution, kind streammux.Kind, r io.Reader, cap int64, overflowCh chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	reader := bufio.NewReader(r)
	buf := make([]byte, 0, 4096)
	interval := o.cfg.FlushInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()

	lineCh := make(chan []byte)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			b, err := reader.ReadByte()
			if err != nil {
				readErrCh <- err
				return
			}
			buf = append(buf, b)
			if b == '\n' {
				lineCh <- append([]byte(nil), buf...)
				buf = buf[:0]
			}
		}
	}()

	total := &ex.stdoutLen
	truncFlag := &ex.truncOut
	if kind == streammux.KindStderr {
		total = &ex.stderrLen
		truncFlag = &ex.truncErr
	}

	for {
		select {
		case line := <-lineCh:
			if o.emit(ex, kind, line, total, truncFlag, cap) {
				select {
				case overflowCh <- struct{}{}:
				default:
				}
				return
			}
		case <-flush.C:
			if len(buf) > 0 {
				chunk := append([]byte(nil), buf...)
				buf = buf[:0]
				if o.emit(ex, kind, chunk, total, truncFlag, cap) {
					select {
					case overflowCh <- struct{}{}:
					default:
					}
					return
				}
			}
		case <-readErrCh:
			if len(buf) > 0 {
				o.emit(ex, kind, append([]byte(nil), buf...), total, truncFlag, cap)
			}
			return
		}
	}
}

func (o *Orchestrator) emit(ex *execution, kind streammux.Kind, payload []byte, total *int64, truncFlag *bool, cap int64) bool {
	if cap > 0 && *total+int64(len(payload)) > cap {
		remaining := cap - *total
		if remaining > 0 {
			payload = payload[:remaining]
		} else {
			payload = nil
		}
		*truncFlag = true
		*total += int64(len(payload))
		if len(payload) > 0 {
			ex.publish(streammux.Frame{Kind: kind, Payload: payload})
		}
		return true
	}
	*total += int64(len(payload))
	ex.publish(streammux.Frame{Kind: kind, Payload: payload})
	return false
}

func cpuCoresFor(s store.Settings, e catalogue.Entry) float64 {
	if e.CPUCores > 0 {
		return e.CPUCores
	}
	return float64(s.MaxCPUPercent) / 100.0
}

func memoryBytesFor(s store.Settings, e catalogue.Entry) int64 {
	if e.MemoryBytes > 0 {
		return e.MemoryBytes
	}
	return int64(s.MaxMemoryMB) * 1024 * 1024
}

func terminationReasonFor(s State) string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateTimeout:
		return "timeout"
	case StateOOM:
		return "out-of-memory"
	case StateKilled:
		return "killed-admin"
	case StateCrashed:
		return "crashed"
	case StateSetupFailed:
		return "setup-failed"
	default:
		return "completed"
	}
}

func streamStatusFor(s State) streammux.Status {
	switch s {
	case StateCompleted:
		return streammux.StatusCompleted
	case StateStopped, StateKilled:
		return streammux.StatusStopped
	case StateTimeout:
		return streammux.StatusTimeout
	default:
		return streammux.StatusError
	}
}

func timePtr(t time.Time) *time.Time { return &t }
