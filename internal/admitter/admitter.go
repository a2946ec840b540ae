// Package admitter implements the pre-execution quota and concurrency gate
// (spec.md §4.4): per-user blocked status, language support, project
// ownership, concurrent-execution cap, hourly-rate cap, and storage quota,
// evaluated in priority order before an Orchestrator fibre is allowed to
// allocate a sandbox.
package admitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/catalogue"
	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/store"
)

// ConcurrencyCounter is the live per-user concurrent-execution counter.
// RedisCounter backs it in production; tests use an in-process fake.
type ConcurrencyCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) error
}

// Request describes one admission attempt.
type Request struct {
	UserID    uint
	ProjectID uint
	Language  string
}

// Token is the admission receipt the Orchestrator must present back to
// Release exactly once, on every terminal path including setup failure.
type Token struct {
	userID uint
	once   sync.Once
}

// Admitter evaluates admission requests against live counters in Redis and
// the durable stores, the way usage.Tracker.CheckQuota layers a Redis-backed
// counter over GORM-persisted usage rows.
type Admitter struct {
	counter    ConcurrencyCounter
	profiles   store.ProfileStore
	projects   store.ProjectStore
	executions store.ExecutionRecordStore
	settings   store.SettingsStore
	catalogue  *catalogue.Catalogue

	// limiters is a per-user secondary guard on top of the Redis counter so a
	// burst of concurrent admissions from the same user can't all observe a
	// stale executionsInLastHour value before the DB write they're racing
	// against becomes visible (spec.md §8 property 4, "modulo DB commit
	// visibility" — this limiter is this module's mitigation for that race).
	limMu    sync.Mutex
	limiters map[uint]*rate.Limiter
	cfg      Config
}

// Config configures the rate-limiter backstop; Burst/Every default to a
// generous allowance since the authoritative caps are the Redis counter and
// the hourly DB count — this is only a tiebreaker for in-flight races.
type Config struct {
	LimiterEvery time.Duration
	LimiterBurst int
}

func DefaultConfig() Config {
	return Config{LimiterEvery: time.Second, LimiterBurst: 5}
}

func New(counter ConcurrencyCounter, profiles store.ProfileStore, projects store.ProjectStore, executions store.ExecutionRecordStore, settings store.SettingsStore, cat *catalogue.Catalogue, cfg Config) *Admitter {
	if cfg.LimiterBurst <= 0 {
		cfg = DefaultConfig()
	}
	return &Admitter{
		counter:    counter,
		profiles:   profiles,
		projects:   projects,
		executions: executions,
		settings:   settings,
		catalogue:  cat,
		limiters:   make(map[uint]*rate.Limiter),
		cfg:        cfg,
	}
}

func (a *Admitter) limiterFor(userID uint) *rate.Limiter {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	l, ok := a.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(a.cfg.LimiterEvery), a.cfg.LimiterBurst)
		a.limiters[userID] = l
	}
	return l
}

func concurrencyKey(userID uint) string {
	return fmt.Sprintf("admitter:concurrent:%d", userID)
}

// Admit evaluates a request and, on success, increments the live concurrent
// counter and returns a Token the caller must Release exactly once.
//
// Rejection checks run in spec.md §4.4's documented priority order —
// Forbidden, UnsupportedLanguage, NotFound, TooManyConcurrent, RateLimited,
// QuotaExceeded — so a request that trips more than one condition at once
// (e.g. a blocked user requesting an unsupported language) always surfaces
// the same apexerr.Kind a caller checking only one condition at a time
// would never notice was order-dependent.
func (a *Admitter) Admit(ctx context.Context, req Request) (*Token, error) {
	profile, err := a.profiles.Get(ctx, req.UserID)
	if err != nil {
		if err == store.ErrNotFoundProfile {
			return nil, apexerr.New(apexerr.Forbidden, "user not found")
		}
		return nil, apexerr.Wrap(apexerr.Internal, "load profile", err)
	}
	if profile.IsBlocked() {
		return nil, apexerr.New(apexerr.Forbidden, "account is blocked")
	}

	if _, err := a.catalogue.Get(req.Language); err != nil {
		return nil, err
	}

	project, err := a.projects.Get(ctx, req.ProjectID)
	if err != nil {
		if err == store.ErrNotFoundProject {
			return nil, apexerr.New(apexerr.NotFound, "project not found")
		}
		return nil, apexerr.Wrap(apexerr.Internal, "load project", err)
	}
	if project.OwnerID != req.UserID {
		return nil, apexerr.New(apexerr.NotFound, "project not found")
	}

	settings, err := a.settings.Get(ctx)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.Internal, "load settings", err)
	}

	current, err := a.incrConcurrent(ctx, req.UserID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.Internal, "reserve concurrency slot", err)
	}
	maxConcurrent := concurrentCapFor(settings)
	if current > int64(maxConcurrent) {
		a.decrConcurrent(ctx, req.UserID)
		return nil, apexerr.New(apexerr.TooManyConcurrent, "too many concurrent executions")
	}

	hourCount, err := a.executions.CountInHour(ctx, req.UserID)
	if err != nil {
		a.decrConcurrent(ctx, req.UserID)
		return nil, apexerr.Wrap(apexerr.Internal, "count executions in hour", err)
	}
	if hourCount >= int64(settings.MaxExecutionsPerHour) {
		a.decrConcurrent(ctx, req.UserID)
		return nil, apexerr.New(apexerr.RateLimited, "hourly execution limit reached")
	}
	if !a.limiterFor(req.UserID).Allow() {
		a.decrConcurrent(ctx, req.UserID)
		return nil, apexerr.New(apexerr.RateLimited, "hourly execution limit reached")
	}

	if profile.StorageUsedBytes > int64(settings.MaxZipSizeMB)*1024*1024 {
		a.decrConcurrent(ctx, req.UserID)
		return nil, apexerr.New(apexerr.QuotaExceeded, "storage quota exceeded")
	}

	return &Token{userID: req.UserID}, nil
}

// concurrentCapFor derives the per-user concurrency ceiling. spec.md leaves
// the exact value to SettingsStore's broader tunables; this module ties it
// to MaxExecutionsPerHour/4 with a floor of 2, so a tighter hourly cap also
// tightens concurrency rather than leaving it unbounded.
func concurrentCapFor(s store.Settings) int {
	cap := s.MaxExecutionsPerHour / 4
	if cap < 2 {
		cap = 2
	}
	return cap
}

func (a *Admitter) incrConcurrent(ctx context.Context, userID uint) (int64, error) {
	if a.counter == nil {
		return 1, nil
	}
	return a.counter.Incr(ctx, concurrencyKey(userID))
}

func (a *Admitter) decrConcurrent(ctx context.Context, userID uint) {
	if a.counter == nil {
		return
	}
	if err := a.counter.Decr(ctx, concurrencyKey(userID)); err != nil {
		logging.S().Warnw("admitter: decrement concurrency counter failed", "user_id", userID, "error", err)
	}
}

// Release returns the admission slot. Safe to call multiple times; only the
// first call has effect, matching the Orchestrator's "release on any
// terminal path" contract without requiring callers to track whether they
// already released.
func (a *Admitter) Release(ctx context.Context, tok *Token) {
	if tok == nil {
		return
	}
	tok.once.Do(func() {
		a.decrConcurrent(ctx, tok.userID)
	})
}
