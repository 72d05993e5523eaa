// Package runtime owns the polling orchestrator: per-service timers that
// drive adapter fetches through acceptance guards into the cache, with every
// completed attempt recorded against the service's run history.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/0xlens/yieldsync/internal/expr"
	"github.com/0xlens/yieldsync/internal/metrics"
	"github.com/0xlens/yieldsync/internal/runtime/cache"
	"github.com/0xlens/yieldsync/internal/runtime/jobs"
	"github.com/0xlens/yieldsync/internal/runtime/source"
)

var (
	// ErrUnknownService reports a trigger or live read against a service
	// the scheduler has no job for.
	ErrUnknownService = errors.New("runtime: unknown service")
	// ErrAlreadyRunning reports a manual trigger that collided with an
	// in-flight run of the same service.
	ErrAlreadyRunning = errors.New("runtime: service already running")
	// ErrUnavailable reports a live read that could not be served from
	// cache or upstream. Callers must surface it, never fabricate data.
	ErrUnavailable = errors.New("runtime: source unavailable")
)

// Job binds one service to its adapter and cache placement. The guard is
// optional; the zero Guard accepts everything.
type Job struct {
	Service     string
	Adapter     source.Adapter
	CacheKey    string
	CacheSource string
	TTL         time.Duration
	Guard       expr.Guard
}

// TriggerResult summarizes one manually triggered run.
type TriggerResult struct {
	RunID   string             `json:"runId"`
	Service string             `json:"service"`
	Result  source.FetchResult `json:"result"`
}

// SchedulerOptions configures the orchestrator.
type SchedulerOptions struct {
	Store   jobs.Store
	Cache   *cache.Store
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   clock.Clock
}

// Scheduler arms one cancellable timer per enabled service. A firing timer
// runs the service once and re-arms; interval changes re-arm only the touched
// service. Services run at most once concurrently: a tick that lands while
// the previous run is still in flight is skipped without recording, and a
// manual trigger of a running service reports a conflict instead of queueing.
type Scheduler struct {
	store   jobs.Store
	cache   *cache.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	clk     clock.Clock

	mu      sync.Mutex
	jobs    map[string]Job
	timers  map[string]*clock.Timer
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewScheduler constructs an idle scheduler; Start arms the timers.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		store:   opts.Store,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("agent", "scheduler")),
		clk:     clk,
		jobs:    make(map[string]Job),
		timers:  make(map[string]*clock.Timer),
		running: make(map[string]bool),
	}
}

// SetJobs replaces the job set. Timers for removed services stop; if the
// scheduler is started, new and surviving services are re-armed from their
// stored configuration. Call after boot and after every catalog reload.
func (s *Scheduler) SetJobs(ctx context.Context, set []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Job, len(set))
	for _, job := range set {
		next[job.Service] = job
	}
	for name, timer := range s.timers {
		if _, keep := next[name]; !keep {
			timer.Stop()
			delete(s.timers, name)
		}
	}
	s.jobs = next

	if s.ctx != nil {
		for name := range s.jobs {
			s.armLocked(ctx, name)
		}
	}
}

// Start arms every job's timer. The supplied context bounds all scheduled
// runs; cancelling it stops firing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for name := range s.jobs {
		s.armLocked(ctx, name)
	}
	s.logger.Info("scheduler started", slog.Int("services", len(s.jobs)))
}

// Stop cancels scheduled firing and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Rearm re-reads one service's stored interval and enablement and resets only
// that service's timer. Call after a configuration update.
func (s *Scheduler) Rearm(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return ErrUnknownService
	}
	if s.ctx == nil {
		return nil
	}
	s.armLocked(ctx, name)
	return nil
}

// armLocked resets the named service's timer from its stored configuration.
// Disabled services and zero intervals are never armed. A service that has
// run before fires when its interval elapses from the last run; one that has
// never run waits a full interval from now, so a fleet restart does not
// stampede every upstream at once.
func (s *Scheduler) armLocked(ctx context.Context, name string) {
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}

	cfg, err := s.store.Get(ctx, name)
	if err != nil {
		s.logger.Warn("arm skipped, service not in store",
			slog.String("service", name), slog.String("error", err.Error()))
		return
	}
	if !cfg.Enabled || cfg.IntervalMinutes <= 0 {
		return
	}

	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	delay := interval
	if cfg.LastRun != nil {
		if elapsed := s.clk.Now().Sub(*cfg.LastRun); elapsed >= interval {
			delay = time.Millisecond
		} else if elapsed > 0 {
			delay = interval - elapsed
		}
	}
	s.timers[name] = s.clk.AfterFunc(delay, func() { s.fire(name) })
}

// fire handles one timer expiry: run unless already running, then re-arm.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	job, known := s.jobs[name]
	if ctx == nil || ctx.Err() != nil || !known {
		s.mu.Unlock()
		return
	}
	busy := s.running[name]
	if !busy {
		s.running[name] = true
	}
	s.mu.Unlock()

	if busy {
		s.logger.Warn("tick skipped, previous run still in flight", slog.String("service", name))
		s.mu.Lock()
		s.armLocked(ctx, name)
		s.mu.Unlock()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := s.runOnce(ctx, job)
		s.recordRun(ctx, name, result, "scheduled")

		s.mu.Lock()
		delete(s.running, name)
		if s.ctx != nil && s.ctx.Err() == nil {
			s.armLocked(ctx, name)
		}
		s.mu.Unlock()
	}()
}

// Trigger runs one service immediately, bypassing due-ness but not the rate
// limiter, and records the run like any scheduled attempt. The returned
// result carries a fresh run identifier.
func (s *Scheduler) Trigger(ctx context.Context, name string) (TriggerResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return TriggerResult{}, ErrUnknownService
	}
	if s.running[name] {
		s.mu.Unlock()
		return TriggerResult{}, ErrAlreadyRunning
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	runID := uuid.NewString()
	result := s.runOnce(ctx, job)
	s.recordRun(ctx, name, result, "manual")
	return TriggerResult{RunID: runID, Service: name, Result: result}, nil
}

// Live serves a consumer read: the cached sample when fresh, otherwise a
// single-flight fetch through the service's adapter. Live reads do not touch
// run history; only scheduled and manually triggered runs do. A source that
// cannot produce data yields ErrUnavailable, never a fabricated sample.
func (s *Scheduler) Live(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownService
	}

	data, err := s.cache.GetOrFetch(ctx, job.CacheKey, job.CacheSource, job.TTL, func(fetchCtx context.Context) (any, error) {
		result := s.runFetch(fetchCtx, job)
		if !result.Success {
			return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, result.Kind, result.Error)
		}
		return result.Sample, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Running reports the services with an in-flight run, for health reporting.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.running {
		out = append(out, name)
	}
	return out
}

// Services lists the service names the scheduler has jobs for.
func (s *Scheduler) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// runOnce is one complete attempt: fetch, guard, cache write. A panic inside
// an adapter is recovered and reported as a failed run.
func (s *Scheduler) runOnce(ctx context.Context, job Job) (result source.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked",
				slog.String("service", job.Service),
				slog.Any("panic", r))
			result = source.FetchResult{Error: fmt.Sprintf("panic: %v", r), Kind: source.ErrorTransport}
		}
	}()

	result = s.runFetch(ctx, job)
	if !result.Success {
		return result
	}

	s.cache.Set(ctx, job.CacheKey, result.Sample, job.CacheSource, job.TTL)
	return result
}

// runFetch executes the adapter call and the acceptance guard. A rejected
// sample becomes a parse-class failure; the previous cache entry is left
// alone.
func (s *Scheduler) runFetch(ctx context.Context, job Job) source.FetchResult {
	started := s.clk.Now()
	result := job.Adapter.Fetch(ctx)
	s.metrics.ObserveFetch(job.Service, fetchOutcome(result), s.clk.Now().Sub(started))

	if !result.Success {
		s.logger.Warn("fetch failed",
			slog.String("service", job.Service),
			slog.String("kind", string(result.Kind)),
			slog.String("error", result.Error))
		return result
	}

	if job.Guard.Defined() {
		accepted, err := job.Guard.Accept(guardVars(result))
		if err != nil {
			s.logger.Warn("guard evaluation failed",
				slog.String("service", job.Service),
				slog.String("error", err.Error()))
			return source.FetchResult{
				Error:      "guard: " + err.Error(),
				Kind:       source.ErrorParse,
				StatusCode: result.StatusCode,
				Duration:   result.Duration,
			}
		}
		if !accepted {
			s.logger.Warn("sample rejected by guard",
				slog.String("service", job.Service),
				slog.String("guard", job.Guard.Source()))
			s.metrics.ObserveFetch(job.Service, metrics.FetchRejected, result.Duration)
			return source.FetchResult{
				Error:      "sample rejected by guard " + job.Guard.Source(),
				Kind:       source.ErrorParse,
				StatusCode: result.StatusCode,
				Duration:   result.Duration,
			}
		}
	}
	return result
}

func (s *Scheduler) recordRun(ctx context.Context, name string, result source.FetchResult, kind string) {
	outcome := "failed"
	if result.Success {
		outcome = "succeeded"
	}
	s.metrics.ObserveRun(name, result.Success)

	errMsg := result.Error
	if !result.Success && errMsg == "" {
		errMsg = string(result.Kind)
	}
	if err := s.store.RecordRun(ctx, name, result.Success, errMsg); err != nil {
		s.logger.Error("run not recorded",
			slog.String("service", name),
			slog.String("error", err.Error()))
	}
	s.logger.Info("run completed",
		slog.String("service", name),
		slog.String("trigger", kind),
		slog.String("outcome", outcome),
		slog.Duration("duration", result.Duration))
}

func guardVars(result source.FetchResult) map[string]any {
	var apy, tvl any
	if result.Sample.APY != nil {
		apy = *result.Sample.APY
	}
	if result.Sample.TVL != nil {
		tvl = *result.Sample.TVL
	}
	metadata := result.Sample.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"apy":        apy,
		"tvl":        tvl,
		"status":     result.StatusCode,
		"elapsed_ms": result.Duration.Milliseconds(),
		"metadata":   metadata,
	}
}

func fetchOutcome(result source.FetchResult) metrics.FetchOutcome {
	if result.Success {
		return metrics.FetchSuccess
	}
	switch result.Kind {
	case source.ErrorHTTP:
		return metrics.FetchHTTPError
	case source.ErrorTimeout:
		return metrics.FetchTimeout
	case source.ErrorTransport:
		return metrics.FetchTransportError
	case source.ErrorParse:
		return metrics.FetchParseError
	case source.ErrorConfig:
		return metrics.FetchConfigError
	default:
		return metrics.FetchTransportError
	}
}
