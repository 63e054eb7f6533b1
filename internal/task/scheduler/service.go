package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"otto/internal/eventbus"
	"otto/internal/runtime/supervisor"
	"otto/internal/storage"
	"otto/internal/task/lease"
	logx "otto/pkg/logx"
)

const (
	defaultRecordTimeout = 10 * time.Second
	maxErrorMessage      = 2000
)

// Service is the tick loop. One Service per process; several processes may
// share a store, exclusivity comes from the lease claim alone.
type Service struct {
	cfg    Config
	loc    *time.Location
	repo   Repository
	leases *lease.Manager
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	recordTimeout time.Duration
	spread        bool

	amu     sync.RWMutex
	actions map[string]Action

	tickMu sync.Mutex // one tick at a time

	mu    sync.Mutex
	phase Phase
	last  TickReport
	sup   *supervisor.Supervisor
}

type Option func(*Service)

// WithClock makes both the loop and its lease manager read time from now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOwner fixes the lease owner token.
func WithOwner(owner string) Option {
	return func(s *Service) { s.leases = s.leases.WithOwner(owner) }
}

// WithStartupSpread toggles the random delay before the first tick (on by default).
func WithStartupSpread(enabled bool) Option {
	return func(s *Service) { s.spread = enabled }
}

// WithRecordTimeout bounds the run-finish write after the tick context ended.
func WithRecordTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.recordTimeout = d
		}
	}
}

// New validates cfg and builds the loop over repo.
func New(cfg Config, repo Repository, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("scheduler: repository is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc, _ := cfg.Location()
	leases, err := lease.NewManager(repo, cfg.LockLease)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:           cfg,
		loc:           loc,
		repo:          repo,
		leases:        leases,
		log:           log,
		bus:           bus,
		now:           time.Now,
		recordTimeout: defaultRecordTimeout,
		spread:        true,
		actions:       map[string]Action{},
		phase:         PhaseIdle,
	}
	for _, o := range opts {
		o(s)
	}
	s.leases = s.leases.WithClock(s.now)
	s.log = s.log.With(logx.String("owner", s.leases.Owner()))
	return s, nil
}

// Register binds a job type to its action. Re-registering replaces it.
func (s *Service) Register(jobType string, a Action) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || a == nil {
		return fmt.Errorf("scheduler: job type and action are required")
	}
	s.amu.Lock()
	s.actions[jobType] = a
	s.amu.Unlock()
	return nil
}

func (s *Service) action(jobType string) (Action, bool) {
	s.amu.RLock()
	defer s.amu.RUnlock()
	a, ok := s.actions[jobType]
	return a, ok
}

func (s *Service) Owner() string { return s.leases.Owner() }

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastReport returns the report of the most recent completed tick.
func (s *Service) LastReport() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Start runs the loop under a supervisor until Stop. Disabled configs are a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("scheduler.loop", s.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("batch", s.cfg.BatchSize),
		logx.Duration("lease", s.cfg.LockLease),
		logx.String("tz", s.loc.String()),
	)
}

// Stop cancels the loop and waits for the in-flight tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Run ticks every cfg.Tick until ctx ends. The timer is reset only after a
// tick finishes, so ticks never overlap.
func (s *Service) Run(ctx context.Context) error {
	var delay time.Duration
	if s.spread {
		delay = startupDelay(s.cfg.Tick, s.Owner())
		if delay > 0 {
			s.log.Debug("first tick delayed", logx.Duration("delay", delay))
		}
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("tick failed", logx.Err(err))
		}
		t.Reset(s.cfg.Tick)
	}
}

// Tick runs one pass over the eligible batch. The returned error is only
// for a failed selection; per-job problems are counted in the report.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer s.setPhase(PhaseIdle)

	start := s.now()
	rep := TickReport{Started: start}

	s.setPhase(PhaseSelecting)
	jobs, err := s.repo.ListEligibleJobs(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("select eligible jobs: %w", err)
	}
	rep.Selected = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		s.setPhase(PhaseLeasing)
		l, ok, err := s.leases.Claim(ctx, job.ID)
		if err != nil {
			rep.Errors++
			s.log.Warn("lease claim failed", logx.String("job", job.ID), logx.Err(err))
			continue
		}
		if !ok {
			rep.Contended++
			s.log.Debug("lease contended", logx.String("job", job.ID))
			eventbus.Publish(s.bus, eventbus.TypeLeaseContended, eventbus.LeaseContended{JobID: job.ID})
			continue
		}
		rep.Claimed++

		switch s.runJob(ctx, job, l) {
		case runSucceeded:
			rep.Succeeded++
		case runFailed:
			rep.Failed++
		default:
			rep.Errors++
		}
	}

	rep.Took = s.now().Sub(start)
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	if rep.Selected > 0 {
		s.log.Info("tick completed",
			logx.Int("selected", rep.Selected),
			logx.Int("claimed", rep.Claimed),
			logx.Int("contended", rep.Contended),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("failed", rep.Failed),
			logx.Int("errors", rep.Errors),
			logx.Duration("took", rep.Took),
		)
	}
	eventbus.Publish(s.bus, eventbus.TypeTickCompleted, eventbus.TickCompleted{
		Selected:  rep.Selected,
		Claimed:   rep.Claimed,
		Contended: rep.Contended,
		Succeeded: rep.Succeeded,
		Failed:    rep.Failed,
		Took:      rep.Took,
	})
	return rep, nil
}

type runResult int

const (
	runErrored runResult = iota
	runSucceeded
	runFailed
)

// runJob executes one claimed job and always gives the lease back.
func (s *Service) runJob(ctx context.Context, job storage.Job, l lease.Lease) runResult {
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
		defer cancel()
		if err := s.leases.Release(rctx, l); err != nil {
			s.log.Warn("lease release failed", logx.String("job", job.ID), logx.Err(err))
		}
	}()

	run, err := s.repo.StartRun(ctx, job.ID, l.Owner)
	if err != nil {
		s.log.Warn("run start failed", logx.String("job", job.ID), logx.Err(err))
		return runErrored
	}

	started := s.now()
	var (
		res  Result
		aerr *ActionError
		spec ParsedSpec
	)
	if job.ScheduleType.Recurring() {
		spec, err = ParseScheduleAs(job.ScheduleType, job.Schedule)
		if err != nil {
			aerr = &ActionError{Code: CodeInvalidSchedule, Err: err}
		}
	}
	if aerr == nil {
		s.setPhase(PhaseDispatching)
		res, aerr = s.dispatch(ctx, job, l)
	}

	s.setPhase(PhaseRecording)
	finished := s.now()
	outcome, next := s.settle(job, spec, res, aerr, finished)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
	defer cancel()
	advanced, err := s.repo.FinishRun(rctx, run.ID, l.Owner, outcome, next)
	if err != nil {
		s.log.Error("run finish failed", logx.String("job", job.ID), logx.String("run", run.ID), logx.Err(err))
		return runErrored
	}
	if !advanced {
		s.log.Warn("lease lost before recording; job left for the next claimant",
			logx.String("job", job.ID), logx.String("run", run.ID))
	}

	took := finished.Sub(started)
	ev := eventbus.RunFinished{JobID: job.ID, RunID: run.ID, JobType: job.Type, Success: aerr == nil, Took: took}
	if aerr != nil {
		ev.ErrorCode = aerr.Code
		s.log.Warn("job run failed",
			logx.String("job", job.ID),
			logx.String("type", job.Type),
			logx.String("code", aerr.Code),
			logx.Err(aerr.Err),
			logx.Duration("dur", took),
		)
	} else if took >= 750*time.Millisecond {
		s.log.Info("job run completed", logx.String("job", job.ID), logx.String("type", job.Type), logx.Duration("dur", took))
	} else {
		s.log.Debug("job run completed", logx.String("job", job.ID), logx.String("type", job.Type), logx.Duration("dur", took))
	}
	eventbus.Publish(s.bus, eventbus.TypeRunFinished, ev)

	if aerr != nil {
		return runFailed
	}
	return runSucceeded
}

// dispatch runs the registered action under a deadline no later than the
// lease expiry. Panics become failures.
func (s *Service) dispatch(ctx context.Context, job storage.Job, l lease.Lease) (res Result, aerr *ActionError) {
	act, ok := s.action(job.Type)
	if !ok {
		return Result{}, &ActionError{Code: CodeUnknownType, Err: fmt.Errorf("no action registered for %q", job.Type)}
	}
	remaining := l.Remaining(s.now())
	if remaining <= 0 {
		return Result{}, &ActionError{Code: CodeTimeout, Err: fmt.Errorf("lease expired before dispatch")}
	}
	// Stopping the loop does not interrupt a running action; only the lease
	// bounds it.
	actx, cancel := context.WithDeadline(context.WithoutCancel(ctx), time.Now().Add(remaining))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("action panic", logx.String("job", job.ID), logx.String("type", job.Type),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res, aerr = Result{}, panicError(r)
		}
	}()
	out, err := act(actx, job)
	if err == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = actx.Err()
	}
	if e := classify(err, actx); e != nil {
		return Result{}, e
	}
	return out, nil
}

// settle turns the dispatch outcome into the run row and the job advance.
// Recurring jobs re-arm at their next natural time whatever the outcome. A
// cancelled run leaves the job due at its current slot for the next claimant.
func (s *Service) settle(job storage.Job, spec ParsedSpec, res Result, aerr *ActionError, now time.Time) (storage.RunOutcome, storage.JobAdvance) {
	outcome := storage.RunOutcome{
		Status:           storage.RunSuccess,
		Result:           res.Output,
		PromptProvenance: res.PromptProvenance,
	}
	if aerr != nil {
		outcome = storage.RunOutcome{
			Status:       storage.RunFailure,
			ErrorCode:    aerr.Code,
			ErrorMessage: truncate(aerr.Error(), maxErrorMessage),
		}
	}

	if aerr != nil && aerr.Code == CodeCancelled {
		return outcome, storage.JobAdvance{Status: storage.JobScheduled, ScheduledFor: job.ScheduledFor}
	}
	if !job.ScheduleType.Recurring() {
		if aerr != nil {
			return outcome, storage.JobAdvance{Status: storage.JobFailed}
		}
		return outcome, storage.JobAdvance{Status: storage.JobDone}
	}
	if aerr != nil && aerr.Code == CodeInvalidSchedule {
		return outcome, storage.JobAdvance{Status: storage.JobFailed}
	}
	next, err := spec.NextRun(job.ScheduledFor, now, s.loc)
	if err != nil {
		s.log.Error("next run not computable; job ends failed", logx.String("job", job.ID), logx.Err(err))
		return outcome, storage.JobAdvance{Status: storage.JobFailed}
	}
	return outcome, storage.JobAdvance{Status: storage.JobScheduled, ScheduledFor: next}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
