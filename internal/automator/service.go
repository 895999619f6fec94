package automator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/pdautomator/internal/dispatch"
	"github.com/linnemanlabs/pdautomator/internal/pagerduty"
	"github.com/linnemanlabs/pdautomator/internal/plan"
	"github.com/linnemanlabs/pdautomator/internal/rules"
)

// ErrBusy is returned when a cycle is requested while another is running.
var ErrBusy = errors.New("a run is already in progress")

// fetchFields are the only incident fields a cycle needs.
var fetchFields = []string{"id", "trigger_summary_data"}

const idlePoll = 100 * time.Millisecond

// Fetcher lists incidents.
type Fetcher interface {
	Incidents(ctx context.Context, q pagerduty.Query) ([]pagerduty.Incident, error)
}

// Dispatcher executes a plan.
type Dispatcher interface {
	Run(ctx context.Context, runID string, p *plan.Plan, set *rules.Set) *dispatch.Report
}

// Hooks are optional observation callbacks. Nil fields are skipped.
type Hooks struct {
	OnFetched  func(n int)
	OnRunDone  func(run *Run)
	OnRejected func(trigger Trigger)
}

// Options configures a Service.
type Options struct {
	Rules []rules.Rule

	// SinceDays widens the fetch window to that many days before today.
	SinceDays int

	// Location decides what "today" is. Defaults to time.Local.
	Location *time.Location
}

// Service runs cycles. At most one cycle runs at a time.
type Service struct {
	set     *rules.Set
	opts    Options
	fetcher Fetcher
	engine  Dispatcher
	store   Store
	logger  log.Logger
	hooks   Hooks
	running atomic.Bool
	now     func() time.Time
}

// NewService compiles the rules and creates a Service. An invalid rule
// pattern is reported here, before any network call.
func NewService(opts Options, fetcher Fetcher, engine Dispatcher, store Store, logger log.Logger, hooks Hooks) (*Service, error) {
	set, err := rules.Compile(opts.Rules)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		set:     set,
		opts:    opts,
		fetcher: fetcher,
		engine:  engine,
		store:   store,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}, nil
}

// Running reports whether a cycle is in progress.
func (s *Service) Running() bool { return s.running.Load() }

// RunOnce runs a cycle synchronously. The returned Run is never nil unless
// the error is ErrBusy or the store rejected the initial report. A fetch
// failure is returned as the error with the run marked failed.
func (s *Service) RunOnce(ctx context.Context, trigger Trigger) (*Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.rejected(trigger)
		return nil, ErrBusy
	}
	defer s.running.Store(false)

	run, err := s.newRun(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return s.cycle(ctx, run)
}

// Submit starts a cycle in the background and returns its id.
func (s *Service) Submit(ctx context.Context, trigger Trigger) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.rejected(trigger)
		return "", ErrBusy
	}

	run, err := s.newRun(ctx, trigger)
	if err != nil {
		s.running.Store(false)
		return "", err
	}

	// pass the run by value so the caller never shares the pointer
	go func(run Run) {
		defer s.running.Store(false)
		_, _ = s.cycle(context.WithoutCancel(ctx), &run)
	}(*run)

	return run.ID, nil
}

// Watch runs a cycle immediately and then every interval until ctx is done.
// Ticks that fire while a cycle is still running are skipped.
func (s *Service) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", interval)
	}

	s.tick(ctx, TriggerStartup)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx, TriggerInterval)
		}
	}
}

// tick starts a background cycle unless one is already running.
func (s *Service) tick(ctx context.Context, trigger Trigger) {
	id, err := s.Submit(ctx, trigger)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Warn(ctx, "previous run still in progress, skipping tick", "trigger", trigger)
	case err != nil:
		s.logger.Error(ctx, err, "failed to start run", "trigger", trigger)
	default:
		s.logger.Info(ctx, "run started", "run_id", id, "trigger", trigger)
	}
}

// WaitIdle blocks until no cycle is running or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(idlePoll)
	defer t.Stop()
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run still in progress: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// Get retrieves a run report by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns recent run reports, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.List(ctx, limit)
}

func (s *Service) newRun(ctx context.Context, trigger Trigger) (*Run, error) {
	run := &Run{
		ID:        ulid.Make().String(),
		Trigger:   trigger,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.Put(ctx, run); err != nil {
		return nil, fmt.Errorf("store run %s: %w", run.ID, err)
	}
	return run, nil
}

// cycle fetches, plans and dispatches. The caller holds the running flag.
func (s *Service) cycle(ctx context.Context, run *Run) (*Run, error) {
	L := s.logger.With("run_id", run.ID, "trigger", run.Trigger)

	run.Status = StatusInProgress
	s.put(ctx, L, run)

	since := s.now().In(s.opts.Location).AddDate(0, 0, -s.opts.SinceDays)
	incidents, err := s.fetcher.Incidents(ctx, pagerduty.Query{
		Since:  since,
		Status: pagerduty.StatusTriggered,
		Fields: fetchFields,
	})
	if err != nil {
		L.Error(ctx, err, "failed to fetch incidents")
		run.Status = StatusFailed
		run.Error = err.Error()
		s.finish(ctx, L, run)
		return run, err
	}
	run.Fetched = len(incidents)
	if s.hooks.OnFetched != nil {
		s.hooks.OnFetched(len(incidents))
	}

	p := plan.Build(incidents, s.set)
	run.Considered = p.Considered
	run.Matched = p.Matched
	L.Info(ctx, "plan built",
		"fetched", len(incidents),
		"considered", p.Considered,
		"matched", p.Matched,
		"queues", len(p.Queues),
		"items", p.Len(),
	)

	rep := s.engine.Run(ctx, run.ID, p, s.set)
	run.Queues = rep.Queues
	run.Executed = rep.Executed()
	run.Resolved = rep.Resolved()
	run.Aborted = rep.Aborted()
	run.Status = StatusComplete
	s.finish(ctx, L, run)

	return run, nil
}

func (s *Service) finish(ctx context.Context, L log.Logger, run *Run) {
	run.CompletedAt = s.now()
	run.Duration = run.CompletedAt.Sub(run.CreatedAt).Seconds()
	s.put(ctx, L, run)

	if s.hooks.OnRunDone != nil {
		s.hooks.OnRunDone(run)
	}

	L.Info(ctx, "run complete",
		"status", run.Status,
		"duration", run.Duration,
		"executed", run.Executed,
		"resolved", run.Resolved,
		"aborted_queues", run.Aborted,
	)
}

// put stores a copy. A store failure is logged; the cycle carries on.
func (s *Service) put(ctx context.Context, L log.Logger, run *Run) {
	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to persist run report", "status", run.Status)
	}
}

func (s *Service) rejected(trigger Trigger) {
	if s.hooks.OnRejected != nil {
		s.hooks.OnRejected(trigger)
	}
}
