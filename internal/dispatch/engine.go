// Package dispatch runs planned remediation commands: one worker per rule,
// items in order within a worker, workers fully independent of each other.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/pdautomator/internal/command"
	"github.com/linnemanlabs/pdautomator/internal/plan"
	"github.com/linnemanlabs/pdautomator/internal/rules"
)

const (
	tracerName = "github.com/linnemanlabs/pdautomator/internal/dispatch"

	// logExcerpt caps stdout/stderr in logs and stored outcomes unless verbose.
	logExcerpt = 512

	// storedExcerpt caps stdout/stderr kept on outcomes in reports.
	storedExcerpt = 4096
)

// Runner executes one command line.
type Runner interface {
	Run(ctx context.Context, line string, timeout time.Duration) (*command.Output, error)
}

// Resolver closes an incident on the remote service.
type Resolver interface {
	Resolve(ctx context.Context, incidentID, requesterID string) (int, error)
	Close()
}

// ResolverFactory returns a new Resolver with its own connection. The
// engine calls it once per resolve and closes the result afterwards.
type ResolverFactory func() Resolver

// Notifier is told about every executed item.
type Notifier interface {
	Notify(ctx context.Context, o *Outcome) error
}

// Hooks are optional observation callbacks. Nil fields are skipped.
type Hooks struct {
	OnCommand   func(outcome string, duration float64)
	OnResolve   func(outcome string)
	OnQueueDone func(q *QueueReport)
	OnNotify    func(ok bool)
}

// Config carries engine settings that are not collaborators.
type Config struct {
	RequesterID string
	Notifier    Notifier

	// Verbose logs full command output instead of an excerpt.
	Verbose bool
}

// Engine executes plans.
type Engine struct {
	runner    Runner
	resolvers ResolverFactory
	cfg       Config
	logger    log.Logger
	hooks     Hooks
	tracer    trace.Tracer

	// sleep pauses between items; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. runner must not be nil.
func NewEngine(runner Runner, resolvers ResolverFactory, cfg Config, logger log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		runner:    runner,
		resolvers: resolvers,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		tracer:    otel.Tracer(tracerName),
		sleep:     sleepCtx,
	}
}

// Run executes every queue of p concurrently, one goroutine per queue, and
// returns once all of them have finished. Cancelling ctx does not cut a
// queue short.
func (e *Engine) Run(ctx context.Context, runID string, p *plan.Plan, set *rules.Set) *Report {
	ctx = context.WithoutCancel(ctx)
	rep := &Report{Queues: make([]QueueReport, len(p.Queues))}

	var wg sync.WaitGroup
	for i := range p.Queues {
		q := &p.Queues[i]
		qr := &rep.Queues[i]
		qr.RuleIndex = q.RuleIndex
		qr.Pattern = q.Rule.Pattern
		qr.Planned = len(q.Items)

		wg.Go(func() {
			e.runQueue(ctx, runID, q, set, qr)
		})
	}
	wg.Wait()

	return rep
}

// runQueue is one rule worker. It owns qr exclusively.
func (e *Engine) runQueue(ctx context.Context, runID string, q *plan.Queue, set *rules.Set, qr *QueueReport) {
	L := e.logger.With("run_id", runID, "rule", q.RuleIndex, "pattern", q.Rule.Pattern)

	ctx, span := e.tracer.Start(ctx, "dispatch.queue", trace.WithAttributes(
		attribute.String("pdautomator.run.id", runID),
		attribute.Int("pdautomator.rule.index", q.RuleIndex),
		attribute.Int("pdautomator.queue.items", len(q.Items)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			L.Error(ctx, err, "rule worker crashed, abandoning queue")
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			qr.Aborted = true
			qr.Error = err.Error()
		}
		if e.hooks.OnQueueDone != nil {
			e.hooks.OnQueueDone(qr)
		}
	}()

	pause := time.Duration(q.Rule.PauseSeconds) * time.Second
	timeout := time.Duration(q.Rule.TimeoutSeconds) * time.Second

	for i, item := range q.Items {
		if i > 0 && pause > 0 {
			if err := e.sleep(ctx, pause); err != nil {
				L.Warn(ctx, "pause interrupted", "error", err)
			}
		}

		o, err := e.execute(ctx, L, runID, q, item, timeout)
		if err != nil {
			L.Error(ctx, err, "command could not be started, abandoning remaining queue",
				"incident_id", item.IncidentID,
				"remaining", len(q.Items)-i-1,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "launch failed")
			qr.Aborted = true
			qr.Error = err.Error()
			qr.Outcomes = append(qr.Outcomes, *o)
			e.notify(ctx, L, o)
			return
		}
		qr.Executed++

		if set.ShouldResolve(q.RuleIndex, o.Stdout) {
			status, err := e.resolve(ctx, item.IncidentID)
			o.ResolveStatus = status
			if err != nil {
				L.Error(ctx, err, "resolve failed", "incident_id", item.IncidentID)
				o.Resolve = ResolveFailed
				o.Error = err.Error()
				qr.ResolveFailed++
			} else {
				L.Info(ctx, "incident resolved", "incident_id", item.IncidentID, "status", status)
				o.Resolve = ResolveDone
				qr.Resolved++
			}
		}
		if e.hooks.OnResolve != nil {
			e.hooks.OnResolve(o.Resolve)
		}

		e.notify(ctx, L, o)

		stored := *o
		stored.Stdout = truncate(stored.Stdout, storedExcerpt)
		stored.Stderr = truncate(stored.Stderr, storedExcerpt)
		qr.Outcomes = append(qr.Outcomes, stored)
	}
}

// execute runs one item. The returned Outcome is never nil.
func (e *Engine) execute(ctx context.Context, L log.Logger, runID string, q *plan.Queue, item plan.Item, timeout time.Duration) (*Outcome, error) {
	o := &Outcome{
		RunID:      runID,
		RuleIndex:  q.RuleIndex,
		Pattern:    q.Rule.Pattern,
		IncidentID: item.IncidentID,
		Command:    item.Command,
		Resolve:    ResolveSkipped,
	}

	ctx, span := e.tracer.Start(ctx, "command.execute", trace.WithAttributes(
		attribute.String("pdautomator.incident.id", item.IncidentID),
		attribute.Int("pdautomator.rule.index", q.RuleIndex),
	))
	defer span.End()

	L.Info(ctx, "executing command", "incident_id", item.IncidentID, "command", item.Command)

	start := time.Now()
	out, err := e.runner.Run(ctx, item.Command, timeout)
	o.Duration = time.Since(start).Seconds()

	if err != nil {
		o.Result = OutcomeLaunchFailed
		o.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		if e.hooks.OnCommand != nil {
			e.hooks.OnCommand(o.Result, o.Duration)
		}
		return o, err
	}

	o.Result = OutcomeOK
	if out.TimedOut {
		o.Result = OutcomeTimeout
	}
	o.Stdout = out.Stdout
	o.Stderr = out.Stderr
	span.SetAttributes(
		attribute.String("pdautomator.command.result", o.Result),
		attribute.Int("pdautomator.command.stdout_bytes", len(out.Stdout)),
	)
	if e.hooks.OnCommand != nil {
		e.hooks.OnCommand(o.Result, o.Duration)
	}

	stdout, stderr := out.Stdout, out.Stderr
	if !e.cfg.Verbose {
		stdout = truncate(stdout, logExcerpt)
		stderr = truncate(stderr, logExcerpt)
	}
	L.Info(ctx, "command finished",
		"incident_id", item.IncidentID,
		"result", o.Result,
		"duration", o.Duration,
		"stdout", stdout,
		"stderr", stderr,
	)

	return o, nil
}

// resolve uses a fresh Resolver for this single call.
func (e *Engine) resolve(ctx context.Context, incidentID string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "incident.resolve", trace.WithAttributes(
		attribute.String("pdautomator.incident.id", incidentID),
	))
	defer span.End()

	if e.resolvers == nil {
		err := &ResolveError{IncidentID: incidentID, Err: errors.New("no resolver configured")}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no resolver")
		return 0, err
	}

	r := e.resolvers()
	defer r.Close()

	status, err := r.Resolve(ctx, incidentID, e.cfg.RequesterID)
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return status, &ResolveError{IncidentID: incidentID, Err: err}
	}
	return status, nil
}

func (e *Engine) notify(ctx context.Context, L log.Logger, o *Outcome) {
	if e.cfg.Notifier == nil {
		return
	}
	err := e.cfg.Notifier.Notify(ctx, o)
	if err != nil {
		L.Warn(ctx, "notification failed", "incident_id", o.IncidentID, "error", err)
	}
	if e.hooks.OnNotify != nil {
		e.hooks.OnNotify(err == nil)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncate caps s at limit bytes, cutting on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
