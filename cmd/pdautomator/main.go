// pdautomator fetches triggered PagerDuty incidents, runs the remediation
// command configured for each matching description and resolves incidents
// whose command output passes the configured check.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/pdautomator/internal/authmw"
	"github.com/linnemanlabs/pdautomator/internal/automator"
	"github.com/linnemanlabs/pdautomator/internal/automator/memstore"
	pc "github.com/linnemanlabs/pdautomator/internal/cfg"
	"github.com/linnemanlabs/pdautomator/internal/command"
	"github.com/linnemanlabs/pdautomator/internal/config"
	"github.com/linnemanlabs/pdautomator/internal/dispatch"
	"github.com/linnemanlabs/pdautomator/internal/notify/console"
	"github.com/linnemanlabs/pdautomator/internal/notify/slack"
	"github.com/linnemanlabs/pdautomator/internal/pagerduty"
	"github.com/linnemanlabs/pdautomator/internal/runapi"
)

const appName = "pdautomator"
const component = "automator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    pc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env vars fill only what the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "PDAUTOMATOR_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.Watch && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	loaded, err := config.LoadFrom(appCfg.ConfigPath)
	if err != nil {
		return err
	}
	for _, w := range loaded.Warnings {
		L.Warn(ctx, "config warning", "path", appCfg.ConfigPath, "warning", w)
	}
	conf := &loaded.Config

	loc, err := conf.PagerDuty.Location()
	if err != nil {
		L.Warn(ctx, "unknown timezone, using local zone", "timezone", conf.PagerDuty.Timezone, "error", err)
	}

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"config", appCfg.ConfigPath,
		"actions", len(conf.Actions),
		"watch", appCfg.Watch,
		"debug", appCfg.Debug,
		"fetch_interval_sec", conf.PagerDuty.FetchIntervalSec,
		"since_days", conf.PagerDuty.SinceDays,
		"enable_tracing", traceCfg.EnableTracing,
		"enable_pyroscope", profCfg.EnablePyroscope,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// link spans to pyroscope profiles when both are on
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	runMetrics := automator.NewMetrics(m.Registry())

	pdOpts := pagerdutyOptions(&conf.PagerDuty)
	pd := pagerduty.New(pdOpts)
	defer pd.Close()

	// resolves get their own connection each, outside the fetch rate limit
	resolveOpts := pdOpts
	resolveOpts.RateLimit = 0
	resolvers := func() dispatch.Resolver { return pagerduty.New(resolveOpts) }

	engine := dispatch.NewEngine(command.Runner{}, resolvers, dispatch.Config{
		RequesterID: conf.PagerDuty.RequesterID,
		Notifier:    newNotifier(ctx, L, &appCfg, conf),
		Verbose:     appCfg.Debug,
	}, L, runMetrics.DispatchHooks())

	svc, err := automator.NewService(automator.Options{
		Rules:     conf.Rules(),
		SinceDays: conf.PagerDuty.SinceDays,
		Location:  loc,
	}, pd, engine, memstore.New(memstore.DefaultCapacity), L, runMetrics.Hooks())
	if err != nil {
		return fmt.Errorf("compile actions: %w", err)
	}

	if !appCfg.Watch {
		res, err := svc.RunOnce(ctx, automator.TriggerStartup)
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		L.Info(ctx, "done", "run_id", res.ID, "executed", res.Executed, "resolved", res.Resolved, "aborted_queues", res.Aborted)
		return nil
	}

	// watch mode: ops and run API listeners, cycles on the fetch interval
	interval := conf.PagerDuty.FetchInterval()
	if interval <= 0 {
		return errors.New("watch mode needs pagerduty.fetch_interval_sec > 0")
	}

	// fails readiness while draining
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 16))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	r.Group(func(r chi.Router) {
		if appCfg.APIToken != "" {
			r.Use(authmw.Token(appCfg.APIToken))
		} else {
			L.Warn(ctx, "run api has no token configured, triggering runs is unauthenticated")
		}
		runapi.New(L, svc).RegisterRoutes(r)
	})

	// outermost wrapper sees the raw request first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start run api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop run api http listener")
		}
	}()

	watchDone := make(chan error, 1)
	go func() { watchDone <- svc.Watch(ctx, interval) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	if err := <-watchDone; err != nil {
		L.Error(context.Background(), err, "watch loop stopped")
	}

	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	stopFns := shutdownSteps(apiHTTPStop, svc.WaitIdle, opsHTTPStop, shutdownOtelx)
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, stopFns)

	L.Info(context.Background(), "shutdown complete")
	return nil
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdownSteps orders shutdown. The run API stops accepting first so no new
// cycle can start once the in-flight run has been waited for.
func shutdownSteps(apiStop, waitRun, opsStop, otelStop func(context.Context) error) []stopFn {
	return []stopFn{
		{"run api http server", apiStop},
		{"in-flight run", waitRun},
		{"ops http server", opsStop},
		{"otel", otelStop},
	}
}

// stopAll runs each step in order with a per-component budget sliced from the total.
func stopAll(L log.Logger, budget time.Duration, steps []stopFn) {
	if len(steps) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(steps))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range steps {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

func pagerdutyOptions(p *config.PagerDuty) pagerduty.Options {
	return pagerduty.Options{
		Org:           p.Org,
		Token:         p.Token,
		Timezone:      p.Timezone,
		TimezoneShort: p.TimezoneShort,
		BaseURL:       p.BaseURL,
		Timeout:       time.Duration(p.TimeoutSec) * time.Second,
		RateLimit:     p.RateLimit,
	}
}

// newNotifier picks where action outcomes go: the console under -debug,
// otherwise Slack when a webhook is configured, otherwise nowhere.
func newNotifier(ctx context.Context, L log.Logger, appCfg *pc.Config, conf *config.Config) dispatch.Notifier {
	if appCfg.Debug {
		L.Info(ctx, "notifier enabled", "type", "console")
		return console.New(L)
	}
	webhook := appCfg.SlackWebhookURL
	if webhook == "" {
		webhook = conf.Slack.WebhookURL
	}
	if webhook == "" {
		return nil
	}
	L.Info(ctx, "notifier enabled", "type", "slack")
	return slack.New(webhook)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit has Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
