// Package console reports remediation outcomes through the process logger,
// for -debug runs where nothing should reach Slack.
package console

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/pdautomator/internal/dispatch"
)

// Notifier logs every outcome at info level.
type Notifier struct {
	logger log.Logger
}

// New creates a console notifier. A nil logger discards everything.
func New(logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{logger: logger.With("component", "notify")}
}

// Notify logs o. It never fails.
func (n *Notifier) Notify(ctx context.Context, o *dispatch.Outcome) error {
	n.logger.Info(ctx, "action outcome",
		"run_id", o.RunID,
		"rule", o.RuleIndex,
		"incident_id", o.IncidentID,
		"command", o.Command,
		"result", o.Result,
		"resolve", o.Resolve,
		"duration", o.Duration,
		"stdout", o.Stdout,
		"stderr", o.Stderr,
		"error", o.Error,
	)
	return nil
}
