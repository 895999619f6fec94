// Package slack sends remediation outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/pdautomator/internal/dispatch"
)

const (
	maxOutputLen = 2500
	httpTimeout  = 10 * time.Second
)

// Notifier posts dispatch outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Notify posts one outcome to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, o *dispatch.Outcome) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(o))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(o *dispatch.Outcome) map[string]any {
	blocks := []map[string]any{
		headerBlock(o),
		fieldsBlock(o),
	}
	if o.Stdout != "" {
		blocks = append(blocks, outputBlock("stdout", o.Stdout))
	}
	if o.Stderr != "" {
		blocks = append(blocks, outputBlock("stderr", o.Stderr))
	}
	if o.Error != "" {
		blocks = append(blocks, outputBlock("error", o.Error))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(o))

	return map[string]any{
		"text":   fmt.Sprintf("%s %s for incident %s", statusEmoji(o), o.Command, o.IncidentID),
		"blocks": blocks,
	}
}

func headerBlock(o *dispatch.Outcome) map[string]any {
	title := "Remediation ran"
	switch {
	case o.Result == dispatch.OutcomeLaunchFailed:
		title = "Remediation failed to start"
	case o.Result == dispatch.OutcomeTimeout:
		title = "Remediation timed out"
	case o.Resolve == dispatch.ResolveDone:
		title = "Remediation ran, incident resolved"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", statusEmoji(o), title, o.IncidentID),
		},
	}
}

func fieldsBlock(o *dispatch.Outcome) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Command:* `%s`", o.Command),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rule:* `%s`", o.Pattern),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Result:* %s", o.Result),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Resolve:* %s", o.Resolve),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", o.Duration),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func outputBlock(label, text string) map[string]any {
	text = strings.ReplaceAll(truncate(text, maxOutputLen), "```", "'''")
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n```%s```", label, text),
		},
	}
}

func contextBlock(o *dispatch.Outcome) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("pdautomator • run %s • rule %d", o.RunID, o.RuleIndex),
			},
		},
	}
}

func statusEmoji(o *dispatch.Outcome) string {
	switch {
	case o.Result == dispatch.OutcomeLaunchFailed, o.Resolve == dispatch.ResolveFailed:
		return "\U0001f534" // red circle
	case o.Result == dispatch.OutcomeTimeout:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
