package dispatch

import "fmt"

// Command outcomes, used as metric labels and in reports.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeLaunchFailed = "launch_failed"
)

// Resolve outcomes.
const (
	ResolveSkipped = "skipped"
	ResolveDone    = "resolved"
	ResolveFailed  = "failed"
)

// Outcome describes one executed queue item.
type Outcome struct {
	RunID         string  `json:"run_id"`
	RuleIndex     int     `json:"rule_index"`
	Pattern       string  `json:"pattern"`
	IncidentID    string  `json:"incident_id"`
	Command       string  `json:"command"`
	Result        string  `json:"result"`
	Stdout        string  `json:"stdout,omitempty"`
	Stderr        string  `json:"stderr,omitempty"`
	Duration      float64 `json:"duration_seconds"`
	Resolve       string  `json:"resolve"`
	ResolveStatus int     `json:"resolve_status,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// QueueReport summarizes one rule worker.
type QueueReport struct {
	RuleIndex     int       `json:"rule_index"`
	Pattern       string    `json:"pattern"`
	Planned       int       `json:"planned"`
	Executed      int       `json:"executed"`
	Resolved      int       `json:"resolved"`
	ResolveFailed int       `json:"resolve_failed"`
	Aborted       bool      `json:"aborted,omitempty"`
	Error         string    `json:"error,omitempty"`
	Outcomes      []Outcome `json:"outcomes,omitempty"`
}

// Report is the result of dispatching a whole plan. Queues follow plan order.
type Report struct {
	Queues []QueueReport `json:"queues"`
}

// Executed returns the number of commands run across all queues.
func (r *Report) Executed() int {
	n := 0
	for _, q := range r.Queues {
		n += q.Executed
	}
	return n
}

// Resolved returns the number of incidents resolved across all queues.
func (r *Report) Resolved() int {
	n := 0
	for _, q := range r.Queues {
		n += q.Resolved
	}
	return n
}

// Aborted returns the number of queues abandoned after a launch failure.
func (r *Report) Aborted() int {
	n := 0
	for _, q := range r.Queues {
		if q.Aborted {
			n++
		}
	}
	return n
}

// ResolveError reports a failed resolve callback for one incident.
type ResolveError struct {
	IncidentID string
	Err        error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve incident %s: %v", e.IncidentID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }
