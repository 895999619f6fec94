// Package plan turns fetched incidents and a compiled rule set into ordered
// per-rule work queues.
package plan

import (
	"cmp"
	"slices"
	"strings"

	"github.com/linnemanlabs/pdautomator/internal/pagerduty"
	"github.com/linnemanlabs/pdautomator/internal/rules"
)

// Item is one command to run for one incident.
type Item struct {
	IncidentID string `json:"incident_id"`
	Command    string `json:"command"`
}

// Queue is the ordered work for a single rule.
type Queue struct {
	RuleIndex int        `json:"rule_index"`
	Rule      rules.Rule `json:"rule"`
	Items     []Item     `json:"items"`
}

// Plan holds one queue per rule with work, ordered by rule index.
type Plan struct {
	Queues []Queue `json:"queues"`

	// Considered counts incidents that had both an id and a description.
	Considered int `json:"considered"`

	// Matched counts incidents that matched at least one rule.
	Matched int `json:"matched"`
}

// Len returns the total number of items across all queues.
func (p *Plan) Len() int {
	n := 0
	for _, q := range p.Queues {
		n += len(q.Items)
	}
	return n
}

// Queue returns the queue for a rule index.
func (p *Plan) Queue(ruleIndex int) (*Queue, bool) {
	for i := range p.Queues {
		if p.Queues[i].RuleIndex == ruleIndex {
			return &p.Queues[i], true
		}
	}
	return nil, false
}

// Build matches every incident against set. Items within a queue keep the
// order incidents were fetched in. An incident matching several rules is
// queued once under each of them.
func Build(incidents []pagerduty.Incident, set *rules.Set) *Plan {
	p := &Plan{}

	// slot[i] is the position of rule i's queue in p.Queues, or -1
	slot := make([]int, set.Len())
	for i := range slot {
		slot[i] = -1
	}

	for i := range incidents {
		inc := &incidents[i]
		if inc.ID == "" {
			continue
		}
		desc, ok := inc.Description()
		if !ok {
			continue
		}
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		p.Considered++

		matched := false
		for _, idx := range set.Match(desc) {
			rule, ok := set.Rule(idx)
			if !ok {
				continue
			}
			cmd, ok := set.Expand(idx, desc)
			if !ok {
				continue
			}

			if slot[idx] < 0 {
				slot[idx] = len(p.Queues)
				p.Queues = append(p.Queues, Queue{RuleIndex: idx, Rule: rule})
			}
			q := &p.Queues[slot[idx]]
			q.Items = append(q.Items, Item{IncidentID: inc.ID, Command: cmd})
			matched = true
		}
		if matched {
			p.Matched++
		}
	}

	slices.SortFunc(p.Queues, func(a, b Queue) int {
		return cmp.Compare(a.RuleIndex, b.RuleIndex)
	})
	return p
}
