package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status filters incidents by lifecycle state.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ParseStatus maps a wire value to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusTriggered, StatusAcknowledged, StatusResolved:
		return Status(s), true
	}
	return "", false
}

// Incident is a PagerDuty incident as returned by the v1 list endpoint.
// Only ID and TriggerSummaryData drive matching; the rest is carried along.
type Incident struct {
	ID                 string              `json:"id,omitempty"`
	IncidentNumber     int                 `json:"incident_number,omitempty"`
	CreatedOn          string              `json:"created_on,omitempty"`
	Status             string              `json:"status,omitempty"`
	Service            *Service            `json:"service,omitempty"`
	TriggerSummaryData *TriggerSummaryData `json:"trigger_summary_data,omitempty"`
	LastStatusChangeOn string              `json:"last_status_change_on,omitempty"`
	ResolvedByUser     *User               `json:"resolved_by_user,omitempty"`
	Acknowledgers      []Acknowledger      `json:"acknowledgers,omitempty"`
}

// Service names the PagerDuty service an incident belongs to.
type Service struct {
	Name string `json:"name"`
}

// TriggerSummaryData holds the free-text description rules match against.
type TriggerSummaryData struct {
	Description string `json:"description,omitempty"`
}

// User is a PagerDuty user reference.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Acknowledger records who acknowledged an incident and when.
type Acknowledger struct {
	At     string `json:"at"`
	Object struct {
		Name string `json:"name"`
	} `json:"object"`
}

// Description returns the trigger summary description, if any.
func (i *Incident) Description() (string, bool) {
	if i.TriggerSummaryData == nil || i.TriggerSummaryData.Description == "" {
		return "", false
	}
	return i.TriggerSummaryData.Description, true
}

// Query selects incidents. Zero Since/Until and empty Status/Fields are omitted.
// Since and Until are calendar dates; only their year, month and day are sent.
type Query struct {
	Since  time.Time
	Until  time.Time
	Status Status
	Fields []string
}

// envelope is one page of the list endpoint. Every field is mandatory.
type envelope struct {
	Incidents *[]Incident `json:"incidents"`
	Limit     *int        `json:"limit"`
	Offset    *int        `json:"offset"`
	Total     *int        `json:"total"`
}

type page struct {
	incidents []Incident
	limit     int
	offset    int
	total     int
}

// Incidents returns every incident matching q, across all pages, in page
// order. The first page is fetched alone to learn limit and total; the
// remaining pages are fetched concurrently, at most c.concurrency at a time.
// Any failed page fails the call.
func (c *Client) Incidents(ctx context.Context, q Query) ([]Incident, error) {
	first, err := c.page(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	if len(first.incidents) == 0 {
		return []Incident{}, nil
	}

	offsets, err := remainingOffsets(first.total, first.limit, len(first.incidents))
	if err != nil {
		return nil, &DecodeError{URL: c.incidentsURL(q, 0), Err: err}
	}
	if len(offsets) == 0 {
		return first.incidents, nil
	}

	// one slot per offset keeps the result independent of arrival order
	pages := make([][]Incident, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, off := range offsets {
		g.Go(func() error {
			p, err := c.page(gctx, q, off)
			if err != nil {
				return err
			}
			pages[i] = p.incidents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := len(first.incidents)
	for _, p := range pages {
		n += len(p)
	}
	out := make([]Incident, 0, n)
	out = append(out, first.incidents...)
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, nil
}

// remainingOffsets lists the offsets after the first page. A server that
// reports no limit is assumed to page by the size of the first page.
func remainingOffsets(total, limit, firstLen int) ([]int, error) {
	if limit <= 0 {
		limit = firstLen
	}
	if limit <= 0 || total <= limit {
		return nil, nil
	}
	pages := (total - 1) / limit
	if pages > maxPages {
		return nil, fmt.Errorf("total %d with limit %d implies %d more pages (max %d)", total, limit, pages, maxPages)
	}
	offsets := make([]int, 0, pages)
	for off := limit; off < total; off += limit {
		offsets = append(offsets, off)
	}
	return offsets, nil
}

func (c *Client) page(ctx context.Context, q Query, offset int) (*page, error) {
	u := c.incidentsURL(q, offset)

	body, status, err := c.do(ctx, "list", http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &TransportError{Op: "list", URL: u, StatusCode: status}
	}

	return decodePage(u, body)
}

func decodePage(u string, body []byte) (*page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{URL: u, Err: err}
	}

	var missing []error
	if env.Incidents == nil {
		missing = append(missing, errors.New(`missing field "incidents"`))
	}
	if env.Limit == nil {
		missing = append(missing, errors.New(`missing field "limit"`))
	}
	if env.Offset == nil {
		missing = append(missing, errors.New(`missing field "offset"`))
	}
	if env.Total == nil {
		missing = append(missing, errors.New(`missing field "total"`))
	}
	if len(missing) > 0 {
		return nil, &DecodeError{URL: u, Err: errors.Join(missing...)}
	}

	return &page{
		incidents: *env.Incidents,
		limit:     *env.Limit,
		offset:    *env.Offset,
		total:     *env.Total,
	}, nil
}

// incidentsURL builds the list URL. Parameter order is fixed so identical
// queries produce identical URLs.
func (c *Client) incidentsURL(q Query, offset int) string {
	params := []string{
		"time_zone=" + url.QueryEscape(c.timezone),
		"offset=" + strconv.Itoa(offset),
	}
	if !q.Since.IsZero() {
		params = append(params, "since="+url.QueryEscape(q.Since.Format(time.DateOnly)+"T00:00:00"+c.timezoneShort))
	}
	if !q.Until.IsZero() {
		params = append(params, "until="+url.QueryEscape(q.Until.Format(time.DateOnly)+"T23:59:59"+c.timezoneShort))
	}
	if q.Status != "" {
		params = append(params, "status="+url.QueryEscape(string(q.Status)))
	}
	if len(q.Fields) > 0 {
		fields := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			fields[i] = url.QueryEscape(f)
		}
		params = append(params, "fields="+strings.Join(fields, ","))
	}
	return fmt.Sprintf("%s/api/v1/incidents?%s", c.baseURL, strings.Join(params, "&"))
}
