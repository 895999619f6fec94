package pagerduty

import (
	"context"
	"net/http"
	"net/url"
)

// Resolve marks an incident resolved on behalf of requesterID. Any HTTP
// response counts as delivered, including one whose body could not be read;
// the status code is returned for logging.
func (c *Client) Resolve(ctx context.Context, incidentID, requesterID string) (int, error) {
	u := c.baseURL + "/api/v1/incidents/" + url.PathEscape(incidentID) +
		"/resolve?requester_id=" + url.QueryEscape(requesterID)

	_, status, err := c.do(ctx, "resolve", http.MethodPut, u)
	if err != nil && status == 0 {
		return 0, err
	}
	return status, nil
}
