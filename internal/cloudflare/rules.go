package cloudflare

import (
	"context"
	"encoding/json"
	"net/url"
)

// FilterUpdate is the body of PUT /zones/{zone}/filters/{id}.
type FilterUpdate struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

// RuleUpdate is the body of PUT /zones/{zone}/firewall/rules/{id}.
type RuleUpdate struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Filter      FilterRef `json:"filter"`
	Action      string    `json:"action"`
	Priority    int       `json:"priority"`
}

// FilterRef binds a rule to an existing filter.
type FilterRef struct {
	ID string `json:"id"`
}

// UpdateFilter replaces the expression of an existing filter and returns the API response.
func (c *Client) UpdateFilter(ctx context.Context, token, zoneID string, f FilterUpdate) (json.RawMessage, error) {
	path := "/zones/" + url.PathEscape(zoneID) + "/filters/" + url.PathEscape(f.ID)
	return c.put(ctx, "update filter", token, path, f)
}

// UpdateRule rewrites an existing firewall rule and returns the API response.
func (c *Client) UpdateRule(ctx context.Context, token, zoneID string, r RuleUpdate) (json.RawMessage, error) {
	path := "/zones/" + url.PathEscape(zoneID) + "/firewall/rules/" + url.PathEscape(r.ID)
	return c.put(ctx, "update rule", token, path, r)
}
