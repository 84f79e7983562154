package cloudflare

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

// FetchAnalytics runs the analytics query for q and extracts the request
// records and blocked client set.
func (c *Client) FetchAnalytics(ctx context.Context, token string, q AnalyticsQuery) (*model.Snapshot, error) {
	req, err := BuildAnalyticsQuery(q)
	if err != nil {
		return nil, err
	}
	body, err := c.GraphQL(ctx, token, req)
	if err != nil {
		return nil, err
	}
	return ParseAnalytics(body)
}

// ParseAnalytics extracts a Snapshot from a GraphQL response body. Missing or
// mistyped fields are reported instead of being read as empty collections.
func ParseAnalytics(body []byte) (*model.Snapshot, error) {
	zones := gjson.GetBytes(body, "data.viewer.zones")
	if !zones.IsArray() {
		return nil, malformed("data.viewer.zones is missing")
	}
	list := zones.Array()
	if len(list) == 0 {
		return nil, malformed("zone not found or not readable with this token")
	}
	zone := list[0]

	requests := zone.Get("httpRequestsAdaptive")
	if !requests.IsArray() {
		return nil, malformed("httpRequestsAdaptive is missing")
	}
	events := zone.Get("firewallEventsAdaptive")
	if !events.IsArray() {
		return nil, malformed("firewallEventsAdaptive is missing")
	}

	rows := requests.Array()
	snap := &model.Snapshot{
		Records: make([]model.RequestRecord, 0, len(rows)),
		Blocked: make(model.BlockedSet),
	}
	for i, r := range rows {
		ip, path := r.Get("clientIP"), r.Get("clientRequestPath")
		if ip.Type != gjson.String || path.Type != gjson.String {
			return nil, malformed(fmt.Sprintf("httpRequestsAdaptive[%d] lacks clientIP or clientRequestPath", i))
		}
		snap.Records = append(snap.Records, model.RequestRecord{ClientID: ip.Str, Path: path.Str})
	}
	for i, e := range events.Array() {
		ip := e.Get("clientIP")
		if ip.Type != gjson.String {
			return nil, malformed(fmt.Sprintf("firewallEventsAdaptive[%d] lacks clientIP", i))
		}
		snap.Blocked[ip.Str] = struct{}{}
	}
	return snap, nil
}

func malformed(msg string) error {
	return &apierr.RemoteAPIError{Op: "graphql", Message: "malformed response: " + msg}
}
