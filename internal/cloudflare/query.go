package cloudflare

import (
	"strings"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix returns a LIKE pattern matching paths that start with p taken
// literally.
func likePrefix(p string) string {
	return likeEscaper.Replace(p) + "%"
}

// analyticsQuery is constant: every caller-provided value travels in the
// variables object, so nothing a caller sends can change the document's structure.
const analyticsQuery = `query RequestMonitor(
  $zoneTag: string!
  $limit: uint64!
  $blockFilter: ZoneFirewallEventsAdaptiveFilter_InputObject!
  $requestFilter: ZoneHttpRequestsAdaptiveFilter_InputObject!
) {
  viewer {
    zones(filter: { zoneTag: $zoneTag }) {
      firewallEventsAdaptive(filter: $blockFilter, limit: $limit, orderBy: [datetime_DESC]) {
        clientIP
      }
      httpRequestsAdaptive(filter: $requestFilter, limit: $limit, orderBy: [datetime_DESC]) {
        clientIP
        clientRequestPath
      }
    }
  }
}`

// AnalyticsQuery describes one observation window for a zone.
type AnalyticsQuery struct {
	ZoneTag      string
	Start        time.Time
	End          time.Time
	MonitorPaths []string // path prefixes; empty means all paths
	Limit        int      // rows per dataset; 0 means config.MaxRowLimit
}

// BuildAnalyticsQuery returns the request that fetches block events and request
// logs for q. When MonitorPaths is non-empty, request logs are restricted to paths
// starting with any of the prefixes.
func BuildAnalyticsQuery(q AnalyticsQuery) (GraphQLRequest, error) {
	if q.End.Before(q.Start) {
		return GraphQLRequest{}, apierr.Invalid("timeRange", "end %s is before start %s", q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}

	limit := q.Limit
	if limit <= 0 || limit > config.MaxRowLimit {
		limit = config.MaxRowLimit
	}

	start := q.Start.UTC().Format(time.RFC3339)
	end := q.End.UTC().Format(time.RFC3339)

	requestFilter := map[string]any{
		"datetime_geq": start,
		"datetime_leq": end,
	}
	var prefixes []map[string]string
	for _, p := range q.MonitorPaths {
		if p == "" {
			continue
		}
		prefixes = append(prefixes, map[string]string{"clientRequestPath_like": likePrefix(p)})
	}
	if len(prefixes) > 0 {
		requestFilter["OR"] = prefixes
	}

	return GraphQLRequest{
		Query: analyticsQuery,
		Variables: map[string]any{
			"zoneTag": q.ZoneTag,
			"limit":   limit,
			"blockFilter": map[string]any{
				"datetime_geq": start,
				"datetime_leq": end,
				"action":       "block",
			},
			"requestFilter": requestFilter,
		},
	}, nil
}
