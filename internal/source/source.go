// Package source fetches the request records and blocked clients of one window.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

// Query selects one observation window.
type Query struct {
	ZoneID       string
	APIToken     string
	Start        time.Time
	End          time.Time
	MonitorPaths []string // path prefixes; empty means all paths
}

// Source is implemented by anything that can produce a Snapshot for a window.
type Source interface {
	Fetch(ctx context.Context, q Query) (*model.Snapshot, error)
	Name() string
}

// New returns the Source named by cfg.Source.Type.
func New(cfg *config.Config, client *cloudflare.Client, logger *logging.Logger) (Source, error) {
	switch cfg.Source.Type {
	case "", "graphql":
		return NewGraphQL(client, cfg.Cloudflare.Limit), nil
	case "file":
		return NewFile(cfg.Source.File, cfg.Cloudflare.Limit, logger)
	default:
		return nil, fmt.Errorf("unsupported source.type %q", cfg.Source.Type)
	}
}

// Analytics is the part of the Cloudflare client the GraphQL source needs.
type Analytics interface {
	FetchAnalytics(ctx context.Context, token string, q cloudflare.AnalyticsQuery) (*model.Snapshot, error)
}

// GraphQL reads request logs and block events from the Cloudflare analytics API.
type GraphQL struct {
	api   Analytics
	limit int
}

// NewGraphQL returns a GraphQL source requesting at most limit rows per dataset.
func NewGraphQL(api Analytics, limit int) *GraphQL {
	return &GraphQL{api: api, limit: limit}
}

func (g *GraphQL) Name() string {
	return "graphql"
}

func (g *GraphQL) Fetch(ctx context.Context, q Query) (*model.Snapshot, error) {
	return g.api.FetchAnalytics(ctx, q.APIToken, cloudflare.AnalyticsQuery{
		ZoneTag:      q.ZoneID,
		Start:        q.Start,
		End:          q.End,
		MonitorPaths: q.MonitorPaths,
		Limit:        g.limit,
	})
}
