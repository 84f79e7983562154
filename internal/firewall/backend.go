// Package firewall pushes the flagged client list to a blocking backend.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

// Target identifies where one run writes its rule. Cloudflare ids are only
// used by the cloudflare backend.
type Target struct {
	ZoneID   string
	APIToken string
	FilterID string
	RuleID   string
}

// Applied carries the raw responses of a push.
type Applied struct {
	FilterUpdate json.RawMessage
	RuleUpdate   json.RawMessage
}

// Backend is the interface implemented by rule backends.
type Backend interface {
	// Replace installs expr (matching exactly ips) in place of whatever the
	// backend held before. Manager is the only caller and the single place
	// ips are validated, so implementations receive canonical, de-duplicated
	// addresses and do not check them again.
	Replace(ctx context.Context, t Target, expr string, ips []string) (Applied, error)
	// Name returns a short identifier for logging.
	Name() string
}

// NewBackend constructs the Backend named by cfg.Backend.Type. An empty type
// returns a nil Backend: runs report without pushing.
func NewBackend(cfg *config.Config, client *cloudflare.Client, logger *logging.Logger) (Backend, error) {
	switch cfg.Backend.Type {
	case "":
		return nil, nil
	case "cloudflare":
		return NewCloudflareBackend(client, cfg.Backend.Cloudflare, logger), nil
	case "http_api":
		return NewHTTPAPIBackend(cfg.Backend.HTTP, logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend.type %q", cfg.Backend.Type)
	}
}
