package firewall

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

// RuleUpdater is the part of the Cloudflare client the backend needs.
type RuleUpdater interface {
	UpdateFilter(ctx context.Context, token, zoneID string, f cloudflare.FilterUpdate) (json.RawMessage, error)
	UpdateRule(ctx context.Context, token, zoneID string, r cloudflare.RuleUpdate) (json.RawMessage, error)
}

// cloudflareBackend rewrites an existing filter and the firewall rule bound to it.
type cloudflareBackend struct {
	api         RuleUpdater
	description string
	action      string
	priority    int
	logger      *logging.Logger
}

// NewCloudflareBackend returns a backend writing through api. rc may be nil, in
// which case the rule is written as description "rate-limit", action "block",
// priority 1.
func NewCloudflareBackend(api RuleUpdater, rc *config.CloudflareRuleConfig, logger *logging.Logger) Backend {
	b := &cloudflareBackend{
		api:         api,
		description: "rate-limit",
		action:      "block",
		priority:    1,
		logger:      logger,
	}
	if rc != nil {
		if rc.Description != "" {
			b.description = rc.Description
		}
		if rc.Action != "" {
			b.action = rc.Action
		}
		if rc.Priority > 0 {
			b.priority = rc.Priority
		}
	}
	return b
}

func (b *cloudflareBackend) Name() string {
	return "cloudflare"
}

// Replace writes the filter first and the rule second. The two writes are not
// atomic: a rule failure after a filter success leaves the new filter in place
// and is reported as a partial update.
func (b *cloudflareBackend) Replace(ctx context.Context, t Target, expr string, ips []string) (Applied, error) {
	var out Applied
	if t.FilterID == "" {
		return out, apierr.Invalid("filterId", "is required for the cloudflare backend")
	}
	if t.RuleID == "" {
		return out, apierr.Invalid("ruleId", "is required for the cloudflare backend")
	}

	filterResp, err := b.api.UpdateFilter(ctx, t.APIToken, t.ZoneID, cloudflare.FilterUpdate{
		ID:         t.FilterID,
		Expression: expr,
	})
	if err != nil {
		return out, err
	}
	out.FilterUpdate = filterResp
	b.logger.Infof("filter updated: zone=%s filter=%s ips=%d", t.ZoneID, t.FilterID, len(ips))

	ruleResp, err := b.api.UpdateRule(ctx, t.APIToken, t.ZoneID, cloudflare.RuleUpdate{
		ID:          t.RuleID,
		Description: b.description,
		Filter:      cloudflare.FilterRef{ID: t.FilterID},
		Action:      b.action,
		Priority:    b.priority,
	})
	if err != nil {
		return out, partial(t, err)
	}
	out.RuleUpdate = ruleResp
	b.logger.Infof("rule updated: zone=%s rule=%s action=%s", t.ZoneID, t.RuleID, b.action)
	return out, nil
}

// partial rewrites a rule-step failure so callers can tell the filter already changed.
func partial(t Target, err error) error {
	var remote *apierr.RemoteAPIError
	if !errors.As(err, &remote) {
		return &apierr.RemoteAPIError{Op: "update rule", Message: "partial update: filter " + t.FilterID + " was updated but the rule was not", Err: err}
	}
	p := *remote
	p.Message = "partial update: filter " + t.FilterID + " was updated but the rule was not: " + remote.Message
	return &p
}
