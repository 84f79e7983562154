package firewall

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/metrics"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

// ApplyResult describes one push.
type ApplyResult struct {
	Backend      string
	Expression   string
	IPs          []string // what the expression matches
	Whitelisted  []string // flagged but never listed
	Rejected     []string // not IP addresses
	DryRun       bool
	FilterUpdate json.RawMessage
	RuleUpdate   json.RawMessage
}

// Manager turns a partition into one replacing rule update on a Backend.
type Manager struct {
	backend   Backend
	logger    *logging.Logger
	metrics   *metrics.Metrics
	dryRun    bool
	whitelist *whitelistMatcher
}

// NewManager creates a Manager. cfg supplies dry-run and whitelist; m may be nil.
func NewManager(backend Backend, cfg *config.BackendConfig, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		backend:   backend,
		logger:    logger,
		metrics:   m,
		dryRun:    cfg.DryRun,
		whitelist: newWhitelistMatcher(cfg.Whitelist),
	}
}

// Name returns the backend name.
func (m *Manager) Name() string {
	return m.backend.Name()
}

// Apply lists every flagged client of p, blocked first, in a single rule that
// replaces the previous one.
func (m *Manager) Apply(ctx context.Context, t Target, p model.Partition) (*ApplyResult, error) {
	return m.replace(ctx, t, p.ClientIDs())
}

// Clear replaces the rule with one that matches nothing.
func (m *Manager) Clear(ctx context.Context, t Target) (*ApplyResult, error) {
	return m.replace(ctx, t, nil)
}

func (m *Manager) replace(ctx context.Context, t Target, ids []string) (*ApplyResult, error) {
	res := &ApplyResult{Backend: m.backend.Name(), DryRun: m.dryRun}

	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.whitelist.Contains(id) {
			res.Whitelisted = append(res.Whitelisted, id)
			continue
		}
		kept = append(kept, id)
	}
	if len(res.Whitelisted) > 0 {
		m.logger.Infof("rule update skipped whitelisted ips: %s backend=%s", strings.Join(res.Whitelisted, ","), res.Backend)
	}

	res.IPs, res.Rejected = cloudflare.CanonicalIPs(kept)
	if len(res.Rejected) > 0 {
		m.logger.Warnf("rule update dropped ids that are not IP addresses: %q backend=%s", res.Rejected, res.Backend)
	}
	res.Expression, _ = cloudflare.BuildExpression(res.IPs)

	if m.dryRun {
		m.logger.Infof("DRY-RUN rule update: zone=%s filter=%s rule=%s backend=%s expression=%s",
			t.ZoneID, t.FilterID, t.RuleID, res.Backend, res.Expression)
		m.metrics.ObserveRuleUpdate(res.Backend, "dry_run")
		return res, nil
	}

	applied, err := m.backend.Replace(ctx, t, res.Expression, res.IPs)
	res.FilterUpdate = applied.FilterUpdate
	res.RuleUpdate = applied.RuleUpdate
	if err != nil {
		m.logger.Errorf("rule update failed: zone=%s backend=%s err=%v", t.ZoneID, res.Backend, err)
		m.metrics.ObserveRuleUpdate(res.Backend, apierr.Kind(err))
		return res, err
	}
	m.logger.Infof("rule update applied: zone=%s backend=%s ips=%d", t.ZoneID, res.Backend, len(res.IPs))
	m.metrics.ObserveRuleUpdate(res.Backend, "ok")
	return res, nil
}
