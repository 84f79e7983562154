// Package pipeline runs one monitor invocation: fetch, aggregate, optionally push.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/firewall"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/metrics"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/rules"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/source"
)

// Updater pushes a partition as a replacing rule.
type Updater interface {
	Apply(ctx context.Context, t firewall.Target, p model.Partition) (*firewall.ApplyResult, error)
	Clear(ctx context.Context, t firewall.Target) (*firewall.ApplyResult, error)
}

// Params describe one invocation.
type Params struct {
	Trigger  string // "http" or "schedule", used in metrics
	RunID    string
	Query    source.Query
	Analysis rules.Options
	Target   *firewall.Target // nil reports without pushing
}

// Report is the outcome of a successful invocation. It encodes as
// {"UnBlocked": [...], "Blocked": [...]} plus the raw rule responses when a
// push happened.
type Report struct {
	model.Partition
	FilterUpdate json.RawMessage `json:"filterUpdate,omitempty"`
	RuleUpdate   json.RawMessage `json:"ruleUpdate,omitempty"`

	Records int                   `json:"-"`
	Rule    *firewall.ApplyResult `json:"-"`
}

// Runner wires a Source and an optional Updater together.
type Runner struct {
	source  source.Source
	updater Updater
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRunner returns a Runner. updater and m may be nil.
func NewRunner(src source.Source, updater Updater, logger *logging.Logger, m *metrics.Metrics) *Runner {
	return &Runner{source: src, updater: updater, logger: logger, metrics: m}
}

// Run executes one invocation. An empty window yields an *apierr.EmptyResultError;
// when a push target is set the rule is first reset to match nothing.
func (r *Runner) Run(ctx context.Context, p Params) (*Report, error) {
	rep, err := r.run(ctx, p)
	r.metrics.ObserveRun(p.Trigger, apierr.Kind(err))
	return rep, err
}

func (r *Runner) run(ctx context.Context, p Params) (*Report, error) {
	log := r.logger.With("run_id", p.RunID, "trigger", p.Trigger)
	if p.Target != nil && r.updater == nil {
		return nil, &apierr.InternalError{Err: fmt.Errorf("rule update requested but no backend is configured")}
	}

	started := time.Now()
	snap, err := r.source.Fetch(ctx, p.Query)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveRecords(len(snap.Records))
	log.Debugf("fetched window: source=%s records=%d blocked=%d duration=%s",
		r.source.Name(), len(snap.Records), len(snap.Blocked), time.Since(started))

	if len(snap.Records) == 0 {
		if p.Target != nil {
			if _, err := r.updater.Clear(ctx, *p.Target); err != nil {
				return nil, fmt.Errorf("clear rule for empty window: %w", err)
			}
		}
		return nil, &apierr.EmptyResultError{Start: p.Query.Start, End: p.Query.End}
	}

	opts := p.Analysis
	opts.Blocked = snap.Blocked
	part := rules.Evaluate(snap.Records, opts)
	r.metrics.ObserveFlagged(len(part.Blocked), len(part.UnBlocked))

	rep := &Report{Partition: part, Records: len(snap.Records)}
	if p.Target == nil {
		return rep, nil
	}

	res, err := r.updater.Apply(ctx, *p.Target, part)
	if err != nil {
		return nil, err
	}
	rep.Rule = res
	rep.FilterUpdate = res.FilterUpdate
	rep.RuleUpdate = res.RuleUpdate
	return rep, nil
}
