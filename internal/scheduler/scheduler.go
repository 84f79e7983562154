// Package scheduler triggers monitor runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/firewall"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/pipeline"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/rules"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/source"
)

// Runner executes one analysis.
type Runner interface {
	Run(ctx context.Context, p pipeline.Params) (*pipeline.Report, error)
}

// Scheduler runs the pipeline every schedule.interval with parameters taken
// from the config current at each tick. The push target always comes from the
// backend config the runner was built with; backend changes need a restart.
type Scheduler struct {
	store   *config.Store
	runner  Runner
	backend config.BackendConfig
	logger  *logging.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// New creates a Scheduler. backend must be the config the runner's updater was
// built from.
func New(store *config.Store, runner Runner, backend config.BackendConfig, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		runner:  runner,
		backend: backend,
		logger:  logger.Named("schedule"),
		now:     time.Now,
	}
}

// Run ticks until ctx is done, then waits for in-flight runs. Each run gets
// its own goroutine so a slow run never delays the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	first := s.store.Current().Schedule
	interval := first.Interval
	if interval <= 0 {
		s.logger.Errorf("scheduler not started: invalid interval %s", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infof("scheduler started: interval=%s run_on_start=%t", interval, first.RunOnStart)
	if first.RunOnStart {
		s.start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			cur := s.store.Current().Schedule
			if !cur.Enabled {
				continue
			}
			if cur.Interval > 0 && cur.Interval != interval {
				s.logger.Infof("schedule interval changed: from=%s to=%s", interval, cur.Interval)
				interval = cur.Interval
				ticker.Reset(interval)
			}
			s.start(ctx)
		}
	}
}

func (s *Scheduler) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.RunOnce(ctx)
	}()
}

// RunOnce performs a single scheduled run and logs its outcome. An empty
// window is not reported as an error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cfg := s.store.Current()
	runID := uuid.NewString()
	log := s.logger.With("run_id", runID)

	timeout := cfg.Schedule.RunTimeout
	if timeout <= 0 {
		timeout = cfg.Schedule.Interval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if cfg.Backend.Type != s.backend.Type {
		log.Warnf("backend.type changed from %q to %q; still pushing through %q until restart",
			s.backend.Type, cfg.Backend.Type, s.backend.Type)
	}

	started := s.now()
	rep, err := s.runner.Run(ctx, Params(cfg, s.backend, runID, started))
	var empty *apierr.EmptyResultError
	switch {
	case errors.As(err, &empty):
		log.Infof("scheduled run found no requests: zone=%s window=%s", cfg.Schedule.ZoneID, cfg.Defaults.TimeRange)
		return nil
	case err != nil:
		log.Errorf("scheduled run failed: zone=%s kind=%s err=%v", cfg.Schedule.ZoneID, apierr.Kind(err), err)
		return err
	}

	pushed := "none"
	if rep.Rule != nil {
		pushed = rep.Rule.Backend
		if rep.Rule.DryRun {
			pushed += " (dry-run)"
		}
	}
	log.Infof("scheduled run complete: zone=%s records=%d unblocked=%d blocked=%d rule=%s duration=%s",
		cfg.Schedule.ZoneID, rep.Records, len(rep.UnBlocked), len(rep.Blocked), pushed, s.now().Sub(started))
	return nil
}

// Params builds the pipeline parameters of a scheduled run ending at now.
// Window, thresholds and credentials come from cfg; the push target comes from backend.
func Params(cfg *config.Config, backend config.BackendConfig, runID string, now time.Time) pipeline.Params {
	d := cfg.Defaults
	cmp, _ := rules.ParseComparison(d.Comparison)
	end := now.UTC()

	p := pipeline.Params{
		Trigger: "schedule",
		RunID:   runID,
		Query: source.Query{
			ZoneID:       cfg.Schedule.ZoneID,
			APIToken:     cfg.Cloudflare.APIToken,
			Start:        end.Add(-d.TimeRange),
			End:          end,
			MonitorPaths: d.MonitorPaths,
		},
		Analysis: rules.Options{
			ExcludePaths: d.ExcludePaths,
			Threshold:    d.Threshold,
			MaxTopPaths:  d.MaxTopPaths,
			Comparison:   cmp,
		},
	}

	switch backend.Type {
	case "cloudflare":
		rc := backend.Cloudflare
		if rc == nil {
			break
		}
		p.Target = &firewall.Target{
			ZoneID:   cfg.Schedule.ZoneID,
			APIToken: cfg.Cloudflare.APIToken,
			FilterID: rc.FilterID,
			RuleID:   rc.RuleID,
		}
	case "http_api":
		p.Target = &firewall.Target{ZoneID: cfg.Schedule.ZoneID}
	}
	return p
}
