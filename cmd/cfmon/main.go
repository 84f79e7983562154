package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/firewall"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/metrics"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/pipeline"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/scheduler"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/server"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/source"
)

var (
	configPath  = flag.String("config", "/etc/cfmon/config.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev" // Set via ldflags: -X main.version=v1.0.0
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("cfmon version", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infof("cfmon starting (version=%s)", version)
	logger.Infof("config loaded from %s (source=%s backend=%q schedule=%t)",
		*configPath, cfg.Source.Type, cfg.Backend.Type, cfg.Schedule.Enabled)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	// Set up root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(cfg)
	watcherStop, err := config.WatchFile(*configPath, store, logger)
	if err != nil {
		logger.Errorf("config watcher disabled: %v", err)
	}
	if watcherStop != nil {
		defer watcherStop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := cloudflare.NewClient(&cfg.Cloudflare, logger.Named("cloudflare"), m)

	if cfg.Server.Disabled && !cfg.Schedule.Enabled {
		return fmt.Errorf("nothing to do: server disabled and schedule not enabled")
	}

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		src, err := source.New(cfg, client, logger.Named("source"))
		if err != nil {
			return fmt.Errorf("failed to create source: %w", err)
		}
		backend, err := firewall.NewBackend(cfg, client, logger.Named("firewall"))
		if err != nil {
			return fmt.Errorf("failed to create rule backend: %w", err)
		}
		var updater pipeline.Updater
		if backend != nil {
			updater = firewall.NewManager(backend, &cfg.Backend, logger.Named("firewall"), m)
			logger.Infof("rule backend initialized: %s", backend.Name())
		}
		sched = scheduler.New(store, pipeline.NewRunner(src, updater, logger.Named("pipeline"), m), cfg.Backend, logger)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if !cfg.Server.Disabled {
		// Form requests always read from GraphQL and, when filter and rule ids
		// are posted, write through the Cloudflare backend.
		formBackend := firewall.NewCloudflareBackend(client, cfg.Backend.Cloudflare, logger.Named("firewall"))
		formRunner := pipeline.NewRunner(
			source.NewGraphQL(client, cfg.Cloudflare.Limit),
			firewall.NewManager(formBackend, &cfg.Backend, logger.Named("firewall"), m),
			logger.Named("pipeline"), m,
		)
		srv := server.New(store, formRunner, logger, m, reg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Server); err != nil {
				errCh <- err
			}
		}()
	}

	if sched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	// Block until shutdown signal or a component failure.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case runErr = <-errCh:
		stop()
	}

	wg.Wait()
	return runErr
}
