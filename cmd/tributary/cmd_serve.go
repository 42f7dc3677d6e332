package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crimson-sun/tributary/internal/config"
	"github.com/crimson-sun/tributary/internal/scheduler"
	"github.com/crimson-sun/tributary/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger API, the index workers and the optional schedule",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().Bool("schedule", false, "Enable periodic runs (overrides schedule.enabled)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, func(c *config.Config) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			c.Server.Addr = addr
		}
		if cmd.Flags().Changed("schedule") {
			c.Schedule.Enabled, _ = cmd.Flags().GetBool("schedule")
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.dest != nil {
		if err := a.dest.Ping(ctx); err != nil {
			logger.Warn("elasticsearch not reachable at startup", "address", cfg.Elasticsearch.Address(), "error", err)
		}
		for _, rep := range a.provisionAll(ctx) {
			logger.Info("provisioned", "unique_id", rep.UniqueID, "pipeline", rep.Pipeline, "index_template", rep.IndexTemplate)
		}
	}

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	if cfg.Schedule.Enabled {
		for _, name := range cfg.EnabledSources() {
			sc := cfg.Sources[name]
			interval := sc.Interval
			if interval == 0 {
				interval = cfg.Schedule.Interval
			}
			job := scheduler.SourceJob{
				Source:          name,
				IntervalMinutes: interval,
				Cron:            sc.Cron,
				Dataset:         sc.Dataset,
				Namespace:       sc.Namespace,
			}
			if err := sched.AddSource(ctx, a.orch, job); err != nil {
				return fmt.Errorf("schedule %s: %w", name, err)
			}
		}
	}
	sched.Start()

	opts := server.Options{
		Schedules: sched,
		APIKeys:   cfg.Server.APIKeys,
		Logger:    logger,
	}
	if a.dest != nil {
		opts.Health = a.dest
	}
	router := server.NewRouter(a.orch, opts)

	// Index workers outlive the signal so batches from in-flight fetch
	// units are still written.
	indexCtx, stopIndexing := context.WithCancel(context.Background())
	defer stopIndexing()
	var g errgroup.Group
	g.Go(func() error {
		return a.orch.ServeIndexing(indexCtx)
	})

	logger.Info("tributary started",
		"version", version,
		"sources", a.orch.Sources(),
		"queue", cfg.Queue.Kind,
		"results", cfg.Results.Kind,
		"schedule", cfg.Schedule.Enabled,
	)

	err = server.Serve(ctx, cfg.Server.Addr, router, logger)

	if serr := sched.Stop(); serr != nil {
		logger.Warn("scheduler stop failed", "error", serr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := a.orch.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("fetch units cancelled at shutdown", "error", serr)
	}
	stopIndexing()
	if ierr := g.Wait(); ierr != nil && !errors.Is(ierr, context.Canceled) {
		logger.Warn("index workers stopped with error", "error", ierr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tributary stopped")
	return nil
}
