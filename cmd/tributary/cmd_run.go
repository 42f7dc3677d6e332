package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/crimson-sun/tributary/internal/config"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/pipeline"
	"github.com/crimson-sun/tributary/internal/window"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Fetch one window from a source and index it, in the foreground",
		Long: `Run fetches one window from a source and indexes it without going through
the queue. With --interval the window is the lagging window ending one
interval ago; --start and --end select an explicit backfill window.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().Int("interval", 5, "Window width in minutes")
	cmd.Flags().String("start", "", "Backfill window start (RFC 3339)")
	cmd.Flags().String("end", "", "Backfill window end (RFC 3339)")
	cmd.Flags().String("dataset", "", "Destination dataset (default <source>.audit)")
	cmd.Flags().String("namespace", "", "Destination namespace (default \"default\")")
	cmd.Flags().String("output", "", "Output: elasticsearch, stdout or file (overrides output.kind)")
	cmd.Flags().String("path", "", "File output path (overrides output.path)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	params, err := runWindow(cmd)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd, func(c *config.Config) {
		if kind, _ := cmd.Flags().GetString("output"); kind != "" {
			c.Output.Kind = kind
		}
		if path, _ := cmd.Flags().GetString("path"); path != "" {
			c.Output.Path = path
		}
		// A foreground run has no consumer for a broker queue.
		c.Queue.Kind = "memory"
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

	if !a.orch.HasSource(args[0]) {
		return fmt.Errorf("%w: %q (configured: %v)", pipeline.ErrUnknownSource, args[0], a.orch.Sources())
	}
	if a.dest != nil && cfg.Output.Kind == "elasticsearch" {
		a.provisionAll(ctx)
	}

	dataset, _ := cmd.Flags().GetString("dataset")
	namespace, _ := cmd.Flags().GetString("namespace")
	fetch, index := a.orch.RunOnce(ctx, pipeline.RunRequest{
		Source:    args[0],
		Window:    params,
		Dataset:   dataset,
		Namespace: namespace,
	})

	// Keep stdout for records when they are the output.
	w := cmd.OutOrStdout()
	if cfg.Output.Kind == "stdout" {
		w = cmd.ErrOrStderr()
	}
	if err := printRun(w, fetch, index); err != nil {
		return err
	}

	if fetch.Status == model.StatusFailed {
		return fmt.Errorf("fetch failed: %s", fetch.Error)
	}
	if index.Status == model.StatusFailed {
		return fmt.Errorf("index failed: %s", index.Error)
	}
	if index.Status != "" && !index.Status.Terminal() {
		return fmt.Errorf("index interrupted: %s", index.Error)
	}
	return nil
}

// runWindow reads the window flags. Explicit bounds win over --interval.
func runWindow(cmd *cobra.Command) (window.Params, error) {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	if start == "" && end == "" {
		interval, _ := cmd.Flags().GetInt("interval")
		if interval < 1 {
			return window.Params{}, fmt.Errorf("--interval must be positive, got %d", interval)
		}
		return window.Params{Interval: interval}, nil
	}
	if start == "" || end == "" {
		return window.Params{}, fmt.Errorf("--start and --end must be given together")
	}
	s, err := window.ParseTime(start)
	if err != nil {
		return window.Params{}, fmt.Errorf("--start: %w", err)
	}
	e, err := window.ParseTime(end)
	if err != nil {
		return window.Params{}, fmt.Errorf("--end: %w", err)
	}
	if _, err := window.Explicit(s, e); err != nil {
		return window.Params{}, err
	}
	return window.Params{Start: s, End: e}, nil
}

func printRun(w io.Writer, fetch, index model.RunResult) error {
	out := map[string]any{"fetch": fetch}
	if index.Status != "" {
		out["index"] = index
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
