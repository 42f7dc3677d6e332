package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crimson-sun/tributary/internal/config"
	"github.com/crimson-sun/tributary/internal/logging"

	// Register connector implementations.
	_ "github.com/crimson-sun/tributary/internal/connector/atlassian"
	_ "github.com/crimson-sun/tributary/internal/connector/jira"
	_ "github.com/crimson-sun/tributary/internal/connector/postman"
	_ "github.com/crimson-sun/tributary/internal/connector/zendesk"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:           "tributary",
		Short:         "Incremental SaaS audit-log ingestion into Elasticsearch",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file (default "+config.DefaultPath+" when present)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(provisionCmd())
	root.AddCommand(sourcesCmd())
	root.AddCommand(configCmdGroup())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tributary: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config, lets override adjust it,
// validates it and installs the logger.
func loadConfig(cmd *cobra.Command, override ...func(*config.Config)) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	for _, fn := range override {
		fn(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.Init(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
