package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crimson-sun/tributary/internal/provision"
)

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Install the ingest pipelines and index templates",
		Args:  cobra.NoArgs,
		RunE:  runProvision,
	}
}

func runProvision(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.UsesElasticsearch() {
		return errors.New("provision needs the elasticsearch output or task store")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	reports := a.provisionAll(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return err
	}
	for _, rep := range reports {
		if rep.Pipeline == provision.Failed || rep.IndexTemplate == provision.Failed {
			return fmt.Errorf("provisioning %s failed; see log", rep.UniqueID)
		}
	}
	return nil
}
