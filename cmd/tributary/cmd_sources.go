package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/crimson-sun/tributary/internal/connector"
)

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List sources and whether their credentials are complete",
		Args:  cobra.NoArgs,
		RunE:  runSources,
	}
}

func runSources(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENABLED\tCREDENTIALS\tSCHEDULE")
	for _, name := range connector.Providers() {
		sc, ok := cfg.Sources[name]
		enabled := ok && !sc.Disabled

		creds := "ok"
		if _, err := connector.New(sc.ConnectorConfig(name)); err != nil {
			creds = err.Error()
		}

		schedule := "-"
		switch {
		case !enabled || !cfg.Schedule.Enabled:
		case sc.Cron != "":
			schedule = "cron " + sc.Cron
		case sc.Interval > 0:
			schedule = fmt.Sprintf("every %dm", sc.Interval)
		default:
			schedule = fmt.Sprintf("every %dm", cfg.Schedule.Interval)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", name, enabled, creds, schedule)
	}
	return tw.Flush()
}
