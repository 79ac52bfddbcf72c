package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blelog/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and print a summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer cfg.Close()

		cmd.SilenceUsage = true
		return printSummary(cmd.OutOrStdout(), cfg)
	},
}

func printSummary(out io.Writer, cfg *config.Config) error {
	fmt.Fprintln(out, "Configuration OK")
	fmt.Fprintf(out, "Devices: %d address(es), %d name pattern(s)\n", len(cfg.Devices.Addresses), len(cfg.Devices.NamePatterns))
	for _, a := range cfg.Devices.Addresses {
		if alias := cfg.Alias(a); alias != "" {
			fmt.Fprintf(out, "  %s (%s)\n", a, alias)
		} else {
			fmt.Fprintf(out, "  %s\n", a)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tUUID\tTIMEOUT\tCOLUMNS")
	for _, ep := range cfg.OrderedEndpoints() {
		timeout := "none"
		if ep.HasTimeout() {
			timeout = ep.Timeout.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ep.Name, ep.UUID, timeout, strings.Join(ep.Columns, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var enabled []string
	c := cfg.Consumers
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"csv", c.CSV.Enabled},
		{"sqlite", c.SQLite.Enabled},
		{"throughput", c.Throughput.Enabled},
		{"index_check", c.IndexCheck.Enabled},
		{"metrics", c.Metrics.Enabled},
		{"nats", c.NATS.Enabled},
	} {
		if e.on {
			enabled = append(enabled, e.name)
		}
	}
	if len(enabled) == 0 {
		enabled = []string{"none"}
	}
	fmt.Fprintf(out, "Consumers: %s\n", strings.Join(enabled, ", "))
	return nil
}
