package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelog/discovery"
	"github.com/srg/blelog/internal/devicefactory"
	"github.com/srg/blelog/pkg/config"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan once and list matching peripherals",
	Long: `Scan for the configured duration and list the peripherals the logger would
track: pre-registered addresses and devices whose advertised name matches a
configured pattern. Use --all to list every advertiser in range.

The configuration file is optional for this command.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default scan.duration from the configuration)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List every advertising device")
}

// loadOptionalConfig loads --config, falling back to defaults when the
// default file does not exist.
func loadOptionalConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadOptionalConfig(cmd)
	if err != nil {
		return err
	}
	defer cfg.Close()

	logger, logFile, err := configureLogger(cmd, "verbose", logrus.PanicLevel, "")
	if err != nil {
		return err
	}
	defer logFile.Close()

	duration := cfg.Scan.Duration
	if scanDuration > 0 {
		duration = scanDuration
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	backend, err := devicefactory.Open(logger.WithField("component", "transport"))
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	defer func() { _ = backend.Close() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.OutOrStdout(), "\nCtrl+C pressed, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	cands, err := scanOnce(ctx, cfg, backend, duration, scanAll, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	return displayCandidates(cmd.OutOrStdout(), cands)
}

// scanOnce runs a single scan with a countdown and returns the tracked candidates.
func scanOnce(ctx context.Context, cfg *config.Config, backend *devicefactory.Backend, duration time.Duration, all bool, out io.Writer, logger *logrus.Logger) ([]discovery.Candidate, error) {
	patterns := cfg.NamePatterns()
	if all {
		patterns = []*regexp.Regexp{regexp.MustCompile("")}
	}
	tracker := discovery.NewTracker(discovery.TrackerOptions{
		Explicit:    cfg.ExplicitDevices(),
		Aliases:     cfg.Devices.Aliases,
		Patterns:    patterns,
		SeenTimeout: cfg.Scan.SeenTimeout,
	}, logger.WithField("component", "discovery"))
	loop := discovery.NewScanLoop(backend.Scanner, tracker, discovery.ScanOptions{Duration: duration}, logger.WithField("component", "scanner"))

	progress := NewScanProgress(out, "Scanning for BLE devices", duration, tracker.Len)
	progress.Start()
	err := loop.ScanOnce(ctx)
	progress.Stop()
	if err != nil {
		return nil, err
	}
	return tracker.Candidates(), nil
}

func displayCandidates(out io.Writer, cands []discovery.Candidate) error {
	if len(cands) == 0 {
		fmt.Fprintln(out, "No matching devices found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSTATUS\tADVERTISED NAME")
	fmt.Fprintln(w, "----\t-------\t----\t------\t---------------")
	for _, c := range cands {
		rssi := "-"
		if c.RSSI != nil {
			rssi = fmt.Sprintf("%d", *c.RSSI)
		}
		name := c.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.DisplayName(), c.Address, rssi, c.Liveness, name)
	}
	return w.Flush()
}
