package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelog/connmgr"
	"github.com/srg/blelog/consumer"
	"github.com/srg/blelog/discovery"
	"github.com/srg/blelog/fanout"
	"github.com/srg/blelog/internal/devicefactory"
	"github.com/srg/blelog/internal/logging"
	"github.com/srg/blelog/pkg/config"
	"github.com/srg/blelog/status"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "blelog.yaml"
	// forceExitInterrupts is the number of interrupts that aborts without cleanup.
	forceExitInterrupts = 3
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the acquisition pipeline until interrupted",
	Long: `Discover configured peripherals, keep connections to them alive and log
every decoded notification to the enabled consumers.

The first Ctrl+C starts a graceful shutdown that closes every connection and
drains all queues. Pressing Ctrl+C three times aborts immediately.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

// loadConfig loads the file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer cfg.Close()

	logger, logFile, err := configureLogger(cmd, "verbose", logrus.InfoLevel, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logFile.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	if statusTakesScreen(cfg, out) {
		// The status frame shows recent log lines; keep stderr off the screen.
		if w, ok := logFile.(io.Writer); ok {
			logger.SetOutput(w)
		} else {
			logger.SetOutput(io.Discard)
		}
	}

	sink := logging.NewSink(logger, 0)
	backend, err := devicefactory.Open(sink.For("transport"))
	if err != nil {
		return fmt.Errorf("failed to open BLE device: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			sink.For("transport").WithError(err).Warn("Failed to release BLE device")
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, forceExitInterrupts)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go watchInterrupts(sigCh, cancel, os.Exit, sink.For("main"))

	p, err := newPipeline(cfg, backend, sink, out)
	if err != nil {
		return err
	}
	return p.run(ctx)
}

// statusTakesScreen reports whether the status reporter redraws a terminal.
func statusTakesScreen(cfg *config.Config, out io.Writer) bool {
	if !cfg.Status.Enabled || cfg.Status.Plain {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// watchInterrupts cancels the pipeline on the first signal and calls exit(1)
// once forceExitInterrupts signals were received.
func watchInterrupts(sigCh <-chan os.Signal, cancel context.CancelFunc, exit func(int), logger *logrus.Entry) {
	count := 0
	for sig := range sigCh {
		count++
		if count == 1 {
			logger.WithField("signal", sig.String()).Warn("Shutting down, closing connections and draining queues...")
			cancel()
			continue
		}
		if count >= forceExitInterrupts {
			logger.Error("Forced exit")
			exit(1)
			return
		}
		logger.Warnf("Shutdown in progress, interrupt %d more time(s) to force exit", forceExitInterrupts-count)
	}
}

// pipeline wires discovery, scheduling, fanout, consumers and status.
type pipeline struct {
	cfg         *config.Config
	logger      *logrus.Entry
	tracker     *discovery.Tracker
	scanLoop    *discovery.ScanLoop
	scheduler   *connmgr.Scheduler
	distributor *fanout.Distributor
	reporter    *status.Reporter
}

func newPipeline(cfg *config.Config, backend *devicefactory.Backend, sink *logging.Sink, out io.Writer) (*pipeline, error) {
	logger := sink.For("main")
	if len(cfg.Devices.Addresses) == 0 && len(cfg.Devices.NamePatterns) == 0 {
		logger.Warn("No device addresses or name patterns configured, nothing will be tracked")
	}

	tracker := discovery.NewTracker(discovery.TrackerOptions{
		Explicit:    cfg.ExplicitDevices(),
		Aliases:     cfg.Devices.Aliases,
		Patterns:    cfg.NamePatterns(),
		SeenTimeout: cfg.Scan.SeenTimeout,
	}, sink.For("discovery"))

	scanLoop := discovery.NewScanLoop(backend.Scanner, tracker, discovery.ScanOptions{
		Duration:        cfg.Scan.Duration,
		Cooldown:        cfg.Scan.Cooldown,
		ConnectableOnly: true,
	}, sink.For("scanner"))

	dist := fanout.New(fanout.OptionsFrom(cfg), sink.For("fanout"))
	consumers, err := consumer.FromConfig(cfg, dist.Depths, sink.For)
	if err != nil {
		return nil, err
	}
	if len(consumers) == 0 {
		logger.Warn("No consumers enabled, decoded data will be discarded")
	}
	for _, c := range consumers {
		if _, err := dist.Register(c.Name(), c, cfg.Fanout.InboxCapacity); err != nil {
			return nil, fmt.Errorf("failed to register consumer %s: %w", c.Name(), err)
		}
	}

	sched := connmgr.NewScheduler(tracker, cfg.OrderedEndpoints(), backend.Transport, dist,
		connmgr.SchedulerOptionsFrom(cfg), sink.For("scheduler"), sink.For("connection"))

	p := &pipeline{
		cfg:         cfg,
		logger:      logger,
		tracker:     tracker,
		scanLoop:    scanLoop,
		scheduler:   sched,
		distributor: dist,
	}
	if cfg.Status.Enabled {
		p.reporter = status.NewReporter(status.Sources{
			Candidates:  tracker.Candidates,
			Peripherals: sched.Snapshot,
			Depths:      dist.Depths,
			Logs:        sink.Recent,
		}, status.Options{
			Interval:     cfg.Status.Interval,
			Plain:        cfg.Status.Plain,
			LogLines:     cfg.Status.LogLines,
			WarnInterval: cfg.Fanout.WarnInterval,
		}, out, sink.For("status"))
	}
	return p, nil
}

// run blocks until ctx is cancelled or a component fails. The distributor is
// stopped only after the scheduler returned, so records produced while
// connections close still reach the consumers.
func (p *pipeline) run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"devices":   len(p.cfg.Devices.Addresses),
		"patterns":  len(p.cfg.Devices.NamePatterns),
		"endpoints": len(p.cfg.OrderedEndpoints()),
	}).Info("Starting pipeline")

	g, gctx := errgroup.WithContext(ctx)
	distCtx, stopDistributor := context.WithCancel(context.WithoutCancel(gctx))
	defer stopDistributor()

	g.Go(func() error { return p.scanLoop.Run(gctx) })
	g.Go(func() error {
		defer stopDistributor()
		return p.scheduler.Run(gctx)
	})
	g.Go(func() error { return p.distributor.Run(distCtx) })
	if p.reporter != nil {
		g.Go(func() error { return p.reporter.Run(gctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.WithError(err).Error("Pipeline failed")
		return err
	}
	p.logger.WithField("records", p.distributor.Dispatched()).Info("Shutdown complete")
	return nil
}
