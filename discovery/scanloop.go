package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
)

// ScanOptions configures a ScanLoop.
type ScanOptions struct {
	Duration time.Duration
	Cooldown time.Duration
	// ConnectableOnly ignores advertisements that do not accept connections.
	ConnectableOnly bool
}

// ScanLoop repeatedly scans, reports every advertisement to a Tracker, sweeps
// and cools down.
type ScanLoop struct {
	scanner device.ScanningDevice
	tracker *Tracker
	opts    ScanOptions
	logger  *logrus.Entry
	now     func() time.Time
}

// NewScanLoop creates a scan loop feeding tracker.
func NewScanLoop(scanner device.ScanningDevice, tracker *Tracker, opts ScanOptions, logger *logrus.Entry) *ScanLoop {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &ScanLoop{
		scanner: scanner,
		tracker: tracker,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Run scans until ctx is done. Scan failures are logged and retried after the
// cooldown; Run only returns when ctx is cancelled.
func (l *ScanLoop) Run(ctx context.Context) error {
	l.logger.WithFields(logrus.Fields{
		"duration": l.opts.Duration,
		"cooldown": l.opts.Cooldown,
	}).Info("Starting scan loop...")

	for {
		if err := l.ScanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.WithError(err).Warn("Scan failed, retrying after cooldown")
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("Scan loop stopped")
			return nil
		case <-time.After(l.opts.Cooldown):
		}
	}
}

// ScanOnce performs one scan of the configured duration and sweeps afterwards.
// The sweep also runs after a failed scan so liveness keeps expiring.
func (l *ScanLoop) ScanOnce(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, l.opts.Duration)
	defer cancel()

	var kept, skipped atomic.Int64
	err := l.scanner.Scan(scanCtx, true, func(adv device.Advertisement) {
		if l.opts.ConnectableOnly && !adv.Connectable() {
			skipped.Add(1)
			return
		}
		rssi := adv.RSSI()
		if l.tracker.ReportSighting(Sighting{
			Address: adv.Addr(),
			Name:    adv.LocalName(),
			RSSI:    &rssi,
			Time:    l.now(),
		}) {
			kept.Add(1)
		}
	})

	expired := l.tracker.Sweep(l.now())
	l.logger.WithFields(logrus.Fields{
		"sightings":       kept.Load(),
		"non_connectable": skipped.Load(),
		"expired":         expired,
	}).Debug("Scan completed")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}
