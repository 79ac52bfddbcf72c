package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ScanProgress redraws a single countdown line while a scan runs, showing how
// many devices matched so far.
//
//	p := NewScanProgress(os.Stdout, "Scanning for BLE devices", 5*time.Second, tracker.Len)
//	p.Start()
//	defer p.Stop()
type ScanProgress struct {
	out      io.Writer
	prefix   string
	duration time.Duration
	matched  func() int

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewScanProgress creates a countdown over duration. matched may be nil.
func NewScanProgress(out io.Writer, prefix string, duration time.Duration, matched func() int) *ScanProgress {
	return &ScanProgress{
		out:      out,
		prefix:   prefix,
		duration: duration,
		matched:  matched,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins redrawing in a background goroutine. Later calls are no-ops.
func (p *ScanProgress) Start() {
	p.startOnce.Do(func() {
		start := time.Now()
		p.draw(remainingSeconds(p.duration, 0))

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					p.draw(remainingSeconds(p.duration, time.Since(start)))
				}
			}
		}()
	})
}

// Stop ends the countdown and clears the line. Safe to call repeatedly.
func (p *ScanProgress) Stop() {
	p.stopOnce.Do(func() {
		// never started: consume Start and mark the goroutine finished
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}

// Line renders the countdown text for the given seconds left.
func (p *ScanProgress) Line(seconds int) string {
	left := "finishing"
	if seconds > 0 {
		left = fmt.Sprintf("%ds", seconds)
	}
	if p.matched == nil {
		return fmt.Sprintf("%s (%s)", p.prefix, left)
	}
	return fmt.Sprintf("%s (%s, %d matching)", p.prefix, left, p.matched())
}

func (p *ScanProgress) draw(seconds int) {
	fmt.Fprintf(p.out, "\r%s   ", p.Line(seconds))
}

// remainingSeconds rounds the time left to the nearest second, never below zero.
func remainingSeconds(total, elapsed time.Duration) int {
	remaining := total - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}
