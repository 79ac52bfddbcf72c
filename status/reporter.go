// Package status renders periodic read-only views of the pipeline: tracked
// candidates, live connections, fanout queue depths and recent log lines.
package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/connmgr"
	"github.com/srg/blelog/discovery"
	"github.com/srg/blelog/fanout"
	"github.com/srg/blelog/internal/logging"
	"github.com/srg/blelog/internal/ratelog"
	"golang.org/x/term"
)

const (
	clearScreen = "\033[H\033[2J"
	// largestQueues is how many consumer inboxes are listed individually.
	largestQueues = 4
)

// Sources are the snapshot functions the reporter polls. Nil sources are skipped.
type Sources struct {
	Candidates  func() []discovery.Candidate
	Peripherals func() []connmgr.PeripheralSnapshot
	Depths      func() fanout.Depths
	Logs        func(n int) []logging.Record
}

// Options configures rendering.
type Options struct {
	Interval time.Duration
	// Plain disables colors and screen redraws.
	Plain    bool
	LogLines int

	// WarnInterval bounds the rate of write-failure warnings.
	WarnInterval time.Duration
}

// Reporter periodically writes a status frame.
type Reporter struct {
	src  Sources
	opts Options
	out  io.Writer
	now  func() time.Time

	logger    *logrus.Entry
	writeWarn *ratelog.Limiter

	interactive bool
	width       func() int

	good, warn, bad, head *color.Color
}

// NewReporter creates a reporter writing to out. Screen redraws and colors are
// used only when out is a terminal and Plain is false.
func NewReporter(src Sources, opts Options, out io.Writer, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if opts.WarnInterval <= 0 {
		opts.WarnInterval = time.Minute
	}
	r := &Reporter{
		src:       src,
		opts:      opts,
		out:       out,
		now:       time.Now,
		logger:    logger,
		writeWarn: ratelog.New(opts.WarnInterval),
		width:     func() int { return 0 },
		good:      color.New(color.FgGreen),
		warn:      color.New(color.FgYellow),
		bad:       color.New(color.FgRed),
		head:      color.New(color.Bold),
	}

	if f, ok := out.(*os.File); ok && !opts.Plain && term.IsTerminal(int(f.Fd())) {
		r.interactive = true
		fd := int(f.Fd())
		r.width = func() int {
			w, _, err := term.GetSize(fd)
			if err != nil {
				return 0
			}
			return w
		}
	}
	for _, c := range []*color.Color{r.good, r.warn, r.bad, r.head} {
		if r.interactive {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Run writes a frame every Interval until ctx is done. Write failures are
// logged and never end the run.
func (r *Reporter) Run(ctx context.Context) error {
	interval := r.opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Write(); err != nil {
				r.writeWarn.Warn(r.logger.WithError(err), "Failed to write status frame")
			}
		}
	}
}

// Write renders one frame to the output.
func (r *Reporter) Write() error {
	frame := r.Render()
	if r.interactive {
		frame = clearScreen + truncateLines(frame, r.width())
	}
	_, err := io.WriteString(r.out, frame)
	return err
}

// Render builds one status frame.
func (r *Reporter) Render() string {
	var b strings.Builder
	now := r.now()

	if r.src.Candidates != nil {
		r.renderCandidates(&b, now, r.src.Candidates())
	}
	if r.src.Peripherals != nil {
		r.renderConnections(&b, now, r.src.Peripherals())
	}
	if r.src.Depths != nil {
		r.renderQueues(&b, r.src.Depths())
	}
	if r.src.Logs != nil && r.opts.LogLines > 0 {
		r.renderLogs(&b, r.src.Logs(r.opts.LogLines))
	}
	return b.String()
}

func (r *Reporter) renderCandidates(b *strings.Builder, now time.Time, cands []discovery.Candidate) {
	fmt.Fprintln(b, r.head.Sprintf("Devices (%d)", len(cands)))
	if len(cands) == 0 {
		fmt.Fprintln(b, "  none")
	}
	for _, c := range cands {
		liveness := r.bad.Sprint(c.Liveness.String())
		if c.Liveness == discovery.RecentlySeen {
			liveness = r.good.Sprint(c.Liveness.String())
		}
		rssi := "-"
		if c.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *c.RSSI)
		}
		seen := "never"
		if !c.LastSeen.IsZero() {
			seen = fmt.Sprintf("%.1fs ago", now.Sub(c.LastSeen).Seconds())
		}
		fmt.Fprintf(b, "  %-20s %-17s %s  %s  %s\n", c.DisplayName(), c.Address, liveness, rssi, seen)
	}
	fmt.Fprintln(b)
}

func (r *Reporter) renderConnections(b *strings.Builder, now time.Time, peripherals []connmgr.PeripheralSnapshot) {
	var lines []string
	for _, p := range peripherals {
		c := p.Connection
		if c == nil {
			continue
		}

		var state string
		switch c.State {
		case connmgr.Connected:
			state = r.good.Sprint(c.State.String())
		case connmgr.Connecting:
			state = r.warn.Sprint(c.State.String())
		default:
			state = r.bad.Sprint(c.State.String())
		}

		active := "--:--:--"
		if c.State == connmgr.Connected && !c.StartedAt.IsZero() {
			active = FormatActive(now.Sub(c.StartedAt))
		}

		parts := make([]string, 0, len(c.Endpoints))
		for _, ep := range c.Endpoints {
			if ep.LastNotification.IsZero() {
				parts = append(parts, ep.Name+": -")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %.1fs", ep.Name, now.Sub(ep.LastNotification).Seconds()))
		}
		lines = append(lines, fmt.Sprintf("  %-20s %s %s  %s", p.Candidate.DisplayName(), state, active, strings.Join(parts, "  ")))
	}

	fmt.Fprintln(b, r.head.Sprintf("Connections (%d)", len(lines)))
	if len(lines) == 0 {
		fmt.Fprintln(b, "  none")
	}
	for _, l := range lines {
		fmt.Fprintln(b, l)
	}
	fmt.Fprintln(b)
}

func (r *Reporter) renderQueues(b *strings.Builder, d fanout.Depths) {
	fmt.Fprintln(b, r.head.Sprintf("Queues (total %d)", d.Total()))
	fmt.Fprintf(b, "  %-20s %d/%d\n", d.Funnel.Name, d.Funnel.Len, d.Funnel.Cap)

	consumers := append([]fanout.QueueDepth(nil), d.Consumers...)
	sort.SliceStable(consumers, func(i, j int) bool { return consumers[i].Len > consumers[j].Len })
	if len(consumers) > largestQueues {
		consumers = consumers[:largestQueues]
	}
	for _, q := range consumers {
		line := fmt.Sprintf("  %-20s %d/%d", q.Name, q.Len, q.Cap)
		if q.Dropped > 0 {
			line += r.warn.Sprintf("  dropped %d", q.Dropped)
		}
		fmt.Fprintln(b, line)
	}
	fmt.Fprintln(b)
}

func (r *Reporter) renderLogs(b *strings.Builder, records []logging.Record) {
	fmt.Fprintln(b, r.head.Sprint("Log"))
	for _, rec := range records {
		fmt.Fprintln(b, "  "+rec.String())
	}
}

// FormatActive renders d as hh:mm:ss. Hours are not wrapped at 24.
func FormatActive(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

func truncateLines(s string, width int) string {
	if width <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		// Color escapes are counted, so colored lines may end early.
		if r := []rune(l); len(r) > width {
			lines[i] = string(r[:width]) + "\033[0m"
		}
	}
	return strings.Join(lines, "\n")
}
