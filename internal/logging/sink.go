// Package logging provides the explicit log sink handed to every pipeline
// component. A Sink owns one logrus.Logger and keeps the most recent
// structured records in a bounded ring for status rendering.
package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// ComponentField is the logrus field naming the emitting component.
const ComponentField = "component"

// DefaultRecentCapacity is the number of records retained by Recent.
const DefaultRecentCapacity = 256

// Record is one captured log line.
type Record struct {
	Time      time.Time
	Level     logrus.Level
	Component string
	Message   string
	Fields    logrus.Fields
}

// Sink routes log output for all components.
type Sink struct {
	logger   *logrus.Logger
	capacity int
	recent   mpmc.RichOverlappedRingBuffer[Record]

	// Recent drains and refills the ring; one reader at a time.
	readMu sync.Mutex
}

// NewSink wraps logger and starts capturing records of level >= the logger's level.
func NewSink(logger *logrus.Logger, capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	s := &Sink{
		logger:   logger,
		capacity: capacity,
		recent:   mpmc.NewOverlappedRingBuffer[Record](uint32(capacity)),
	}
	logger.AddHook(&captureHook{sink: s})
	return s
}

// NewLogger creates a logger with the TextFormatter used across the CLI.
// When extra is non-nil, output is duplicated to it.
func NewLogger(level logrus.Level, out io.Writer, extra io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if extra != nil {
		out = io.MultiWriter(out, extra)
	}
	logger.SetOutput(out)
	return logger
}

// Logger returns the underlying logrus logger.
func (s *Sink) Logger() *logrus.Logger {
	return s.logger
}

// For returns an entry tagged with component.
func (s *Sink) For(component string) *logrus.Entry {
	return s.logger.WithField(ComponentField, component)
}

// Recent returns up to n of the newest captured records, oldest first.
// n <= 0 returns everything retained.
func (s *Sink) Recent(n int) []Record {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var all []Record
	for !s.recent.IsEmpty() {
		r, err := s.recent.Dequeue()
		if err != nil {
			break
		}
		all = append(all, r)
	}
	// the ring rounds its size up
	if len(all) > s.capacity {
		all = all[len(all)-s.capacity:]
	}
	for _, r := range all {
		_, _ = s.recent.EnqueueM(r)
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (s *Sink) capture(r Record) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	_, _ = s.recent.EnqueueM(r)
}

// String renders r as a single status line.
func (r Record) String() string {
	if r.Component == "" {
		return fmt.Sprintf("%s [%s] %s", r.Time.Format(time.TimeOnly), r.Level, r.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", r.Time.Format(time.TimeOnly), r.Level, r.Component, r.Message)
}

type captureHook struct {
	sink *Sink
}

func (h *captureHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *captureHook) Fire(e *logrus.Entry) error {
	fields := make(logrus.Fields, len(e.Data))
	component := ""
	for k, v := range e.Data {
		if k == ComponentField {
			component, _ = v.(string)
			continue
		}
		fields[k] = v
	}
	h.sink.capture(Record{
		Time:      e.Time,
		Level:     e.Level,
		Component: component,
		Message:   e.Message,
		Fields:    fields,
	})
	return nil
}
