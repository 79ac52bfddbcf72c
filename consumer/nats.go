package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/ratelog"
	"github.com/srg/blelog/pkg/record"
)

// Publisher is the subset of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes every record as JSON on <prefix>.<device>.<endpoint>.
type NATS struct {
	pub    Publisher
	prefix string
	logger *logrus.Entry
	failed *ratelog.Limiter
}

// Message is the JSON payload published per record.
type Message struct {
	Address  string    `json:"address"`
	Device   string    `json:"device"`
	Endpoint string    `json:"endpoint"`
	Session  string    `json:"session"`
	Received time.Time `json:"received"`
	Columns  []string  `json:"columns"`
	Rows     [][]any   `json:"rows"`
}

// ConnectNATS dials url and returns a publisher consumer.
func ConnectNATS(url, clientName, prefix string, timeout time.Duration, logger *logrus.Entry) (*NATS, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")
	return NewNATS(nc, prefix, logger), nil
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, prefix string, logger *logrus.Entry) *NATS {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &NATS{pub: pub, prefix: prefix, logger: logger, failed: ratelog.New(time.Minute)}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Run(_ context.Context, in <-chan *record.Record) error {
	defer func() {
		if err := n.pub.Drain(); err != nil {
			n.logger.WithError(err).Warn("Failed to drain NATS connection")
		}
	}()

	for r := range in {
		data, err := json.Marshal(Message{
			Address:  r.Address,
			Device:   r.DisplayName,
			Endpoint: r.EndpointName(),
			Session:  r.Session,
			Received: r.Received,
			Columns:  r.Columns(),
			Rows:     r.Rows,
		})
		if err != nil {
			n.failed.Warn(n.logger.WithError(err), "Failed to encode record")
			continue
		}
		if err := n.pub.Publish(n.Subject(r), data); err != nil {
			n.failed.Warn(n.logger.WithError(err), "Failed to publish record")
		}
	}
	return nil
}

// Subject returns the subject a record is published on.
func (n *NATS) Subject(r *record.Record) string {
	return strings.Join([]string{n.prefix, subjectToken(r.DisplayName), subjectToken(r.EndpointName())}, ".")
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
