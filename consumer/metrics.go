package consumer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/fanout"
	"github.com/srg/blelog/pkg/record"
)

// Metrics exports per-device and per-endpoint counters over HTTP for Prometheus.
type Metrics struct {
	listen   string
	logger   *logrus.Entry
	registry *prometheus.Registry

	records  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	lastSeen *prometheus.GaugeVec

	server *http.Server
	ready  chan string
}

// NewMetrics creates the metrics consumer. depths, when non-nil, is sampled on
// every scrape to export queue depths. An empty listen address disables HTTP.
func NewMetrics(listen string, depths func() fanout.Depths, logger *logrus.Entry) *Metrics {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	labels := []string{"device", "endpoint"}
	m := &Metrics{
		listen:   listen,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blelog_records_total",
			Help: "Decoded notifications received.",
		}, labels),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blelog_rows_total",
			Help: "Decoded rows received.",
		}, labels),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blelog_payload_bytes_total",
			Help: "Raw notification payload bytes received.",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blelog_last_record_timestamp_seconds",
			Help: "Unix time of the most recent record.",
		}, labels),
		ready: make(chan string, 1),
	}
	m.registry.MustRegister(m.records, m.rows, m.bytes, m.lastSeen)
	if depths != nil {
		m.registry.MustRegister(&depthCollector{depths: depths})
	}
	return m
}

func (m *Metrics) Name() string { return "metrics" }

// Registry returns the registry backing the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Addr is sent the bound listen address once the HTTP server is up.
func (m *Metrics) Addr() <-chan string { return m.ready }

func (m *Metrics) Run(ctx context.Context, in <-chan *record.Record) error {
	if m.listen != "" {
		ln, err := net.Listen("tcp", m.listen)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.WithError(err).Error("Metrics server failed")
			}
		}()
		m.logger.WithField("addr", ln.Addr().String()).Info("Metrics server listening")
		m.ready <- ln.Addr().String()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.server.Shutdown(shutdownCtx); err != nil {
				m.logger.WithError(err).Warn("Metrics server shutdown failed")
			}
		}()
	}

	for r := range in {
		m.Observe(r)
	}
	return nil
}

// Observe updates the counters for r.
func (m *Metrics) Observe(r *record.Record) {
	device, endpoint := r.DisplayName, r.EndpointName()
	m.records.WithLabelValues(device, endpoint).Inc()
	m.rows.WithLabelValues(device, endpoint).Add(float64(len(r.Rows)))
	m.bytes.WithLabelValues(device, endpoint).Add(float64(len(r.Raw)))
	m.lastSeen.WithLabelValues(device, endpoint).Set(float64(r.Received.UnixNano()) / 1e9)
}

var (
	queueDepthDesc = prometheus.NewDesc("blelog_queue_depth", "Records buffered in a fanout queue.", []string{"queue"}, nil)
	queueCapDesc   = prometheus.NewDesc("blelog_queue_capacity", "Capacity of a fanout queue.", []string{"queue"}, nil)
	queueDropDesc  = prometheus.NewDesc("blelog_queue_dropped_total", "Records dropped because a fanout queue was full.", []string{"queue"}, nil)
)

// depthCollector samples distributor queue depths at scrape time.
type depthCollector struct {
	depths func() fanout.Depths
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- queueCapDesc
	ch <- queueDropDesc
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	d := c.depths()
	for _, q := range append([]fanout.QueueDepth{d.Funnel}, d.Consumers...) {
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(q.Len), q.Name)
		ch <- prometheus.MustNewConstMetric(queueCapDesc, prometheus.GaugeValue, float64(q.Cap), q.Name)
		ch <- prometheus.MustNewConstMetric(queueDropDesc, prometheus.CounterValue, float64(q.Dropped), q.Name)
	}
}
