package refresh

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the refresh counters. Collectors are always usable; they are
// only exported when registered.
type Metrics struct {
	Records     *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Requeued    prometheus.Counter
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Duplicates  prometheus.Counter
}

// NewMetrics builds the refresh collectors and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emsrefresh_records_total",
				Help: "Snapshot records processed by collection and outcome",
			},
			[]string{"collection", "status"},
		),
		Disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emsrefresh_disconnects_total",
				Help: "Entities no longer reported, by collection and how they were handled",
			},
			[]string{"collection", "mode"},
		),
		Requeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emsrefresh_requeued_total",
				Help: "Targeted refreshes queued for undecided disconnects",
			},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emsrefresh_runs_total",
				Help: "Refresh runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "emsrefresh_run_duration_seconds",
				Help:    "Duration of refresh runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emsrefresh_duplicate_keys_total",
				Help: "Duplicate natural keys seen in snapshots or the store",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Records, m.Disconnects, m.Requeued, m.Runs, m.RunDuration, m.Duplicates)
	}

	return m
}

func (m *Metrics) disconnected(collection, mode string, n int) {
	if n > 0 {
		m.Disconnects.WithLabelValues(collection, mode).Add(float64(n))
	}
}

func (m *Metrics) requeued(n int) {
	m.Requeued.Add(float64(n))
}

// observe records a finished run.
func (m *Metrics) observe(report *Report, err error) {
	for _, res := range report.Results {
		m.Records.WithLabelValues(res.Collection, string(res.Status)).Inc()
	}

	m.Duplicates.Add(float64(len(report.Duplicates)))
	m.RunDuration.Observe(report.Duration.Seconds())

	switch {
	case err != nil:
		m.Runs.WithLabelValues("error").Inc()
	case len(report.Invalid()) > 0:
		m.Runs.WithLabelValues("partial").Inc()
	default:
		m.Runs.WithLabelValues("ok").Inc()
	}
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("refresh: writing metrics to %s: %w", path, err)
	}

	return nil
}
