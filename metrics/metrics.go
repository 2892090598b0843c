// SPDX-License-Identifier: MIT
// Auditor - Prometheus Metrics
//
// Metrics registry backed by prometheus/client_golang.
// Tracks verification outcomes, rejection reasons (label-based),
// verification latency and worker queue activity.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "auditor"

// holds all auditor metrics
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	VerificationsTotal prometheus.Counter // every verify() call
	VerificationsOK    prometheus.Counter // results returned, downgraded or not
	VerificationsFail  prometheus.Counter // calls that ended in an error
	StrongResults      prometheus.Counter
	Downgrades         prometheus.Counter
	Pairings           prometheus.Counter // first-time TOFU pairings
	Generations        *prometheus.CounterVec
	ConnectionErrors   prometheus.Counter

	// rejection reason (types.ErrorKind)
	Rejections *prometheus.CounterVec

	// verification duration in seconds
	VerifyDuration prometheus.Histogram

	// worker queue
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge

	// Gauges
	PendingChallenges prometheus.Gauge
	PairedAuditees    prometheus.Gauge

	// start time for uptime calculation
	StartTime time.Time
}

// creates a metrics set on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		VerificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of verification attempts",
		}),
		VerificationsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_success_total",
			Help:      "Verifications that produced a result",
		}),
		VerificationsFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_failed_total",
			Help:      "Verifications rejected with an error",
		}),
		StrongResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_strong_total",
			Help:      "Verifications with a strong verdict",
		}),
		Downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrades_total",
			Help:      "Verifications that detected a patch level or state regression",
		}),
		Pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "First-time pairings established",
		}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Attestation messages generated by result",
		}, []string{"result"}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Protocol-level connection errors",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected verifications by reason",
		}, []string{"reason"}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Verification latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Worker queue jobs by name and result (finished/failed/abandoned)",
		}, []string{"name", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_job_duration_seconds",
			Help:      "Worker queue job duration by name",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"name"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Jobs waiting for or holding the worker",
		}),
		PendingChallenges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_challenges",
			Help:      "Outstanding issued challenges",
		}),
		PairedAuditees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paired_auditees",
			Help:      "Pairing records across all namespaces",
		}),
		StartTime: time.Now(),
	}

	m.registry.MustRegister(
		m.VerificationsTotal, m.VerificationsOK, m.VerificationsFail,
		m.StrongResults, m.Downgrades, m.Pairings, m.Generations,
		m.ConnectionErrors, m.Rejections, m.VerifyDuration,
		m.JobsProcessed, m.JobDuration, m.QueueDepth,
		m.PendingChallenges, m.PairedAuditees,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Auditor uptime in seconds",
		}, func() float64 { return time.Since(m.StartTime).Seconds() }),
		collectors.NewGoCollector(),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// records one verify() outcome
// reason is "" on success
func (m *Metrics) ObserveVerification(d time.Duration, reason string, strong, downgraded, paired bool) {
	if m == nil {
		return
	}
	m.VerificationsTotal.Inc()
	m.VerifyDuration.Observe(d.Seconds())
	if reason != "" {
		m.VerificationsFail.Inc()
		m.Rejections.WithLabelValues(reason).Inc()
		return
	}
	m.VerificationsOK.Inc()
	if strong {
		m.StrongResults.Inc()
	}
	if downgraded {
		m.Downgrades.Inc()
	}
	if paired {
		m.Pairings.Inc()
	}
}

// snapshot used by the stats API
type Snapshot struct {
	Verifications     int64            `json:"verifications"`
	Successful        int64            `json:"successful"`
	Failed            int64            `json:"failed"`
	Strong            int64            `json:"strong"`
	Downgrades        int64            `json:"downgrades"`
	Pairings          int64            `json:"pairings"`
	Rejections        map[string]int64 `json:"rejections"`
	PendingChallenges int64            `json:"pending_challenges"`
	QueueDepth        int64            `json:"queue_depth"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Verifications:     int64(counterValue(m.VerificationsTotal)),
		Successful:        int64(counterValue(m.VerificationsOK)),
		Failed:            int64(counterValue(m.VerificationsFail)),
		Strong:            int64(counterValue(m.StrongResults)),
		Downgrades:        int64(counterValue(m.Downgrades)),
		Pairings:          int64(counterValue(m.Pairings)),
		Rejections:        make(map[string]int64),
		PendingChallenges: int64(gaugeValue(m.PendingChallenges)),
		QueueDepth:        int64(gaugeValue(m.QueueDepth)),
		UptimeSeconds:     int64(time.Since(m.StartTime).Seconds()),
	}

	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, mf := range families {
		if mf.GetName() != namespace+"_rejections_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "reason" {
					s.Rejections[lp.GetValue()] = int64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return s
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}
