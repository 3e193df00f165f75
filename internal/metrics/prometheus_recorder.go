package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "pkgforge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	submissions      prom.Counter
	rejections       *prom.CounterVec
	buildOutcome     *prom.CounterVec
	buildDuration    prom.Histogram
	stageDuration    *prom.HistogramVec
	stageResults     *prom.CounterVec
	queueDepth       prom.Gauge
	running          prom.Gauge
	retentionRemoved *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	// Toolchain builds take minutes, so the default buckets are too narrow.
	buildBuckets := prom.ExponentialBuckets(5, 2, 9)

	pr := &PrometheusRecorder{
		submissions: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Builds admitted to the queue",
		}),
		rejections: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Submissions rejected at admission by reason",
		}, []string{"reason"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Builds reaching a terminal state by outcome",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of executed builds",
			Buckets:   buildBuckets,
		}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   buildBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Builds waiting for an execution slot",
		}),
		running: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_running",
			Help:      "Builds currently executing",
		}),
		retentionRemoved: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "retention_removed_total",
			Help:      "Records and artifacts reclaimed by retention",
		}, []string{"kind"}),
	}
	reg.MustRegister(pr.submissions, pr.rejections, pr.buildOutcome, pr.buildDuration,
		pr.stageDuration, pr.stageResults, pr.queueDepth, pr.running, pr.retentionRemoved)
	return pr
}

func (p *PrometheusRecorder) IncSubmission() {
	if p == nil {
		return
	}
	p.submissions.Inc()
}

func (p *PrometheusRecorder) IncAdmissionRejected(reason string) {
	if p == nil {
		return
	}
	p.rejections.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetRunning(n int) {
	if p == nil {
		return
	}
	p.running.Set(float64(n))
}

func (p *PrometheusRecorder) IncRetentionRemoved(kind string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.retentionRemoved.WithLabelValues(kind).Add(float64(n))
}
