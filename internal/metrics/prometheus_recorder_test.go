package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncSubmission()
	pr.IncSubmission()
	pr.IncAdmissionRejected("identity_quota")
	pr.IncBuildOutcome("complete")
	pr.ObserveBuildDuration(90 * time.Second)
	pr.ObserveStageDuration("compile", 60*time.Second)
	pr.IncStageResult("compile", ResultSuccess)
	pr.SetQueueDepth(4)
	pr.SetRunning(2)
	pr.IncRetentionRemoved("record", 3)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	assert.InDelta(t, 2, values["pkgforge_submissions_total"], 0)
	assert.InDelta(t, 1, values["pkgforge_admission_rejections_total"], 0)
	assert.InDelta(t, 4, values["pkgforge_queue_depth"], 0)
	assert.InDelta(t, 2, values["pkgforge_builds_running"], 0)
	assert.InDelta(t, 3, values["pkgforge_retention_removed_total"], 0)
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.IncSubmission()
		pr.SetQueueDepth(1)
		pr.IncBuildOutcome("failed")
	})
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncSubmission()

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pkgforge_submissions_total 1")
}

var _ Recorder = NoopRecorder{}
var _ Recorder = (*PrometheusRecorder)(nil)
