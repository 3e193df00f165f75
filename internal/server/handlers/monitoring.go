package handlers

import (
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/pkgforge/internal/build/queue"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/server/responses"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// Runtime exposes service internals to the monitoring endpoints.
type Runtime interface {
	QueueStatus() queue.Status
	Stats() state.Stats
	RecordCount() int
}

// MonitoringHandlers contains health and admin monitoring handlers.
type MonitoringHandlers struct {
	runtime      Runtime
	errorAdapter *errors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates a new monitoring handlers instance.
func NewMonitoringHandlers(runtime Runtime, adapter *errors.HTTPErrorAdapter) *MonitoringHandlers {
	if adapter == nil {
		adapter = errors.NewHTTPErrorAdapter(slog.Default())
	}
	return &MonitoringHandlers{runtime: runtime, errorAdapter: adapter}
}

// HandleHealthCheck reports liveness only; it carries no service details.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(h.errorAdapter, w, r, http.StatusOK, responses.HealthResponse{Status: "ok"})
}

// HandleQueue returns the scheduler snapshot.
func (h *MonitoringHandlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	st := h.runtime.QueueStatus()
	respond(h.errorAdapter, w, r, http.StatusOK, responses.QueueResponse{
		Running:       st.Running,
		Queued:        st.Queued,
		MaxConcurrent: st.MaxConcurrent,
	})
}

// HandleStats returns the durable lifetime counters.
func (h *MonitoringHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	st := h.runtime.Stats()
	respond(h.errorAdapter, w, r, http.StatusOK, responses.StatsResponse{
		Submitted:        st.Submitted,
		Succeeded:        st.Succeeded,
		Failed:           st.Failed,
		Cancelled:        st.Cancelled,
		LastSubmissionAt: st.LastSubmissionAt,
		Records:          h.runtime.RecordCount(),
	})
}
