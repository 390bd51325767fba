package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_jobs_started_total", Help: "Publishing jobs started"})
	JobsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_jobs_rejected_total", Help: "Job starts rejected because the edition was active"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_jobs_finished_total", Help: "Publishing jobs by terminal state"}, []string{"state"})
	ActiveJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_jobs_active", Help: "Jobs not yet terminal on this node"})
	ItemUpdates      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_item_updates_total", Help: "Item status reports by state"}, []string{"state"})
	ItemsDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_item_updates_dropped_total", Help: "Item status reports for unknown or finished jobs"})
	BufferDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_status_buffer_depth", Help: "Status records waiting to be flushed"})
	RecordsFlushed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_status_flushed_total", Help: "Status records written to the publish log"})
	FlushShortfall   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_status_flush_shortfall_total", Help: "Status records a flush failed to write"})
	DemandQueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_demand_queued_total", Help: "Demand work requests accepted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_demand_rate_limit_rejects_total", Help: "Demand requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsRejected,
			JobsFinished,
			ActiveJobs,
			ItemUpdates,
			ItemsDropped,
			BufferDepth,
			RecordsFlushed,
			FlushShortfall,
			DemandQueued,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
