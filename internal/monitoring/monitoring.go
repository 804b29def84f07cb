// Package monitoring reports dispatch outcomes. Reporting never fails the caller.
package monitoring

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Reporter counts dispatch outcomes and forwards them to the telemetry queue.
type Reporter struct {
	publisher event.Publisher // required

	dispatches *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewReporter registers the dispatch metrics with registerer.
func NewReporter(publisher event.Publisher, registerer prometheus.Registerer) *Reporter {
	factory := promauto.With(registerer)
	return &Reporter{
		publisher: publisher,
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipetrack_dispatches_total",
				Help: "Total number of agent dispatch outcomes",
			},
			[]string{"dispatch_type", "action", "result", "error_type"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipetrack_dispatch_retries_total",
				Help: "Total number of agent dispatches that were retries",
			},
			[]string{"dispatch_type"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipetrack_dispatch_duration_seconds",
				Help:    "Duration of agent dispatch actions",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"dispatch_type", "action"},
		),
	}
}

// Report records m. A failure to forward m is logged.
func (r *Reporter) Report(ctx context.Context, m event.DispatchMonitoring) {
	result := resultSuccess
	if m.ErrorCode != 0 {
		result = resultFailure
	}
	r.dispatches.WithLabelValues(m.DispatchType, string(m.ActionType), result, m.ErrorType).Inc()
	if m.RetryCount > 0 {
		r.retries.WithLabelValues(m.DispatchType).Inc()
	}
	if m.StopTime >= m.StartTime && m.StartTime > 0 {
		d := time.Duration(m.StopTime-m.StartTime) * time.Millisecond
		r.duration.WithLabelValues(m.DispatchType, string(m.ActionType)).Observe(d.Seconds())
	}

	if err := r.publisher.Publish(ctx, m); err != nil {
		err = failure.BestEffort(failure.CodeMonitoringUnavailable, "unable to send dispatch monitoring", err)
		slog.Warn(
			"didn't send dispatch monitoring",
			"build_id", m.BuildID,
			"vm_seq_id", m.VMSeqID,
			"error_code", strconv.Itoa(m.ErrorCode),
			"error", err,
		)
	}
}
