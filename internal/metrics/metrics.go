// Package metrics holds the Prometheus collectors shared by colonnade's components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatementsTotal counts statements submitted to the column store by kind and status.
	StatementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colonnade_statements_total",
			Help: "Total number of statements submitted to the column store",
		},
		[]string{"kind", "status"},
	)
	// OperationsTotal counts public operations by name and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colonnade_operations_total",
			Help: "Total number of colonnade operations",
		},
		[]string{"operation", "status"},
	)
	// OperationDuration is the latency of public operations.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colonnade_operation_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	// ViewsBound is the number of views currently registered in query engines.
	ViewsBound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "colonnade_views_bound",
			Help: "Number of temporary views currently bound",
		},
	)
	// RowsWritten counts rows written back to the column store by save mode.
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colonnade_rows_written_total",
			Help: "Total number of rows written to the column store",
		},
		[]string{"mode"},
	)
)

// Observe records one finished operation.
func Observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OperationsTotal.WithLabelValues(op, status).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Statement records one statement submission.
func Statement(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StatementsTotal.WithLabelValues(kind, status).Inc()
}
