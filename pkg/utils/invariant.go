// Invariants are conditions that must hold unless there is a bug in bucketcache itself, e.g. a registry asked to
// materialize a cache without any bucket, or a server handler receiving a command with no arguments.
// A violation is logged at error level and counted in `invariants_total` so it can be alerted on, but the process
// keeps serving; the caller is still responsible for handling the bad case (usually an early return).
// Test builds (TestMode=true) panic instead so violations fail loudly.
//
// Failures caused by external systems are NOT invariants: a Redis bucket timing out is an ordinary error.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `module`. The `args` are slog key-value pairs.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns how many times the invariant `invariantType` of `module` has been raised.
func GetMetricValue(module, invariantType string) int {
	metric := &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
