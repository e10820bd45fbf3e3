// Package metrics provides Prometheus metrics collection for the namespace
// engine.
//
// Metrics are optional. Until InitRegistry is called the namespace uses the
// no-op NamespaceMetrics and the HTTP server answers /metrics with 503.
//
// Usage:
//
//	metrics.InitRegistry()
//	m := prometheus.NewNamespaceMetrics()
//	ns, err := namespace.New(namespace.Options{Metrics: m, ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
