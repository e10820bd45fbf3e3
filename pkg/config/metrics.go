package config

import (
	"github.com/marmos91/dittomd/pkg/metrics"
	promMetrics "github.com/marmos91/dittomd/pkg/metrics/prometheus"
)

// MetricsResult bundles what the metrics section produces. Server is nil
// when metrics are off; NamespaceMetrics is always usable.
type MetricsResult struct {
	Server           *metrics.Server
	NamespaceMetrics metrics.NamespaceMetrics
}

// InitializeMetrics sets up the registry, HTTP server and Prometheus
// collectors when metrics are enabled, and no-op collectors otherwise.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{NamespaceMetrics: metrics.NewNoopNamespaceMetrics()}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server:           metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		NamespaceMetrics: promMetrics.NewNamespaceMetrics(),
	}
}
