// Package metrics records operation outcomes and deployment counts and writes them to a node-exporter
// textfile collector directory.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hostimage/hostctl/internal/deploy"
)

// TextfileName is the file written into the textfile collector directory.
const TextfileName = "hostctl.prom"

// Recorder owns a private registry. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	deployments *prometheus.GaugeVec
	generation  prometheus.Gauge
	pruned      prometheus.Counter
}

// New returns a recorder with all collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostctl_operations_total",
				Help: "Mutating operations by outcome",
			},
			[]string{"operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostctl_operation_duration_seconds",
				Help:    "Duration of mutating operations",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"operation"},
		),
		deployments: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostctl_deployments",
				Help: "Deployments by role",
			},
			[]string{"role"},
		),
		generation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostctl_record_generation",
			Help: "Generation of the current deployment record",
		}),
		pruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostctl_pruned_content_total",
			Help: "Content items removed by garbage collection",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Observe records the outcome of an operation that started at start. The result label is "success" or
// the error kind.
func (r *Recorder) Observe(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(deploy.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetRecord updates the deployment gauges from a record.
func (r *Recorder) SetRecord(rec deploy.Record) {
	if r == nil {
		return
	}
	counts := map[string]int{"booted": 0, "staged": 0, "rollback": 0, "other": 0}
	if _, ok := rec.Booted(); ok {
		counts["booted"] = 1
	}
	if _, ok := rec.StagedDeployment(); ok {
		counts["staged"] = 1
	}
	if _, ok := rec.Rollback(); ok {
		counts["rollback"] = 1
	}
	counts["other"] = len(rec.Others())
	for role, n := range counts {
		r.deployments.WithLabelValues(role).Set(float64(n))
	}
	r.generation.Set(float64(rec.Generation))
}

// AddPruned counts removed content items.
func (r *Recorder) AddPruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.pruned.Add(float64(n))
}

// WriteTextfile atomically writes the registry to <dir>/hostctl.prom. An empty dir disables writing.
func (r *Recorder) WriteTextfile(dir string) error {
	if r == nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(dir, TextfileName), r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
