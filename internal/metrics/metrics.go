// Package metrics exposes swarm run telemetry as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "sds"

var ErrInvalidConfig = errors.New("invalid metrics configuration")

type Config struct {
	// Namespace prefixes every metric name. Empty selects DefaultNamespace.
	Namespace string
	// Registry receives the collectors. Nil selects prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Recorder holds the run collectors. A nil *Recorder records nothing, so
// callers never need to guard their calls.
type Recorder struct {
	iterations *prometheus.CounterVec
	runs       *prometheus.CounterVec
	removals   *prometheus.CounterVec
	activity   *prometheus.GaugeVec
	largest    *prometheus.GaugeVec
	live       *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
}

func New(cfg Config) (*Recorder, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "iterations_total",
			Help:      "Iterations completed, by scheduling mode.",
		}, []string{"mode"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "runs_total",
			Help:      "Finished runs, by scheduling mode and stop reason.",
		}, []string{"mode", "reason"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "removals_total",
			Help:      "Agents removed by quorum-sensing diffusion.",
		}, []string{"mode"}),
		activity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "activity_ratio",
			Help:      "Fraction of active agents at the last report.",
		}, []string{"mode"}),
		largest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "largest_cluster_ratio",
			Help:      "Share of the swarm held by the largest cluster at the last report.",
		}, []string{"mode"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "live_agents",
			Help:      "Agents not yet removed at the last report.",
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"mode"}),
	}

	for _, c := range []prometheus.Collector{r.iterations, r.runs, r.removals, r.activity, r.largest, r.live, r.duration} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("%w: register collector: %w", ErrInvalidConfig, err)
		}
	}
	return r, nil
}

// ObserveIteration counts one completed iteration and refreshes the gauges.
func (r *Recorder) ObserveIteration(mode string, activity, largestShare float64, live int) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(mode).Inc()
	r.activity.WithLabelValues(mode).Set(activity)
	r.largest.WithLabelValues(mode).Set(largestShare)
	r.live.WithLabelValues(mode).Set(float64(live))
}

func (r *Recorder) ObserveRemovals(mode string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.removals.WithLabelValues(mode).Add(float64(n))
}

func (r *Recorder) ObserveRun(mode, reason string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(mode, reason).Inc()
	r.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
}
