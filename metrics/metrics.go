// Package metrics wraps the driver's statistics field (spec.md §3) in
// Prometheus collectors, exposed by the CLI's --listen flag.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stats holds every collector the driver updates as it runs.
type Stats struct {
	registry *prometheus.Registry

	CompletionsTotal      *prometheus.CounterVec
	HardwareErrorsTotal    prometheus.Counter
	QueueFullTotal         prometheus.Counter
	UntaggedRejectedTotal  prometheus.Counter
	PRPPoolDepth           prometheus.Gauge
	PRPPoolHighWatermark   prometheus.Gauge
	UntaggedInFlight       prometheus.Gauge
	FallbackTimerArmed     prometheus.Gauge
	DoubleCompletionsTotal prometheus.Counter
}

// New builds and registers every collector against a fresh registry.
func New() *Stats {
	reg := prometheus.NewRegistry()

	s := &Stats{
		registry: reg,
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvme2k",
			Name:      "completions_total",
			Help:      "Completions drained per queue.",
		}, []string{"queue"}),
		HardwareErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvme2k", Name: "hardware_errors_total",
			Help: "IO completions with a non-zero NVMe status code.",
		}),
		QueueFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvme2k", Name: "queue_full_total",
			Help: "Submissions rejected because the target SQ ring was full.",
		}),
		UntaggedRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvme2k", Name: "untagged_rejected_total",
			Help: "Untagged requests rejected because the untagged slot was occupied.",
		}),
		PRPPoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvme2k", Name: "prp_pool_depth",
			Help: "PRP pool pages currently on loan.",
		}),
		PRPPoolHighWatermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvme2k", Name: "prp_pool_high_watermark",
			Help: "Maximum PRP pool depth observed.",
		}),
		UntaggedInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvme2k", Name: "untagged_in_flight",
			Help: "1 if the untagged-request slot is occupied, else 0.",
		}),
		FallbackTimerArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvme2k", Name: "fallback_timer_armed",
			Help: "1 if the fallback polling timer is currently armed, else 0.",
		}),
		DoubleCompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvme2k", Name: "double_completions_total",
			Help: "Completions observed for a request that was already resolved.",
		}),
	}

	reg.MustRegister(
		s.CompletionsTotal,
		s.HardwareErrorsTotal,
		s.QueueFullTotal,
		s.UntaggedRejectedTotal,
		s.PRPPoolDepth,
		s.PRPPoolHighWatermark,
		s.UntaggedInFlight,
		s.FallbackTimerArmed,
		s.DoubleCompletionsTotal,
	)
	return s
}

// Registry exposes the collectors for an HTTP /metrics handler.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// boolGauge sets a gauge to 1 or 0.
func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// SetUntaggedInFlight mirrors invariant 3 of spec.md §8: the untagged slot
// is a 0/1 capacity token.
func (s *Stats) SetUntaggedInFlight(occupied bool) { boolGauge(s.UntaggedInFlight, occupied) }

// SetFallbackTimerArmed mirrors the fallback-timer stability counter state.
func (s *Stats) SetFallbackTimerArmed(armed bool) { boolGauge(s.FallbackTimerArmed, armed) }

// SetPRPPoolDepth records a prp.Pool's current depth and high-watermark
// (invariant 2 of spec.md §8).
func (s *Stats) SetPRPPoolDepth(depth, highWatermark int) {
	s.PRPPoolDepth.Set(float64(depth))
	s.PRPPoolHighWatermark.Set(float64(highWatermark))
}
