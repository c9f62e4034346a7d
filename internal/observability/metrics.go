package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inquest",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	raftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inquest",
			Subsystem: "raft",
			Name:      "current_term",
			Help:      "Current raft term observed by the node.",
		},
		[]string{"node"},
	)
	raftRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inquest",
			Subsystem: "raft",
			Name:      "role",
			Help:      "Node role: 0 follower, 1 candidate, 2 leader.",
		},
		[]string{"node"},
	)
	raftCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "raft",
			Name:      "committed_entries_total",
			Help:      "Log entries committed by the node.",
		},
		[]string{"node"},
	)
	stepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "conductor",
			Name:      "steps_total",
			Help:      "Plan steps executed, by terminal outcome.",
		},
		[]string{"node", "outcome"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inquest",
			Subsystem: "conductor",
			Name:      "step_duration_seconds",
			Help:      "Wall time per step including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	readingsFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "axiom",
			Name:      "readings_total",
			Help:      "Readings seen by the axiomatic filter, by disposition.",
		},
		[]string{"node", "disposition"},
	)
	fusionRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "fusion",
			Name:      "rounds_total",
			Help:      "Fusion rounds, by synthesis method.",
		},
		[]string{"node", "method"},
	)
	beliefCollapses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inquest",
			Subsystem: "belief",
			Name:      "collapses_total",
			Help:      "Belief states collapsed to verified.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			raftTerm, raftRole, raftCommits,
			stepsExecuted, stepDuration,
			readingsFiltered, fusionRounds, beliefCollapses,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRaftTerm(node string, term uint64) {
	RegisterMetrics()
	raftTerm.WithLabelValues(node).Set(float64(term))
}

func RecordRaftRole(node string, role int) {
	RegisterMetrics()
	raftRole.WithLabelValues(node).Set(float64(role))
}

func RecordCommit(node string) {
	RegisterMetrics()
	raftCommits.WithLabelValues(node).Inc()
}

func RecordStep(node, outcome string, duration time.Duration) {
	RegisterMetrics()
	stepsExecuted.WithLabelValues(node, outcome).Inc()
	stepDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func RecordReading(node, disposition string) {
	RegisterMetrics()
	readingsFiltered.WithLabelValues(node, disposition).Inc()
}

func RecordFusionRound(node, method string) {
	RegisterMetrics()
	fusionRounds.WithLabelValues(node, method).Inc()
}

func RecordBeliefCollapse(node string) {
	RegisterMetrics()
	beliefCollapses.WithLabelValues(node).Inc()
}
