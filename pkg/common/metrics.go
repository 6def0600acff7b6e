package common

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	InstancesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playground_instances_created_total",
		Help: "Playground instances requested.",
	})
	InstancesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_instances_failed_total",
		Help: "Playground instances that failed to provision, by stage.",
	}, []string{"stage"})
	InstancesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playground_instances_reaped_total",
		Help: "Expired playground instances deleted by the reaper.",
	})
	InstancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playground_instances_active",
		Help: "Playground instances currently tracked in memory.",
	})
	OrphansRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playground_orphans_removed_total",
		Help: "Labeled containers removed because no instance owned them.",
	})
	ProvisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "playground_provision_duration_seconds",
		Help:    "Time from container create to inner daemon ready.",
		Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
	})
	TerminalSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playground_terminal_sessions_active",
		Help: "Interactive terminal sessions currently attached.",
	})
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_runs_finished_total",
		Help: "Workflow runs that reached a terminal status.",
	}, []string{"status"})
	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playground_stream_subscribers",
		Help: "Live run stream subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		InstancesCreated,
		InstancesFailed,
		InstancesReaped,
		InstancesActive,
		OrphansRemoved,
		ProvisionDuration,
		TerminalSessionsActive,
		RunsFinished,
		StreamSubscribers,
	)
}
