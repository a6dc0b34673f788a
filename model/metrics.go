package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	tasks       *prometheus.CounterVec
	connections prometheus.Gauge
	anomalies   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imapsync_tasks_total",
			Help: "Number of finished tasks by kind and outcome",
		}, []string{"kind", "outcome"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imapsync_connections",
			Help: "Number of open connections",
		}),
		anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "imapsync_sync_anomalies_total",
			Help: "Number of cache inconsistencies which forced a full resync",
		}),
	}
}
