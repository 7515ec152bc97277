package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared watcher metrics.
var (
	SourcesActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dirwatch",
		Subsystem: "watcher",
		Name:      "sources_active",
		Help:      "The current number of running notification sources",
	})

	MessagesDispatchedCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "watcher",
		Name:      "messages_dispatched_total",
		Help:      "The number of messages dispatched to handlers",
	}, []string{"type"})

	EventsDecodedCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "decoder",
		Name:      "events_total",
		Help:      "The number of decoded events, by kind",
	}, []string{"kind"})

	DecodeAnomaliesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "decoder",
		Name:      "anomalies_total",
		Help:      "The number of raw messages that degraded to an empty change",
	})
)
