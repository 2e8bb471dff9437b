// Package metrics holds the Prometheus collectors shared by the relay
// components. Collectors register themselves with the default registry the
// first time any of them is recorded.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "syncrelay"

var (
	registerOnce sync.Once

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Session registrations by result.",
		},
		[]string{"result"},
	)
	prunes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "prunes_total",
			Help:      "Connection removals by result.",
		},
		[]string{"result"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Message deliveries by outcome.",
		},
		[]string{"outcome"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "actions_total",
			Help:      "Dispatched protocol actions by action and result.",
		},
		[]string{"action", "result"},
	)
	gatewayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Websocket connections currently attached to this process.",
		},
	)
)

// Register adds every collector to the default Prometheus registry. It is
// safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(registrations, prunes, deliveries, dispatches, gatewayConnections)
	})
}

func RecordRegister(result string) {
	Register()
	registrations.WithLabelValues(result).Inc()
}

func RecordPrune(result string) {
	Register()
	prunes.WithLabelValues(result).Inc()
}

func RecordDelivery(outcome string) {
	Register()
	deliveries.WithLabelValues(outcome).Inc()
}

func RecordDispatch(action, result string) {
	Register()
	dispatches.WithLabelValues(action, result).Inc()
}

// ConnectionOpened and ConnectionClosed track the local websocket gauge.
func ConnectionOpened() {
	Register()
	gatewayConnections.Inc()
}

func ConnectionClosed() {
	Register()
	gatewayConnections.Dec()
}
