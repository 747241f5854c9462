package connect

import "github.com/prometheus/client_golang/prometheus"

// Prometheus connectivity metrics.
var (
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lacyconnect_state_transitions_total",
			Help: "Total number of connectivity state transitions.",
		},
		[]string{"from", "to"},
	)
	currentState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lacyconnect_state",
			Help: "Current connectivity state as its ordinal.",
		},
	)
	credentialTestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lacyconnect_credential_tests_total",
			Help: "Total number of captive portal credential tests by result.",
		},
		[]string{"result"},
	)
	driverErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lacyconnect_driver_errors_total",
			Help: "Total number of failed radio or wired driver operations.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(stateTransitionsTotal)
	prometheus.MustRegister(currentState)
	prometheus.MustRegister(credentialTestsTotal)
	prometheus.MustRegister(driverErrorsTotal)
}
