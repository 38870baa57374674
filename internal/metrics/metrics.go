package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Step Engine Metrics
	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nef_step_duration_ms",
		Help:    "Wall-clock duration of one simulation step across all devices in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10µs to ~1.3s
	})

	DeviceStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nef_device_step_duration_ms",
		Help:    "Duration of one simulation step on a single device in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
	}, []string{"device"})

	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nef_steps_total",
		Help: "Total number of simulation steps",
	})

	SimulatedSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nef_simulated_seconds",
		Help: "Simulated time reached by the last step",
	})

	SpikesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nef_spikes_total",
		Help: "Total number of spikes emitted by spiking ensembles",
	})

	// Simulation State Metrics
	Ensembles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nef_ensembles",
		Help: "Number of ensembles in the running simulation",
	})

	Neurons = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nef_neurons",
		Help: "Number of neurons in the running simulation",
	})

	DevicesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nef_devices_in_use",
		Help: "Number of devices held by the running simulation",
	})

	LifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nef_lifecycle_events_total",
		Help: "Lifecycle transitions of the simulation controller",
	}, []string{"event"})
)
