package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSimulationMetrics(t *testing.T) {
	t.Run("StepDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			StepDuration.Observe(0.5)
			StepDuration.Observe(12.25)
			DeviceStepDuration.WithLabelValues("0").Observe(0.25)
		})
	})

	t.Run("StepsTotal", func(t *testing.T) {
		before := testutil.ToFloat64(StepsTotal)
		StepsTotal.Inc()
		StepsTotal.Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(StepsTotal))
	})

	t.Run("SimulatedSeconds", func(t *testing.T) {
		SimulatedSeconds.Set(1.5)
		assert.Equal(t, 1.5, testutil.ToFloat64(SimulatedSeconds))
	})

	t.Run("State gauges", func(t *testing.T) {
		Ensembles.Set(4)
		Neurons.Set(2000)
		DevicesInUse.Set(2)
		assert.Equal(t, float64(4), testutil.ToFloat64(Ensembles))
		assert.Equal(t, float64(2000), testutil.ToFloat64(Neurons))
		assert.Equal(t, float64(2), testutil.ToFloat64(DevicesInUse))
	})

	t.Run("LifecycleEvents", func(t *testing.T) {
		before := testutil.ToFloat64(LifecycleEvents.WithLabelValues("setup"))
		LifecycleEvents.WithLabelValues("setup").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(LifecycleEvents.WithLabelValues("setup")))
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		StepDuration,
		StepsTotal,
		SimulatedSeconds,
		SpikesTotal,
		Ensembles,
		Neurons,
		DevicesInUse,
	}

	for _, c := range collectors {
		// promauto already registered these with the default registry
		err := prometheus.Register(c)
		assert.Error(t, err)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/teapot")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418")))

	okHandler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), "/ok")
	okBefore := testutil.ToFloat64(EndpointResponses.WithLabelValues("/ok", "200"))
	okHandler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/ok", "200")))
}
