package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/metrics"
	"github.com/fxnlabs/nefgpu/internal/probe"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scalarSpec() nefgpu.RunSpec {
	return nefgpu.RunSpec{
		TerminationTransforms: [][][][]float32{{{{1}}}},
		IsDecodedTermination:  [][]bool{{true}},
		TerminationTau:        [][]float32{{0}},
		Encoders:              [][][]float32{{{1}}},
		Decoders:              [][][][]float32{{{{0.01}}}},
		NeuronData:            [][]float32{{1, 0.02, 0.002, 1, 2}},
		EnsembleData:          [][]int{{1, 1, 1, 1}},
		IsSpikingEnsemble:     []bool{false},
		CollectSpikes:         []bool{false},
		MaxTimeStep:           0.001,
	}
}

func newTestServer(t *testing.T) (*Server, *nefgpu.Session) {
	t.Helper()
	manager, err := gpu.NewManager(slog.Default(), gpu.Options{CPUDevices: 2, DisableCUDA: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Cleanup() })
	session := nefgpu.NewSession(manager, zap.NewNop())
	return NewServer(session, manager, probe.NewHub(zap.NewNop()), zap.NewNop()), session
}

func getStatus(t *testing.T, h http.Handler) Status {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return status
}

func TestStatusHandler(t *testing.T) {
	srv, session := newTestServer(t)
	h := srv.Handler()

	before := testutil.ToFloat64(metrics.EndpointResponses.WithLabelValues("/status", "200"))

	status := getStatus(t, h)
	assert.Equal(t, "cpu", status.Backend)
	assert.Len(t, status.Devices, 2)
	assert.Nil(t, status.Simulation)

	require.NoError(t, session.SetupRun(scalarSpec()))
	require.NoError(t, session.Step([][][]float32{{{0.5}}}, [][][]float32{{{0}}}, [][]float32{nil}, 0, 0.001))

	status = getStatus(t, h)
	require.NotNil(t, status.Simulation)
	assert.Equal(t, "ready", status.Simulation.State)
	assert.Equal(t, uint64(1), status.Simulation.Steps)
	assert.Equal(t, []int{0}, status.Assignment)
	assert.Empty(t, status.Fault)

	require.NoError(t, session.Kill())
	status = getStatus(t, h)
	assert.Equal(t, "killed", status.Simulation.State)

	after := testutil.ToFloat64(metrics.EndpointResponses.WithLabelValues("/status", "200"))
	assert.Equal(t, before+3, after)
}

func TestStatusMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "nef_steps_total"))
}
