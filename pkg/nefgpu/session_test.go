package nefgpu

import (
	"log/slog"
	"testing"

	"github.com/fxnlabs/nefgpu/internal/engine"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// communicationChannel is two 1-D rate ensembles of two neurons each; the
// first is driven by the host and projects into the second.
func communicationChannel() RunSpec {
	neuronData := []float32{2, 0.02, 0.002, 1, 1, 2, 2}
	return RunSpec{
		TerminationTransforms: [][][][]float32{{{{1}}}, {{{1}}}},
		IsDecodedTermination:  [][]bool{{true}, {true}},
		TerminationTau:        [][]float32{{0}, {0.005}},
		Encoders:              [][][]float32{{{1}, {1}}, {{1}, {1}}},
		Decoders:              [][][][]float32{{{{0.01}, {0.01}}}, {{{0.01}, {0.01}}}},
		NeuronData:            [][]float32{neuronData, append([]float32(nil), neuronData...)},
		Projections:           [][]int{{0, 0, 1, 0}},
		EnsembleData:          [][]int{{1, 2, 1, 1}, {1, 2, 1, 1}},
		IsSpikingEnsemble:     []bool{false, true},
		CollectSpikes:         []bool{false, true},
		MaxTimeStep:           0.001,
		DeviceForEnsemble:     []int{-1, -1},
	}
}

func newTestSession(t *testing.T, devices int) *Session {
	t.Helper()
	manager, err := gpu.NewManager(slog.Default(), gpu.Options{CPUDevices: devices, DisableCUDA: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Cleanup() })
	return NewSession(manager, zap.NewNop())
}

func buffers() ([][][]float32, [][][]float32, [][]float32) {
	inputs := [][][]float32{{{0.5}}, {nil}}
	outputs := [][][]float32{{{0}}, {{0}}}
	spikes := [][]float32{nil, {0, 0}}
	return inputs, outputs, spikes
}

func TestRunSpecNetwork(t *testing.T) {
	spec := communicationChannel()
	net, err := spec.Network()
	require.NoError(t, err)
	require.NoError(t, net.Validate())

	require.Len(t, net.Ensembles, 2)
	e := net.Ensembles[0]
	assert.Equal(t, 1, e.Dimension)
	assert.Equal(t, 2, e.NumNeurons)
	assert.Equal(t, float32(0.02), e.TauRC)
	assert.Equal(t, float32(0.002), e.TauRef)
	assert.Equal(t, []float32{1, 1}, e.Bias)
	assert.Equal(t, []float32{2, 2}, e.Gain)
	assert.Equal(t, engine.AutoDevice, e.Device)
	assert.Equal(t, float32(0.005), net.Ensembles[1].Terminations[0].Tau)
	assert.True(t, net.Ensembles[1].CollectSpikes)
	assert.Equal(t, []engine.Projection{{OriginEnsemble: 0, OriginIndex: 0, TerminationEnsemble: 1, TerminationIndex: 0}}, net.Projections)
}

func TestRunSpecNetworkShapeErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(s *RunSpec)
	}{
		{"missing ensemble arrays", func(s *RunSpec) { s.Encoders = s.Encoders[:1] }},
		{"device assignment length", func(s *RunSpec) { s.DeviceForEnsemble = []int{0} }},
		{"ensemble data width", func(s *RunSpec) { s.EnsembleData[0] = []int{1, 2, 1} }},
		{"neuron data length", func(s *RunSpec) { s.NeuronData[0] = s.NeuronData[0][:5] }},
		{"neuron count disagreement", func(s *RunSpec) { s.NeuronData[0][0] = 3 }},
		{"encoder rows", func(s *RunSpec) { s.Encoders[0] = [][]float32{{1}} }},
		{"termination count", func(s *RunSpec) { s.EnsembleData[0][2] = 2 }},
		{"ragged transform", func(s *RunSpec) {
			s.IsDecodedTermination[0][0] = false
			s.TerminationTransforms[0][0] = [][]float32{{1}, {1, 2}}
		}},
		{"origin count", func(s *RunSpec) { s.EnsembleData[1][3] = 0 }},
		{"decoder rows", func(s *RunSpec) { s.Decoders[0][0] = [][]float32{{1}} }},
		{"projection width", func(s *RunSpec) { s.Projections[0] = []int{0, 0, 1} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spec := communicationChannel()
			tc.mutate(&spec)
			_, err := spec.Network()
			assert.ErrorIs(t, err, engine.ErrInvalidNetwork)
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("device count is non-negative at any time", func(t *testing.T) {
		s := newTestSession(t, 2)
		assert.Equal(t, 2, s.GetNumDevices())
		require.NoError(t, s.SetupRun(communicationChannel()))
		assert.Equal(t, 2, s.GetNumDevices())
		require.NoError(t, s.Kill())
		assert.Equal(t, 2, s.GetNumDevices())

		assert.Equal(t, 0, NewSession(nil, nil).GetNumDevices())
	})

	t.Run("setup then kill without stepping", func(t *testing.T) {
		s := newTestSession(t, 1)
		require.NoError(t, s.SetupRun(communicationChannel()))
		require.NoError(t, s.Kill())
	})

	t.Run("step before setup is rejected", func(t *testing.T) {
		s := newTestSession(t, 1)
		inputs, outputs, spikes := buffers()
		outputs[0][0][0] = 5
		err := s.Step(inputs, outputs, spikes, 0, 0.001)
		assert.ErrorIs(t, err, engine.ErrNotSetup)
		assert.Equal(t, float32(5), outputs[0][0][0])
	})

	t.Run("kill before setup", func(t *testing.T) {
		s := newTestSession(t, 1)
		assert.ErrorIs(t, s.Kill(), engine.ErrNotSetup)
	})

	t.Run("setup while running", func(t *testing.T) {
		s := newTestSession(t, 1)
		require.NoError(t, s.SetupRun(communicationChannel()))
		assert.ErrorIs(t, s.SetupRun(communicationChannel()), engine.ErrAlreadySetup)
		require.NoError(t, s.Kill())
		assert.ErrorIs(t, s.Kill(), engine.ErrKilled)
	})

	t.Run("setup after kill starts a fresh run", func(t *testing.T) {
		s := newTestSession(t, 1)
		inputs, outputs, spikes := buffers()

		require.NoError(t, s.SetupRun(communicationChannel()))
		require.NoError(t, s.Step(inputs, outputs, spikes, 0, 0.01))
		require.NoError(t, s.Kill())
		assert.ErrorIs(t, s.Step(inputs, outputs, spikes, 0.01, 0.02), engine.ErrKilled)

		require.NoError(t, s.SetupRun(communicationChannel()))
		// Time restarts with the new run
		require.NoError(t, s.Step(inputs, outputs, spikes, 0, 0.01))
		require.NoError(t, s.Kill())
	})

	t.Run("invalid spec leaves session idle", func(t *testing.T) {
		s := newTestSession(t, 1)
		spec := communicationChannel()
		spec.MaxTimeStep = -1
		assert.ErrorIs(t, s.SetupRun(spec), engine.ErrInvalidNetwork)
		assert.Nil(t, s.Controller())
		require.NoError(t, s.SetupRun(communicationChannel()))
		require.NoError(t, s.Kill())
	})
}

func TestSessionStep(t *testing.T) {
	s := newTestSession(t, 2)
	require.NoError(t, s.SetupRun(communicationChannel()))
	t.Cleanup(func() { _ = s.Kill() })

	inputs, outputs, spikes := buffers()
	now := float32(0)
	fired := float32(0)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Step(inputs, outputs, spikes, now, now+0.002))
		now += 0.002
		fired += spikes[1][0] + spikes[1][1]
	}

	// J = 2*0.5 + 1 = 2 on both neurons of the first ensemble
	expected := 2 * 0.01 * gpu.LIFRate(2, 0.02, 0.002)
	assert.InDelta(t, expected, outputs[0][0][0], 1e-3)
	assert.Greater(t, fired, float32(0))
	assert.Equal(t, uint64(50), s.Controller().Stats().Steps)
	assert.Equal(t, 2, s.Controller().Stats().Devices)

	// Mis-shaped buffers are rejected without writing
	bad := [][][]float32{{{7}}, {{7, 7}}}
	assert.ErrorIs(t, s.Step(inputs, bad, spikes, now, now+0.002), engine.ErrShape)
	assert.Equal(t, float32(7), bad[0][0][0])
}

func TestDefaultSession(t *testing.T) {
	assert.GreaterOrEqual(t, GetNumDevices(), 0)
	assert.Same(t, Default(), Default())

	inputs, outputs, spikes := buffers()
	assert.ErrorIs(t, Step(inputs, outputs, spikes, 0, 0.001), engine.ErrNotSetup)

	require.NoError(t, SetupRun(communicationChannel()))
	require.NoError(t, Step(inputs, outputs, spikes, 0, 0.001))
	require.NoError(t, Kill())
	assert.GreaterOrEqual(t, GetNumDevices(), 0)
}
