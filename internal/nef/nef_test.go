package nef

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/fxnlabs/nefgpu/fixtures"
	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func TestGainBias(t *testing.T) {
	const tauRC, tauRef = 0.02, 0.002
	log := zap.NewNop()

	testCases := []struct {
		maxRate, intercept float64
	}{
		{200, -0.5},
		{400, 0},
		{100, 0.9},
	}
	for _, tc := range testCases {
		gain, bias, err := gainBias(tc.maxRate, tc.intercept, tauRC, tauRef, log)
		require.NoError(t, err)
		// Firing starts at the intercept and reaches maxRate at 1
		assert.InDelta(t, 1, gain*tc.intercept+bias, 1e-9)
		assert.InDelta(t, tc.maxRate, gpu.LIFRate(gain+bias, tauRC, tauRef), 1e-6*tc.maxRate)
	}

	_, _, err := gainBias(-1, 0, tauRC, tauRef, log)
	assert.Error(t, err)

	_, _, err = gainBias(100, 1, tauRC, tauRef, log)
	assert.Error(t, err)

	// Rates above 1/tauRef are clamped just below it
	gain, bias, err := gainBias(1000, 0, tauRC, tauRef, log)
	require.NoError(t, err)
	assert.InDelta(t, 1/tauRef-0.001, gpu.LIFRate(gain+bias, tauRC, tauRef), 0.01)
}

func TestSamplers(t *testing.T) {
	src := rand.NewPCG(1, 2)

	uniform, err := newSampler(config.Distribution{Kind: "uniform", Low: 200, High: 400}, src)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		v := uniform.Rand()
		assert.GreaterOrEqual(t, v, 200.0)
		assert.LessOrEqual(t, v, 400.0)
	}

	gaussian, err := newSampler(config.Distribution{Kind: "gaussian", Mean: 5, Variance: 0}, src)
	require.NoError(t, err)
	assert.Equal(t, 5.0, gaussian.Rand())

	_, err = newSampler(config.Distribution{Kind: "cauchy"}, src)
	assert.Error(t, err)
	_, err = newSampler(config.Distribution{Kind: "uniform", Low: 1, High: 0}, src)
	assert.Error(t, err)
	_, err = newSampler(config.Distribution{Kind: "gaussian", Variance: -1}, src)
	assert.Error(t, err)
}

func TestUnitVectorsAndBallPoints(t *testing.T) {
	src := rand.NewPCG(3, 4)
	for _, v := range randomUnitVectors(50, 3, src) {
		assert.InDelta(t, 1, math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]), 1e-12)
	}
	for _, p := range ballPoints(50, 2, src) {
		assert.LessOrEqual(t, math.Hypot(p[0], p[1]), 1+1e-12)
	}

	_, err := normalize([][]float64{{3, 4}}, 2)
	require.NoError(t, err)
	_, err = normalize([][]float64{{0, 0}}, 2)
	assert.Error(t, err)
	_, err = normalize([][]float64{{1}}, 2)
	assert.Error(t, err)
}

func TestInputFunctions(t *testing.T) {
	out := make([]float64, 2)

	f, err := newInputFunction(config.InputConfig{Name: "c", Function: "constant", Dimensions: 2, Value: []float64{1, -1}})
	require.NoError(t, err)
	f.Eval(3, out)
	assert.Equal(t, []float64{1, -1}, out)

	f, err = newInputFunction(config.InputConfig{Name: "s", Function: "sine", Dimensions: 2, Amplitude: 2, Frequency: 1})
	require.NoError(t, err)
	f.Eval(0.25, out)
	assert.InDelta(t, 2, out[0], 1e-12)
	assert.InDelta(t, 2, out[1], 1e-12)

	f, err = newInputFunction(config.InputConfig{Name: "st", Function: "step", Dimensions: 2, Time: 0.5, After: []float64{1, 2}})
	require.NoError(t, err)
	f.Eval(0.1, out)
	assert.Equal(t, []float64{0, 0}, out)
	f.Eval(0.5, out)
	assert.Equal(t, []float64{1, 2}, out)

	_, err = newInputFunction(config.InputConfig{Name: "c", Function: "constant", Dimensions: 2, Value: []float64{1}})
	assert.Error(t, err)
	_, err = newInputFunction(config.InputConfig{Name: "x", Function: "noise", Dimensions: 1})
	assert.Error(t, err)
}

func TestOriginFunctions(t *testing.T) {
	x := []float64{0.6, -0.8}
	out := make([]float64, 2)

	for name, want := range map[string][]float64{
		"identity": {0.6, -0.8},
		"square":   {0.36, 0.64},
		"product":  {-0.48},
		"norm":     {1},
	} {
		f, err := lookupOriginFunction(name)
		require.NoError(t, err)
		dim, err := f.outDim(2)
		require.NoError(t, err)
		require.Equal(t, len(want), dim)
		f.eval(x, out[:dim])
		assert.InDeltaSlice(t, want, out[:dim], 1e-12, name)
	}

	product, _ := lookupOriginFunction("product")
	_, err := product.outDim(3)
	assert.Error(t, err)
	_, err = lookupOriginFunction("tanh")
	assert.Error(t, err)
}

func TestSolveDecodersRecoversLinearMap(t *testing.T) {
	// The targets lie in the span of the rate columns.
	rates := mat.NewDense(4, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 0,
	})
	targets := mat.NewDense(4, 1, []float64{2, 3, 4, 5})
	decoders, err := solveDecoders(rates, targets, 0)
	require.NoError(t, err)

	var fit mat.Dense
	fit.Mul(rates, decoders)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, targets.At(i, 0), fit.At(i, 0), 1e-6)
	}
}

func buildNetwork(t *testing.T, data []byte) *Model {
	t.Helper()
	cfg, err := config.ParseNetworkConfig(data)
	require.NoError(t, err)
	model, err := Build(cfg, zap.NewNop())
	require.NoError(t, err)
	return model
}

// decodeRate evaluates origin o of ensemble e at x with steady-state rates.
func decodeRate(ens *Ensemble, o int, x []float64) []float64 {
	rates := rateMatrix([][]float64{x}, ens.Encoders, ens.Gain, ens.Bias, ens.TauRC, ens.TauRef)
	var out mat.Dense
	out.Mul(rates, ens.Origins[o].Decoders)
	return out.RawRowView(0)
}

func TestBuildChannel(t *testing.T) {
	model := buildNetwork(t, fixtures.ChannelNetwork)

	require.Len(t, model.Ensembles, 2)
	require.Len(t, model.Inputs, 1)
	require.Len(t, model.Projections, 1)
	require.Len(t, model.Probes, 3)
	assert.Equal(t, "b.square", model.Probes[2].Name)

	b := model.Ensembles[1]
	for _, x := range []float64{-0.8, -0.3, 0, 0.4, 0.9} {
		assert.InDelta(t, x, decodeRate(b, 0, []float64{x})[0], 0.1, "identity at %g", x)
		assert.InDelta(t, x*x, decodeRate(b, 1, []float64{x})[0], 0.15, "square at %g", x)
	}

	// Same seed, same model
	again := buildNetwork(t, fixtures.ChannelNetwork)
	assert.Equal(t, model.Ensembles[0].Gain, again.Ensembles[0].Gain)
	assert.True(t, mat.Equal(model.Ensembles[1].Origins[1].Decoders, again.Ensembles[1].Origins[1].Decoders))
}

func TestBuildProductNetwork(t *testing.T) {
	model := buildNetwork(t, []byte(`
name: product
seed: 5
ensembles:
  - name: p
    neurons: 200
    dimensions: 2
    spiking: false
    evalPoints: 1000
    origins:
      - name: product
        function: product
`))
	p := model.Ensembles[0]
	assert.False(t, p.Spiking)
	assert.Equal(t, 1, p.Origins[0].Dimension())
	for _, x := range [][]float64{{0.5, 0.5}, {-0.5, 0.6}, {0.2, -0.1}} {
		assert.InDelta(t, x[0]*x[1], decodeRate(p, 0, x)[0], 0.12, "product at %v", x)
	}
}

func TestBuildErrors(t *testing.T) {
	testCases := map[string]string{
		"duplicate ensemble": `
ensembles:
  - {name: a, neurons: 5}
  - {name: a, neurons: 5}`,
		"unknown origin function": `
ensembles:
  - name: a
    neurons: 5
    origins: [{name: X, function: tanh}]`,
		"bad transform rows": `
ensembles:
  - name: a
    neurons: 5
    terminations: [{name: in, transform: [[1], [1]]}]`,
		"unknown connection target": `
ensembles:
  - {name: a, neurons: 5}
inputs:
  - {name: u, function: constant, value: [1]}
connections:
  - {from: u, to: b.in}`,
		"dimension mismatch": `
ensembles:
  - name: a
    neurons: 5
    terminations: [{name: in, transform: [[1, 1]]}]
inputs:
  - {name: u, function: constant, value: [1]}
connections:
  - {from: u, to: a.in}`,
		"termination fed twice": `
ensembles:
  - name: a
    neurons: 5
    terminations: [{name: in, transform: [[1]]}]
inputs:
  - {name: u, function: constant, value: [1]}
  - {name: v, function: constant, value: [1]}
connections:
  - {from: u, to: a.in}
  - {from: v, to: a.in}`,
		"unknown probe": `
ensembles:
  - {name: a, neurons: 5}
probes: [a.Y]`,
	}

	for name, doc := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.ParseNetworkConfig([]byte(doc))
			require.NoError(t, err)
			_, err = Build(cfg, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestModelRunSpec(t *testing.T) {
	model := buildNetwork(t, fixtures.IntegratorNetwork)
	model.NumDevices = 1
	spec := model.RunSpec()

	require.Len(t, spec.EnsembleData, 1)
	assert.Equal(t, []int{1, 500, 2, 1}, spec.EnsembleData[0])
	assert.Len(t, spec.NeuronData[0], 3+2*500)
	assert.Equal(t, float32(500), spec.NeuronData[0][0])
	assert.Equal(t, [][]int{{0, 0, 0, 1}}, spec.Projections)
	assert.Equal(t, []float32{0.05, 0.05}, spec.TerminationTau[0])
	assert.Equal(t, [][]float32{{0.05}}, spec.TerminationTransforms[0][0])
	assert.True(t, spec.CollectSpikes[0])
	assert.Equal(t, []int{-1}, spec.DeviceForEnsemble)
	assert.Equal(t, 1, spec.NumDevicesRequested)

	net, err := spec.Network()
	require.NoError(t, err)
	require.NoError(t, net.Validate())

	inputs := model.NewInputs()
	require.NotNil(t, inputs[0][0])
	assert.Nil(t, inputs[0][1], "projected termination has no host buffer")
	model.EvalInputs(0.1, inputs)
	assert.Equal(t, []float32{1}, inputs[0][0])

	outputs, spikes := model.NewOutputs()
	assert.Len(t, outputs[0][0], 1)
	assert.Len(t, spikes[0], 500)
}

func TestModelWeights(t *testing.T) {
	model := buildNetwork(t, fixtures.ChannelNetwork)
	w, err := model.Weights(0)
	require.NoError(t, err)
	rows, cols := w.Dims()
	assert.Equal(t, 100, rows)
	assert.Equal(t, 100, cols)

	// Row n is encoder_n · transform · decodersᵀ
	post := model.Ensembles[1]
	pre := model.Ensembles[0].Origins[0]
	want := post.Encoders.At(3, 0) * pre.Decoders.At(7, 0)
	assert.InDelta(t, want, w.At(3, 7), 1e-12)

	_, err = model.Weights(1)
	assert.Error(t, err)
}
