package nef

import (
	"fmt"
	"math/rand/v2"

	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Ensemble is a built population with its sampled parameters.
type Ensemble struct {
	Name          string
	Neurons       int
	Dimensions    int
	TauRC         float64
	TauRef        float64
	Gain          []float64
	Bias          []float64
	Encoders      *mat.Dense // neurons×dimensions
	Spiking       bool
	CollectSpikes bool
	Device        int
	Origins       []*Origin
	Terminations  []*Termination
}

// Origin is a decoded output of an ensemble.
type Origin struct {
	Name     string
	Function string
	Decoders *mat.Dense // neurons×outDim
}

// Dimension returns the output dimension of the origin
func (o *Origin) Dimension() int {
	_, c := o.Decoders.Dims()
	return c
}

// Termination is a synaptic input of an ensemble.
type Termination struct {
	Name      string
	Decoded   bool
	Tau       float32
	Transform *mat.Dense // dimensions×inputDim, or neurons×inputDim when not decoded
}

// InputDimension returns the number of values the termination accepts
func (t *Termination) InputDimension() int {
	_, c := t.Transform.Dims()
	return c
}

// Input is a function of time feeding one or more terminations.
type Input struct {
	Name     string
	Function Function
	targets  [][2]int // ensemble, termination
}

// Projection connects ensemble origins to terminations.
type Projection struct {
	From, To            string
	OriginEnsemble      int
	OriginIndex         int
	TerminationEnsemble int
	TerminationIndex    int
}

// ProbeRef names a recorded origin.
type ProbeRef struct {
	Name     string
	Ensemble int
	Origin   int
}

// Model is a built network ready to be flattened for the simulator.
type Model struct {
	Name        string
	MaxTimeStep float32
	Ensembles   []*Ensemble
	Inputs      []*Input
	Projections []Projection
	Probes      []ProbeRef
	// NumDevices is the number of devices requested, 0 for all
	NumDevices int

	scratch []float64
}

// Build samples and solves every ensemble of cfg. The same config and seed
// always produce the same model.
func Build(cfg *config.NetworkConfig, log *zap.Logger) (*Model, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nef")
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)

	model := &Model{Name: cfg.Name, MaxTimeStep: cfg.MaxTimeStep}
	byName := make(map[string]int, len(cfg.Ensembles))

	for i := range cfg.Ensembles {
		ec := &cfg.Ensembles[i]
		if ec.Name == "" {
			return nil, fmt.Errorf("ensemble %d has no name", i)
		}
		if _, dup := byName[ec.Name]; dup {
			return nil, fmt.Errorf("duplicate ensemble name %q", ec.Name)
		}
		ens, err := buildEnsemble(ec, src, log)
		if err != nil {
			return nil, fmt.Errorf("ensemble %q: %w", ec.Name, err)
		}
		byName[ec.Name] = len(model.Ensembles)
		model.Ensembles = append(model.Ensembles, ens)
	}

	inputs := make(map[string]int, len(cfg.Inputs))
	for _, ic := range cfg.Inputs {
		if _, dup := inputs[ic.Name]; dup || ic.Name == "" {
			return nil, fmt.Errorf("input name %q is empty or duplicated", ic.Name)
		}
		if _, clash := byName[ic.Name]; clash {
			return nil, fmt.Errorf("input %q has the name of an ensemble", ic.Name)
		}
		f, err := newInputFunction(ic)
		if err != nil {
			return nil, err
		}
		inputs[ic.Name] = len(model.Inputs)
		model.Inputs = append(model.Inputs, &Input{Name: ic.Name, Function: f})
	}

	fed := make(map[[2]int]string)
	for _, cc := range cfg.Connections {
		te, tt, err := model.resolveTermination(byName, cc.To)
		if err != nil {
			return nil, err
		}
		key := [2]int{te, tt}
		if prev, dup := fed[key]; dup {
			return nil, fmt.Errorf("termination %q is already fed by %q", cc.To, prev)
		}
		fed[key] = cc.From
		inDim := model.Ensembles[te].Terminations[tt].InputDimension()

		if idx, ok := inputs[cc.From]; ok {
			in := model.Inputs[idx]
			if in.Function.Dimension() != inDim {
				return nil, fmt.Errorf("input %q has dimension %d but %q expects %d", cc.From, in.Function.Dimension(), cc.To, inDim)
			}
			in.targets = append(in.targets, key)
			continue
		}

		oe, oo, err := model.resolveOrigin(byName, cc.From)
		if err != nil {
			return nil, err
		}
		if d := model.Ensembles[oe].Origins[oo].Dimension(); d != inDim {
			return nil, fmt.Errorf("origin %q has dimension %d but %q expects %d", cc.From, d, cc.To, inDim)
		}
		model.Projections = append(model.Projections, Projection{
			From: cc.From, To: cc.To,
			OriginEnsemble: oe, OriginIndex: oo,
			TerminationEnsemble: te, TerminationIndex: tt,
		})
	}

	for _, ref := range cfg.Probes {
		e, o, err := model.resolveOrigin(byName, ref)
		if err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
		model.Probes = append(model.Probes, ProbeRef{Name: ref, Ensemble: e, Origin: o})
	}

	log.Info("Network built",
		zap.String("name", cfg.Name),
		zap.Int("ensembles", len(model.Ensembles)),
		zap.Int("inputs", len(model.Inputs)),
		zap.Int("projections", len(model.Projections)))
	return model, nil
}

func (m *Model) resolveOrigin(byName map[string]int, ref string) (int, int, error) {
	node, port, err := config.SplitRef(ref)
	if err != nil {
		return 0, 0, err
	}
	e, ok := byName[node]
	if !ok {
		return 0, 0, fmt.Errorf("unknown ensemble %q in %q", node, ref)
	}
	for o, origin := range m.Ensembles[e].Origins {
		if origin.Name == port {
			return e, o, nil
		}
	}
	return 0, 0, fmt.Errorf("ensemble %q has no origin %q", node, port)
}

func (m *Model) resolveTermination(byName map[string]int, ref string) (int, int, error) {
	node, port, err := config.SplitRef(ref)
	if err != nil {
		return 0, 0, err
	}
	e, ok := byName[node]
	if !ok {
		return 0, 0, fmt.Errorf("unknown ensemble %q in %q", node, ref)
	}
	for t, term := range m.Ensembles[e].Terminations {
		if term.Name == port {
			return e, t, nil
		}
	}
	return 0, 0, fmt.Errorf("ensemble %q has no termination %q", node, port)
}

func buildEnsemble(ec *config.EnsembleConfig, src rand.Source, log *zap.Logger) (*Ensemble, error) {
	if ec.Neurons < 1 {
		return nil, fmt.Errorf("needs at least one neuron, got %d", ec.Neurons)
	}
	if ec.Dimensions < 1 || ec.EvalPoints < 1 {
		return nil, fmt.Errorf("needs at least one dimension and one eval point, got %d and %d", ec.Dimensions, ec.EvalPoints)
	}
	ens := &Ensemble{
		Name:          ec.Name,
		Neurons:       ec.Neurons,
		Dimensions:    ec.Dimensions,
		TauRC:         float64(ec.TauRC),
		TauRef:        float64(ec.TauRef),
		Gain:          make([]float64, ec.Neurons),
		Bias:          make([]float64, ec.Neurons),
		Spiking:       ec.IsSpiking(),
		CollectSpikes: ec.CollectSpikes,
		Device:        ec.DeviceIndex(),
	}

	maxRates, err := newSampler(ec.MaxRate, src)
	if err != nil {
		return nil, fmt.Errorf("max rate: %w", err)
	}
	intercepts, err := newSampler(ec.Intercept, src)
	if err != nil {
		return nil, fmt.Errorf("intercept: %w", err)
	}
	for n := 0; n < ec.Neurons; n++ {
		ens.Gain[n], ens.Bias[n], err = gainBias(maxRates.Rand(), intercepts.Rand(), ens.TauRC, ens.TauRef, log)
		if err != nil {
			return nil, fmt.Errorf("neuron %d: %w", n, err)
		}
	}

	var encoders [][]float64
	if len(ec.Encoders) > 0 {
		if len(ec.Encoders) != ec.Neurons {
			return nil, fmt.Errorf("has %d encoders for %d neurons", len(ec.Encoders), ec.Neurons)
		}
		if encoders, err = normalize(ec.Encoders, ec.Dimensions); err != nil {
			return nil, err
		}
	} else {
		encoders = randomUnitVectors(ec.Neurons, ec.Dimensions, src)
	}
	ens.Encoders = mat.NewDense(ec.Neurons, ec.Dimensions, nil)
	for n, row := range encoders {
		ens.Encoders.SetRow(n, row)
	}

	points := ballPoints(ec.EvalPoints, ec.Dimensions, src)
	rates := rateMatrix(points, ens.Encoders, ens.Gain, ens.Bias, ens.TauRC, ens.TauRef)
	for _, oc := range ec.Origins {
		f, err := lookupOriginFunction(oc.Function)
		if err != nil {
			return nil, fmt.Errorf("origin %q: %w", oc.Name, err)
		}
		outDim, err := f.outDim(ec.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("origin %q: %w", oc.Name, err)
		}
		decoders, err := solveDecoders(rates, functionTargets(points, f, outDim), ec.Noise)
		if err != nil {
			return nil, fmt.Errorf("origin %q: %w", oc.Name, err)
		}
		ens.Origins = append(ens.Origins, &Origin{Name: oc.Name, Function: f.name, Decoders: decoders})
	}

	for _, tc := range ec.Terminations {
		term, err := buildTermination(tc, ens)
		if err != nil {
			return nil, fmt.Errorf("termination %q: %w", tc.Name, err)
		}
		ens.Terminations = append(ens.Terminations, term)
	}
	return ens, nil
}

func buildTermination(tc config.TerminationConfig, ens *Ensemble) (*Termination, error) {
	rows := ens.Dimensions
	if !tc.IsDecoded() {
		rows = ens.Neurons
	}
	if len(tc.Transform) != rows {
		return nil, fmt.Errorf("transform has %d rows, expected %d", len(tc.Transform), rows)
	}
	cols := len(tc.Transform[0])
	if cols == 0 {
		return nil, fmt.Errorf("transform has no columns")
	}
	transform := mat.NewDense(rows, cols, nil)
	for r, row := range tc.Transform {
		if len(row) != cols {
			return nil, fmt.Errorf("transform row %d has %d columns, expected %d", r, len(row), cols)
		}
		transform.SetRow(r, row)
	}
	if tc.Tau < 0 {
		return nil, fmt.Errorf("tau must not be negative, got %g", tc.Tau)
	}
	return &Termination{Name: tc.Name, Decoded: tc.IsDecoded(), Tau: tc.Tau, Transform: transform}, nil
}

func toRows(m *mat.Dense) [][]float32 {
	r, _ := m.Dims()
	out := make([][]float32, r)
	for i := range out {
		out[i] = gpu.Float64ToFloat32(m.RawRowView(i))
	}
	return out
}

// RunSpec flattens the model into the simulator's setup arguments.
func (m *Model) RunSpec() nefgpu.RunSpec {
	n := len(m.Ensembles)
	spec := nefgpu.RunSpec{
		TerminationTransforms: make([][][][]float32, n),
		IsDecodedTermination:  make([][]bool, n),
		TerminationTau:        make([][]float32, n),
		Encoders:              make([][][]float32, n),
		Decoders:              make([][][][]float32, n),
		NeuronData:            make([][]float32, n),
		Projections:           make([][]int, len(m.Projections)),
		EnsembleData:          make([][]int, n),
		IsSpikingEnsemble:     make([]bool, n),
		CollectSpikes:         make([]bool, n),
		MaxTimeStep:           m.MaxTimeStep,
		DeviceForEnsemble:     make([]int, n),
		NumDevicesRequested:   m.NumDevices,
	}

	for e, ens := range m.Ensembles {
		for _, t := range ens.Terminations {
			spec.TerminationTransforms[e] = append(spec.TerminationTransforms[e], toRows(t.Transform))
			spec.IsDecodedTermination[e] = append(spec.IsDecodedTermination[e], t.Decoded)
			spec.TerminationTau[e] = append(spec.TerminationTau[e], t.Tau)
		}
		spec.Encoders[e] = toRows(ens.Encoders)
		for _, o := range ens.Origins {
			spec.Decoders[e] = append(spec.Decoders[e], toRows(o.Decoders))
		}

		nd := make([]float32, 0, 3+2*ens.Neurons)
		nd = append(nd, float32(ens.Neurons), float32(ens.TauRC), float32(ens.TauRef))
		nd = append(nd, gpu.Float64ToFloat32(ens.Bias)...)
		nd = append(nd, gpu.Float64ToFloat32(ens.Gain)...)
		spec.NeuronData[e] = nd

		spec.EnsembleData[e] = []int{ens.Dimensions, ens.Neurons, len(ens.Terminations), len(ens.Origins)}
		spec.IsSpikingEnsemble[e] = ens.Spiking
		spec.CollectSpikes[e] = ens.CollectSpikes
		spec.DeviceForEnsemble[e] = ens.Device
	}
	for p, proj := range m.Projections {
		spec.Projections[p] = []int{proj.OriginEnsemble, proj.OriginIndex, proj.TerminationEnsemble, proj.TerminationIndex}
	}
	return spec
}

// NewInputs allocates host input buffers. Terminations fed by a projection keep a nil slot.
func (m *Model) NewInputs() [][][]float32 {
	projected := make(map[[2]int]bool, len(m.Projections))
	for _, p := range m.Projections {
		projected[[2]int{p.TerminationEnsemble, p.TerminationIndex}] = true
	}
	inputs := make([][][]float32, len(m.Ensembles))
	for e, ens := range m.Ensembles {
		inputs[e] = make([][]float32, len(ens.Terminations))
		for t, term := range ens.Terminations {
			if !projected[[2]int{e, t}] {
				inputs[e][t] = make([]float32, term.InputDimension())
			}
		}
	}
	return inputs
}

// EvalInputs evaluates every input function at time t into buffers from NewInputs.
func (m *Model) EvalInputs(t float32, inputs [][][]float32) {
	for _, in := range m.Inputs {
		dim := in.Function.Dimension()
		if cap(m.scratch) < dim {
			m.scratch = make([]float64, dim)
		}
		values := m.scratch[:dim]
		in.Function.Eval(float64(t), values)
		for _, target := range in.targets {
			buf := inputs[target[0]][target[1]]
			for i, v := range values {
				buf[i] = float32(v)
			}
		}
	}
}

// NewOutputs allocates output and spike buffers for Step.
func (m *Model) NewOutputs() ([][][]float32, [][]float32) {
	outputs := make([][][]float32, len(m.Ensembles))
	spikes := make([][]float32, len(m.Ensembles))
	for e, ens := range m.Ensembles {
		outputs[e] = make([][]float32, len(ens.Origins))
		for o, origin := range ens.Origins {
			outputs[e][o] = make([]float32, origin.Dimension())
		}
		if ens.CollectSpikes {
			spikes[e] = make([]float32, ens.Neurons)
		}
	}
	return outputs, spikes
}

// Weights returns the full connection weight matrix of projection p,
// post encoders · transform · pre decodersᵀ, one row per post neuron.
func (m *Model) Weights(p int) (*mat.Dense, error) {
	if p < 0 || p >= len(m.Projections) {
		return nil, fmt.Errorf("projection %d out of range", p)
	}
	proj := m.Projections[p]
	pre := m.Ensembles[proj.OriginEnsemble].Origins[proj.OriginIndex]
	post := m.Ensembles[proj.TerminationEnsemble]
	term := post.Terminations[proj.TerminationIndex]

	var decoded mat.Dense
	decoded.Mul(term.Transform, pre.Decoders.T())
	if !term.Decoded {
		return &decoded, nil
	}

	var weights mat.Dense
	weights.Mul(post.Encoders, &decoded)
	return &weights, nil
}

// EnsembleIndex returns the index of the named ensemble
func (m *Model) EnsembleIndex(name string) (int, bool) {
	for i, e := range m.Ensembles {
		if e.Name == name {
			return i, true
		}
	}
	return 0, false
}
