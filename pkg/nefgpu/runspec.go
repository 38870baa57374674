package nefgpu

import (
	"fmt"

	"github.com/fxnlabs/nefgpu/internal/engine"
)

// Layout of the fixed-width rows in RunSpec.
const (
	// NeuronData[e] = {numNeurons, tauRC, tauRef, bias[0..n), gain[0..n)}
	neuronHeader = 3
	// EnsembleData[e] = {dimension, numNeurons, numTerminations, numOrigins}
	ensembleDataWidth = 4
	// Projections[p] = {originEnsemble, originIndex, terminationEnsemble, terminationIndex}
	projectionWidth = 4
)

// RunSpec is the complete argument list of SetupRun. Every field is a nested
// array of plain numbers indexed by ensemble first.
type RunSpec struct {
	TerminationTransforms [][][][]float32 // [e][t][row][col]
	IsDecodedTermination  [][]bool        // [e][t]
	TerminationTau        [][]float32     // [e][t]
	Encoders              [][][]float32   // [e][neuron][dim]
	Decoders              [][][][]float32 // [e][origin][neuron][dim]
	NeuronData            [][]float32     // [e]{numNeurons, tauRC, tauRef, bias..., gain...}
	Projections           [][]int         // [p]{originEns, originIdx, termEns, termIdx}
	EnsembleData          [][]int         // [e]{dimension, numNeurons, numTerminations, numOrigins}
	IsSpikingEnsemble     []bool          // [e]
	CollectSpikes         []bool          // [e]
	MaxTimeStep           float32
	DeviceForEnsemble     []int // [e], -1 lets the partitioner choose
	NumDevicesRequested   int   // 0 uses every device
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrInvalidNetwork, fmt.Sprintf(format, args...))
}

// flatten copies a rows×cols nested matrix into a row-major slice.
func flatten(m [][]float32, rows, cols int) ([]float32, error) {
	if len(m) != rows {
		return nil, fmt.Errorf("expected %d rows, got %d", rows, len(m))
	}
	out := make([]float32, 0, rows*cols)
	for r, row := range m {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", r, len(row), cols)
		}
		out = append(out, row...)
	}
	return out, nil
}

// Network converts the nested arrays into an engine network. Shape errors
// wrap engine.ErrInvalidNetwork; value checks are left to Network.Validate.
func (s *RunSpec) Network() (*engine.Network, error) {
	count := len(s.EnsembleData)
	perEnsemble := []struct {
		name string
		n    int
	}{
		{"termination transforms", len(s.TerminationTransforms)},
		{"decoded flags", len(s.IsDecodedTermination)},
		{"termination taus", len(s.TerminationTau)},
		{"encoders", len(s.Encoders)},
		{"decoders", len(s.Decoders)},
		{"neuron data", len(s.NeuronData)},
		{"spiking flags", len(s.IsSpikingEnsemble)},
		{"collect spikes flags", len(s.CollectSpikes)},
	}
	for _, field := range perEnsemble {
		if field.n != count {
			return nil, invalid("%s cover %d ensembles, ensemble data covers %d", field.name, field.n, count)
		}
	}
	if s.DeviceForEnsemble != nil && len(s.DeviceForEnsemble) != count {
		return nil, invalid("device assignment covers %d ensembles, ensemble data covers %d", len(s.DeviceForEnsemble), count)
	}

	net := &engine.Network{
		Ensembles:   make([]engine.Ensemble, count),
		Projections: make([]engine.Projection, len(s.Projections)),
		MaxTimeStep: s.MaxTimeStep,
		NumDevices:  s.NumDevicesRequested,
	}

	for e := 0; e < count; e++ {
		ens, err := s.ensemble(e)
		if err != nil {
			return nil, fmt.Errorf("ensemble %d: %w", e, err)
		}
		net.Ensembles[e] = ens
	}

	for p, row := range s.Projections {
		if len(row) != projectionWidth {
			return nil, invalid("projection %d has %d fields, expected %d", p, len(row), projectionWidth)
		}
		net.Projections[p] = engine.Projection{
			OriginEnsemble:      row[0],
			OriginIndex:         row[1],
			TerminationEnsemble: row[2],
			TerminationIndex:    row[3],
		}
	}
	return net, nil
}

func (s *RunSpec) ensemble(e int) (engine.Ensemble, error) {
	data := s.EnsembleData[e]
	if len(data) != ensembleDataWidth {
		return engine.Ensemble{}, invalid("ensemble data has %d fields, expected %d", len(data), ensembleDataWidth)
	}
	dim, neurons, numTerms, numOrigins := data[0], data[1], data[2], data[3]
	if dim < 1 || neurons < 1 || numTerms < 0 || numOrigins < 0 {
		return engine.Ensemble{}, invalid("ensemble data %v out of range", data)
	}

	nd := s.NeuronData[e]
	if len(nd) != neuronHeader+2*neurons {
		return engine.Ensemble{}, invalid("neuron data has %d entries, expected %d", len(nd), neuronHeader+2*neurons)
	}
	if int(nd[0]) != neurons {
		return engine.Ensemble{}, invalid("neuron data declares %g neurons, ensemble data %d", nd[0], neurons)
	}

	ens := engine.Ensemble{
		Dimension:     dim,
		NumNeurons:    neurons,
		TauRC:         nd[1],
		TauRef:        nd[2],
		Bias:          append([]float32(nil), nd[neuronHeader:neuronHeader+neurons]...),
		Gain:          append([]float32(nil), nd[neuronHeader+neurons:]...),
		Spiking:       s.IsSpikingEnsemble[e],
		CollectSpikes: s.CollectSpikes[e],
		Device:        engine.AutoDevice,
	}
	if s.DeviceForEnsemble != nil {
		ens.Device = s.DeviceForEnsemble[e]
	}

	var err error
	if ens.Encoders, err = flatten(s.Encoders[e], neurons, dim); err != nil {
		return engine.Ensemble{}, invalid("encoders: %v", err)
	}

	transforms := s.TerminationTransforms[e]
	if len(transforms) != numTerms || len(s.IsDecodedTermination[e]) != numTerms || len(s.TerminationTau[e]) != numTerms {
		return engine.Ensemble{}, invalid("expected %d terminations, got %d transforms, %d decoded flags, %d taus",
			numTerms, len(transforms), len(s.IsDecodedTermination[e]), len(s.TerminationTau[e]))
	}
	ens.Terminations = make([]engine.Termination, numTerms)
	for t := 0; t < numTerms; t++ {
		decoded := s.IsDecodedTermination[e][t]
		rows := dim
		if !decoded {
			rows = neurons
		}
		cols := 0
		if len(transforms[t]) > 0 {
			cols = len(transforms[t][0])
		}
		flat, err := flatten(transforms[t], rows, cols)
		if err != nil {
			return engine.Ensemble{}, invalid("termination %d transform: %v", t, err)
		}
		ens.Terminations[t] = engine.Termination{
			Decoded:   decoded,
			Tau:       s.TerminationTau[e][t],
			Rows:      rows,
			Cols:      cols,
			Transform: flat,
		}
	}

	if len(s.Decoders[e]) != numOrigins {
		return engine.Ensemble{}, invalid("expected %d origins, got %d decoder sets", numOrigins, len(s.Decoders[e]))
	}
	ens.Origins = make([]engine.Origin, numOrigins)
	for o, decoders := range s.Decoders[e] {
		if len(decoders) != neurons || len(decoders[0]) == 0 {
			return engine.Ensemble{}, invalid("origin %d decoders must be %d×outputDim", o, neurons)
		}
		outDim := len(decoders[0])
		flat, err := flatten(decoders, neurons, outDim)
		if err != nil {
			return engine.Ensemble{}, invalid("origin %d decoders: %v", o, err)
		}
		ens.Origins[o] = engine.Origin{Dimension: outDim, Decoders: flat}
	}
	return ens, nil
}
