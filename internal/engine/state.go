package engine

import (
	"fmt"
	"math"

	"github.com/fxnlabs/nefgpu/internal/gpu"
)

// terminationState holds the synaptic buffers of one termination.
type terminationState struct {
	spec     *Termination
	input    []float32 // Cols, set by the host or by a projection
	drive    []float32 // Rows, transform·input
	filtered []float32 // Rows, PSC filter output
}

// ensembleState is the device-resident state of one ensemble.
type ensembleState struct {
	index int
	spec  *Ensemble

	terms []*terminationState

	x          []float32 // represented value, Dimension
	current    []float32 // NumNeurons
	voltage    []float32
	refractory []float32
	spiked     []float32 // LIF step output or rates, NumNeurons
	activity   []float32 // accumulated over sub-steps
	fired      []float32
	spikes     int

	outputs [][]float32 // per origin
}

func newEnsembleState(index int, spec *Ensemble) *ensembleState {
	n := spec.NumNeurons
	s := &ensembleState{
		index:      index,
		spec:       spec,
		terms:      make([]*terminationState, len(spec.Terminations)),
		x:          make([]float32, spec.Dimension),
		current:    make([]float32, n),
		voltage:    make([]float32, n),
		refractory: make([]float32, n),
		spiked:     make([]float32, n),
		activity:   make([]float32, n),
		fired:      make([]float32, n),
		outputs:    make([][]float32, len(spec.Origins)),
	}
	for t := range spec.Terminations {
		term := &spec.Terminations[t]
		s.terms[t] = &terminationState{
			spec:     term,
			input:    make([]float32, term.Cols),
			drive:    make([]float32, term.Rows),
			filtered: make([]float32, term.Rows),
		}
	}
	for o := range spec.Origins {
		s.outputs[o] = make([]float32, spec.Origins[o].Dimension)
	}
	return s
}

// step advances the ensemble by substeps×dt seconds. Termination inputs must
// already be in place.
func (s *ensembleState) step(backend gpu.GPUBackend, substeps int, dt float32) error {
	for _, term := range s.terms {
		drive, err := backend.MatrixMultiply(term.spec.Transform, term.input, term.spec.Rows, term.spec.Cols, 1)
		if err != nil {
			return fmt.Errorf("termination transform: %w", err)
		}
		copy(term.drive, drive)
	}

	clear(s.activity)
	clear(s.fired)
	s.spikes = 0

	spec := s.spec
	for k := 0; k < substeps; k++ {
		clear(s.x)
		for i := range s.current {
			s.current[i] = spec.Bias[i]
		}

		for _, term := range s.terms {
			term.filter(dt)
			if term.spec.Decoded {
				for d, v := range term.filtered {
					s.x[d] += v
				}
			}
		}

		encoded, err := backend.MatrixMultiply(spec.Encoders, s.x, spec.NumNeurons, spec.Dimension, 1)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		for i, v := range encoded {
			s.current[i] += spec.Gain[i] * v
		}
		for _, term := range s.terms {
			if !term.spec.Decoded {
				for i, v := range term.filtered {
					s.current[i] += v
				}
			}
		}

		if spec.Spiking {
			if err := backend.LIFStep(s.current, s.voltage, s.refractory, s.spiked, spec.TauRC, spec.TauRef, dt); err != nil {
				return fmt.Errorf("LIF step: %w", err)
			}
			for i, v := range s.spiked {
				if v != 0 {
					s.activity[i] += v / dt
					s.fired[i] = 1
					s.spikes++
				}
			}
		} else {
			if err := backend.LIFRate(s.current, s.spiked, spec.TauRC, spec.TauRef); err != nil {
				return fmt.Errorf("LIF rate: %w", err)
			}
			for i, v := range s.spiked {
				s.activity[i] += v
			}
		}
	}

	scale := 1 / float32(substeps)
	for i := range s.activity {
		s.activity[i] *= scale
	}

	for o := range spec.Origins {
		origin := &spec.Origins[o]
		decoded, err := backend.MatrixMultiply(s.activity, origin.Decoders, 1, spec.NumNeurons, origin.Dimension)
		if err != nil {
			return fmt.Errorf("decode origin %d: %w", o, err)
		}
		copy(s.outputs[o], decoded)
	}
	return nil
}

// filter applies one sub-step of the first-order synaptic filter.
func (t *terminationState) filter(dt float32) {
	if t.spec.Tau <= 0 {
		copy(t.filtered, t.drive)
		return
	}
	alpha := float32(-math.Expm1(-float64(dt) / float64(t.spec.Tau)))
	for i, u := range t.drive {
		t.filtered[i] += alpha * (u - t.filtered[i])
	}
}

// maxSubsteps bounds the number of sub-steps one Step may be split into.
const maxSubsteps = 1 << 20

// substeps splits a step of the given length into equal sub-steps no longer
// than maxTimeStep, allowing one percent of slack.
func substeps(length, maxTimeStep float32) (int, float32, error) {
	ratio := math.Ceil(float64(length) / (float64(maxTimeStep) * 1.01))
	if math.IsNaN(ratio) || ratio > maxSubsteps {
		return 0, 0, fmt.Errorf("%w: %g s at max time step %g s needs more than %d sub-steps",
			ErrStepTooLong, length, maxTimeStep, maxSubsteps)
	}
	n := int(ratio)
	if n < 1 {
		n = 1
	}
	return n, length / float32(n), nil
}
