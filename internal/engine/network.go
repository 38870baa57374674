// Package engine holds the simulation state of a partitioned NEF network and
// advances it step by step on the devices handed out by gpu.Manager.
package engine

import (
	"errors"
	"fmt"
	"math"
)

// AutoDevice lets the partitioner place an ensemble.
const AutoDevice = -1

// ErrInvalidNetwork is wrapped by every Validate failure.
var ErrInvalidNetwork = errors.New("invalid network")

// Termination is a synaptic input to an ensemble. A decoded termination maps
// its input into the ensemble's represented space (Rows == Dimension); a
// non-decoded one injects current straight into the neurons (Rows == NumNeurons).
type Termination struct {
	Decoded   bool
	Tau       float32   // post-synaptic time constant in seconds, 0 disables filtering
	Rows      int
	Cols      int       // input dimension
	Transform []float32 // Rows×Cols, row-major
}

// Origin is a decoded output of an ensemble.
type Origin struct {
	Dimension int
	Decoders  []float32 // NumNeurons×Dimension, row-major
}

// Ensemble is a population of LIF neurons sharing one represented vector.
type Ensemble struct {
	Dimension     int
	NumNeurons    int
	TauRC         float32
	TauRef        float32
	Bias          []float32 // NumNeurons
	Gain          []float32 // NumNeurons
	Encoders      []float32 // NumNeurons×Dimension, row-major
	Terminations  []Termination
	Origins       []Origin
	Spiking       bool
	CollectSpikes bool
	Device        int // AutoDevice or a device index
}

// Projection connects an origin to a termination on another (or the same) ensemble.
type Projection struct {
	OriginEnsemble      int
	OriginIndex         int
	TerminationEnsemble int
	TerminationIndex    int
}

// Network is everything Setup uploads to the devices.
type Network struct {
	Ensembles   []Ensemble
	Projections []Projection
	MaxTimeStep float32
	// NumDevices is the number of devices to spread the ensembles over; 0 uses all of them.
	NumDevices int
}

// NeuronCount returns the total number of neurons in the network
func (n *Network) NeuronCount() int {
	total := 0
	for i := range n.Ensembles {
		total += n.Ensembles[i].NumNeurons
	}
	return total
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidNetwork, fmt.Sprintf(format, args...))
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks that every array is consistent with the declared sizes.
func (n *Network) Validate() error {
	if len(n.Ensembles) == 0 {
		return invalid("no ensembles")
	}
	if !(n.MaxTimeStep > 0) || !finite(n.MaxTimeStep) {
		return invalid("max time step must be positive, got %g", n.MaxTimeStep)
	}
	if n.NumDevices < 0 {
		return invalid("number of devices must not be negative, got %d", n.NumDevices)
	}

	for i := range n.Ensembles {
		if err := n.Ensembles[i].validate(); err != nil {
			return fmt.Errorf("ensemble %d: %w", i, err)
		}
	}

	fed := make(map[[2]int]int, len(n.Projections))
	for p, proj := range n.Projections {
		if proj.OriginEnsemble < 0 || proj.OriginEnsemble >= len(n.Ensembles) {
			return invalid("projection %d: origin ensemble %d out of range", p, proj.OriginEnsemble)
		}
		src := &n.Ensembles[proj.OriginEnsemble]
		if proj.OriginIndex < 0 || proj.OriginIndex >= len(src.Origins) {
			return invalid("projection %d: origin %d out of range for ensemble %d", p, proj.OriginIndex, proj.OriginEnsemble)
		}
		if proj.TerminationEnsemble < 0 || proj.TerminationEnsemble >= len(n.Ensembles) {
			return invalid("projection %d: termination ensemble %d out of range", p, proj.TerminationEnsemble)
		}
		dst := &n.Ensembles[proj.TerminationEnsemble]
		if proj.TerminationIndex < 0 || proj.TerminationIndex >= len(dst.Terminations) {
			return invalid("projection %d: termination %d out of range for ensemble %d", p, proj.TerminationIndex, proj.TerminationEnsemble)
		}
		outDim := src.Origins[proj.OriginIndex].Dimension
		inDim := dst.Terminations[proj.TerminationIndex].Cols
		if outDim != inDim {
			return invalid("projection %d: origin dimension %d does not match termination dimension %d", p, outDim, inDim)
		}
		key := [2]int{proj.TerminationEnsemble, proj.TerminationIndex}
		if prev, dup := fed[key]; dup {
			return invalid("projection %d: termination %d of ensemble %d is already fed by projection %d",
				p, proj.TerminationIndex, proj.TerminationEnsemble, prev)
		}
		fed[key] = p
	}
	return nil
}

func (e *Ensemble) validate() error {
	if e.Dimension < 1 {
		return invalid("dimension must be at least 1, got %d", e.Dimension)
	}
	if e.NumNeurons < 1 {
		return invalid("neuron count must be at least 1, got %d", e.NumNeurons)
	}
	if !(e.TauRC > 0) || !finite(e.TauRC) {
		return invalid("tauRC must be positive, got %g", e.TauRC)
	}
	if !(e.TauRef >= 0) || !finite(e.TauRef) {
		return invalid("tauRef must not be negative, got %g", e.TauRef)
	}
	if e.Device < AutoDevice {
		return invalid("device must be %d or a device index, got %d", AutoDevice, e.Device)
	}
	if len(e.Bias) != e.NumNeurons {
		return invalid("bias has %d entries, expected %d", len(e.Bias), e.NumNeurons)
	}
	if len(e.Gain) != e.NumNeurons {
		return invalid("gain has %d entries, expected %d", len(e.Gain), e.NumNeurons)
	}
	if len(e.Encoders) != e.NumNeurons*e.Dimension {
		return invalid("encoders have %d entries, expected %d×%d", len(e.Encoders), e.NumNeurons, e.Dimension)
	}
	for t, term := range e.Terminations {
		want := e.Dimension
		if !term.Decoded {
			want = e.NumNeurons
		}
		if term.Rows != want {
			return invalid("termination %d has %d rows, expected %d", t, term.Rows, want)
		}
		if term.Cols < 1 {
			return invalid("termination %d input dimension must be at least 1, got %d", t, term.Cols)
		}
		if len(term.Transform) != term.Rows*term.Cols {
			return invalid("termination %d transform has %d entries, expected %d×%d", t, len(term.Transform), term.Rows, term.Cols)
		}
		if !(term.Tau >= 0) || !finite(term.Tau) {
			return invalid("termination %d tau must not be negative, got %g", t, term.Tau)
		}
	}
	for o, origin := range e.Origins {
		if origin.Dimension < 1 {
			return invalid("origin %d dimension must be at least 1, got %d", o, origin.Dimension)
		}
		if len(origin.Decoders) != e.NumNeurons*origin.Dimension {
			return invalid("origin %d decoders have %d entries, expected %d×%d", o, len(origin.Decoders), e.NumNeurons, origin.Dimension)
		}
	}
	return nil
}

// clone deep-copies the network so the host may reuse its buffers after Setup.
func (n *Network) clone() *Network {
	out := &Network{
		Ensembles:   make([]Ensemble, len(n.Ensembles)),
		Projections: append([]Projection(nil), n.Projections...),
		MaxTimeStep: n.MaxTimeStep,
		NumDevices:  n.NumDevices,
	}
	for i, e := range n.Ensembles {
		c := e
		c.Bias = append([]float32(nil), e.Bias...)
		c.Gain = append([]float32(nil), e.Gain...)
		c.Encoders = append([]float32(nil), e.Encoders...)
		c.Terminations = make([]Termination, len(e.Terminations))
		for t, term := range e.Terminations {
			term.Transform = append([]float32(nil), term.Transform...)
			c.Terminations[t] = term
		}
		c.Origins = make([]Origin, len(e.Origins))
		for o, origin := range e.Origins {
			origin.Decoders = append([]float32(nil), origin.Decoders...)
			c.Origins[o] = origin
		}
		out.Ensembles[i] = c
	}
	return out
}
