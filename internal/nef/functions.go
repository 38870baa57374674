package nef

import (
	"fmt"
	"math"

	"github.com/fxnlabs/nefgpu/internal/config"
)

// originFunction is the function an origin decodes, mapping the represented
// value to the output.
type originFunction struct {
	name   string
	outDim func(inDim int) (int, error)
	eval   func(x []float64, out []float64)
}

var originFunctions = map[string]originFunction{
	"identity": {
		name:   "identity",
		outDim: func(d int) (int, error) { return d, nil },
		eval:   func(x, out []float64) { copy(out, x) },
	},
	"square": {
		name:   "square",
		outDim: func(d int) (int, error) { return d, nil },
		eval: func(x, out []float64) {
			for i, v := range x {
				out[i] = v * v
			}
		},
	},
	"product": {
		name: "product",
		outDim: func(d int) (int, error) {
			if d != 2 {
				return 0, fmt.Errorf("product needs a 2-dimensional ensemble, got %d", d)
			}
			return 1, nil
		},
		eval: func(x, out []float64) { out[0] = x[0] * x[1] },
	},
	"norm": {
		name:   "norm",
		outDim: func(int) (int, error) { return 1, nil },
		eval: func(x, out []float64) {
			var s float64
			for _, v := range x {
				s += v * v
			}
			out[0] = math.Sqrt(s)
		},
	},
}

func lookupOriginFunction(name string) (originFunction, error) {
	f, ok := originFunctions[name]
	if !ok {
		return originFunction{}, fmt.Errorf("unknown origin function %q", name)
	}
	return f, nil
}

// Function is a vector-valued function of simulated time.
type Function interface {
	Dimension() int
	Eval(t float64, out []float64)
}

type constantFunction struct {
	value []float64
}

func (f constantFunction) Dimension() int { return len(f.value) }

func (f constantFunction) Eval(_ float64, out []float64) { copy(out, f.value) }

type sineFunction struct {
	dim                         int
	amplitude, frequency, phase float64
}

func (f sineFunction) Dimension() int { return f.dim }

func (f sineFunction) Eval(t float64, out []float64) {
	v := f.amplitude * math.Sin(2*math.Pi*f.frequency*t+f.phase)
	for i := range out {
		out[i] = v
	}
}

type stepFunction struct {
	at            float64
	before, after []float64
}

func (f stepFunction) Dimension() int { return len(f.after) }

func (f stepFunction) Eval(t float64, out []float64) {
	if t < f.at {
		copy(out, f.before)
		return
	}
	copy(out, f.after)
}

func newInputFunction(in config.InputConfig) (Function, error) {
	fill := func(v []float64) ([]float64, error) {
		switch len(v) {
		case 0:
			return make([]float64, in.Dimensions), nil
		case in.Dimensions:
			return v, nil
		default:
			return nil, fmt.Errorf("input %q has %d values, expected %d", in.Name, len(v), in.Dimensions)
		}
	}

	switch in.Function {
	case "constant":
		value, err := fill(in.Value)
		if err != nil {
			return nil, err
		}
		return constantFunction{value: value}, nil
	case "sine":
		return sineFunction{dim: in.Dimensions, amplitude: in.Amplitude, frequency: in.Frequency, phase: in.Phase}, nil
	case "step":
		before, err := fill(in.Before)
		if err != nil {
			return nil, err
		}
		after, err := fill(in.After)
		if err != nil {
			return nil, err
		}
		return stepFunction{at: in.Time, before: before, after: after}, nil
	default:
		return nil, fmt.Errorf("input %q has unknown function %q", in.Name, in.Function)
	}
}
