// Package nef builds NEF networks from a network description: it samples
// neuron parameters, chooses encoders, solves for decoders and flattens the
// result into the arrays the simulator is set up with.
package nef

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/fxnlabs/nefgpu/internal/config"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"
)

// sampler draws scalar neuron parameters.
type sampler interface {
	Rand() float64
}

func newSampler(d config.Distribution, src rand.Source) (sampler, error) {
	switch d.Kind {
	case "uniform":
		if d.High < d.Low {
			return nil, fmt.Errorf("uniform distribution has high %g below low %g", d.High, d.Low)
		}
		return distuv.Uniform{Min: d.Low, Max: d.High, Src: src}, nil
	case "gaussian":
		if d.Variance < 0 {
			return nil, fmt.Errorf("gaussian distribution has negative variance %g", d.Variance)
		}
		return distuv.Normal{Mu: d.Mean, Sigma: math.Sqrt(d.Variance), Src: src}, nil
	default:
		return nil, fmt.Errorf("unknown distribution %q", d.Kind)
	}
}

// gainBias converts a maximum firing rate (reached at input 1) and an
// intercept (where firing starts) into the LIF gain and bias current.
func gainBias(maxRate, intercept, tauRC, tauRef float64, log *zap.Logger) (gain, bias float64, err error) {
	if maxRate < 0 {
		return 0, 0, fmt.Errorf("max firing rate must be > 0, got %g", maxRate)
	}
	if intercept >= 1 {
		return 0, 0, fmt.Errorf("intercept must be below 1, got %g", intercept)
	}
	if maxRate > 1/tauRef {
		log.Warn("Decreasing maximum firing rate which was greater than inverse of refractory period",
			zap.Float64("maxRate", maxRate),
			zap.Float64("limit", 1/tauRef))
		maxRate = 1/tauRef - 0.001
	}

	x := 1 / (1 - math.Exp((tauRef-1/maxRate)/tauRC))
	gain = (x - 1) / (1 - intercept)
	bias = 1 - gain*intercept
	return gain, bias, nil
}

// randomUnitVectors returns n vectors drawn uniformly from the surface of the
// d-dimensional unit sphere.
func randomUnitVectors(n, d int, src rand.Source) [][]float64 {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, d)
		for {
			var norm float64
			for j := range v {
				v[j] = normal.Rand()
				norm += v[j] * v[j]
			}
			if norm > 1e-12 {
				norm = math.Sqrt(norm)
				for j := range v {
					v[j] /= norm
				}
				break
			}
		}
		out[i] = v
	}
	return out
}

// ballPoints returns n points drawn uniformly from the d-dimensional unit ball.
func ballPoints(n, d int, src rand.Source) [][]float64 {
	radius := distuv.Uniform{Min: 0, Max: 1, Src: src}
	points := randomUnitVectors(n, d, src)
	for _, p := range points {
		r := math.Pow(radius.Rand(), 1/float64(d))
		for j := range p {
			p[j] *= r
		}
	}
	return points
}

// normalize scales explicit encoders to unit length.
func normalize(rows [][]float64, d int) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != d {
			return nil, fmt.Errorf("encoder %d has %d entries, expected %d", i, len(row), d)
		}
		var norm float64
		for _, v := range row {
			norm += v * v
		}
		if norm == 0 {
			return nil, fmt.Errorf("encoder %d is zero", i)
		}
		norm = math.Sqrt(norm)
		out[i] = make([]float64, d)
		for j, v := range row {
			out[i][j] = v / norm
		}
	}
	return out, nil
}
