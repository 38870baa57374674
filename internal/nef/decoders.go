package nef

import (
	"fmt"

	"github.com/fxnlabs/nefgpu/internal/gpu"
	"gonum.org/v1/gonum/mat"
)

// rateMatrix evaluates the steady-state rate of every neuron at every eval
// point. The result is points×neurons.
func rateMatrix(points [][]float64, encoders *mat.Dense, gain, bias []float64, tauRC, tauRef float64) *mat.Dense {
	x := mat.NewDense(len(points), len(points[0]), nil)
	for i, p := range points {
		x.SetRow(i, p)
	}

	// (points×d)·(d×neurons)
	var dot mat.Dense
	dot.Mul(x, encoders.T())

	rows, cols := dot.Dims()
	rates := mat.NewDense(rows, cols, nil)
	for p := 0; p < rows; p++ {
		for n := 0; n < cols; n++ {
			j := gain[n]*dot.At(p, n) + bias[n]
			rates.Set(p, n, gpu.LIFRate(j, tauRC, tauRef))
		}
	}
	return rates
}

// solveDecoders finds D minimizing |A·D - F|² + m·σ²|D|², σ = noise·max(A),
// through the normal equations and a Cholesky factorization.
func solveDecoders(rates, targets *mat.Dense, noise float64) (*mat.Dense, error) {
	m, neurons := rates.Dims()
	sigma := noise * mat.Max(rates)

	var gram mat.SymDense
	gram.SymOuterK(1, rates.T())
	reg := float64(m) * sigma * sigma
	if reg == 0 {
		// Silent populations still need a positive definite system.
		reg = 1e-8
	}
	for i := 0; i < neurons; i++ {
		gram.SetSym(i, i, gram.At(i, i)+reg)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, fmt.Errorf("decoder system is not positive definite")
	}

	var rhs mat.Dense
	rhs.Mul(rates.T(), targets)

	var decoders mat.Dense
	if err := chol.SolveTo(&decoders, &rhs); err != nil {
		return nil, fmt.Errorf("failed to solve for decoders: %w", err)
	}
	return &decoders, nil
}

// functionTargets evaluates f at every eval point.
func functionTargets(points [][]float64, f originFunction, outDim int) *mat.Dense {
	targets := mat.NewDense(len(points), outDim, nil)
	row := make([]float64, outDim)
	for i, p := range points {
		f.eval(p, row)
		targets.SetRow(i, row)
	}
	return targets
}
