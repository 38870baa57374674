package gpu

import "gonum.org/v1/gonum/mat"

// Float64ToFloat32 converts a slice of float64 to float32
func Float64ToFloat32(input []float64) []float32 {
	output := make([]float32, len(input))
	for i, v := range input {
		output[i] = float32(v)
	}
	return output
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}

// DenseToFloat32 converts a gonum matrix to a flat float32 array in row-major order
func DenseToFloat32(m mat.Matrix) []float32 {
	rows, cols := m.Dims()
	result := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result[i*cols+j] = float32(m.At(i, j))
		}
	}
	return result
}

// Float32ToDense converts a flat row-major float32 array to a gonum matrix
func Float32ToDense(array []float32, rows, cols int) *mat.Dense {
	if len(array) != rows*cols || rows == 0 || cols == 0 {
		return nil
	}
	return mat.NewDense(rows, cols, Float32ToFloat64(array))
}
