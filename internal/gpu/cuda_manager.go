//go:build cuda
// +build cuda

package gpu

import (
	"log/slog"

	"github.com/fxnlabs/nefgpu/cuda"
)

// cudaDeviceCount reports the number of CUDA devices when cuda build tag is present
func cudaDeviceCount(logger *slog.Logger) int {
	n, err := cuda.DeviceCount()
	if err != nil {
		logger.Warn("CUDA device query failed", "error", err)
		return 0
	}
	return n
}

// newCUDADevice creates a backend bound to the physical CUDA ordinal
func newCUDADevice(logger *slog.Logger, ordinal int) GPUBackend {
	return NewCUDABackend(logger, ordinal)
}
