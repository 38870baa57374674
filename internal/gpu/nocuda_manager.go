//go:build !cuda
// +build !cuda

package gpu

import "log/slog"

// cudaDeviceCount reports zero devices when cuda build tag is NOT present
func cudaDeviceCount(*slog.Logger) int {
	return 0
}

// newCUDADevice returns nil when cuda build tag is NOT present
func newCUDADevice(*slog.Logger, int) GPUBackend {
	return nil
}
