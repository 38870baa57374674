//go:build cuda
// +build cuda

package gpu

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/fxnlabs/nefgpu/cuda"
)

// CUDABackend implements GPUBackend on one NVIDIA CUDA device
type CUDABackend struct {
	logger      *slog.Logger
	device      int
	initialized bool
	deviceInfo  DeviceInfo
	available   bool
}

// NewCUDABackend creates a new CUDA backend bound to the given device ordinal
func NewCUDABackend(logger *slog.Logger, device int) *CUDABackend {
	backend := &CUDABackend{
		logger: logger,
		device: device,
	}

	info, err := cuda.GetDeviceInfo(device)
	if err != nil {
		logger.Warn("CUDA device not available", "device", device, "error", err)
		return backend
	}
	backend.available = true
	backend.deviceInfo = DeviceInfo{
		Index:             device,
		Name:              info.Name,
		Kind:              "cuda",
		TotalMemory:       int64(info.TotalMemory),
		AvailableMemory:   int64(info.FreeMemory),
		ComputeCapability: fmt.Sprintf("%d.%d", info.Major, info.Minor),
		DriverVersion:     "Unknown",
		CUDAVersion:       runtime.Version(),
	}
	return backend
}

// Initialize prepares the CUDA backend for use
func (c *CUDABackend) Initialize() error {
	if !c.available {
		return fmt.Errorf("CUDA device %d not available", c.device)
	}
	if c.initialized {
		return nil
	}

	c.logger.Debug("Initializing CUDA backend", "device", c.device)
	if err := cuda.Init(c.device); err != nil {
		return err
	}

	c.initialized = true
	c.logger.Info("CUDA backend initialized",
		"device", c.deviceInfo.Name,
		"ordinal", c.device,
		"compute_capability", c.deviceInfo.ComputeCapability,
		"total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30))
	return nil
}

// MatrixMultiply performs matrix multiplication using cuBLAS
func (c *CUDABackend) MatrixMultiply(a, b []float32, m, k, n int) ([]float32, error) {
	if !c.initialized {
		return nil, fmt.Errorf("CUDA backend not initialized")
	}
	return cuda.MatMul(c.device, a, b, m, k, n)
}

// LIFStep runs the LIF kernel on the device
func (c *CUDABackend) LIFStep(current, voltage, refractory, spiked []float32, tauRC, tauRef, dt float32) error {
	if !c.initialized {
		return fmt.Errorf("CUDA backend not initialized")
	}
	n := len(current)
	if len(voltage) != n || len(refractory) != n || len(spiked) != n {
		return fmt.Errorf("LIF buffer size mismatch: current=%d voltage=%d refractory=%d spiked=%d",
			n, len(voltage), len(refractory), len(spiked))
	}
	return cuda.LIFStep(c.device, current, voltage, refractory, spiked, tauRC, tauRef, dt)
}

// LIFRate runs the LIF rate kernel on the device
func (c *CUDABackend) LIFRate(current, rates []float32, tauRC, tauRef float32) error {
	if !c.initialized {
		return fmt.Errorf("CUDA backend not initialized")
	}
	if len(current) != len(rates) {
		return fmt.Errorf("LIF rate buffer size mismatch: current=%d rates=%d", len(current), len(rates))
	}
	return cuda.LIFRate(c.device, current, rates, tauRC, tauRef)
}

// GetDeviceInfo returns information about the CUDA device
func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool {
	return c.available
}

// Cleanup releases CUDA resources
func (c *CUDABackend) Cleanup() error {
	if !c.initialized {
		return nil
	}
	c.logger.Debug("Cleaning up CUDA backend", "device", c.device)
	if err := cuda.Cleanup(c.device); err != nil {
		return err
	}
	c.initialized = false
	return nil
}
