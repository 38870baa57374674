package gpu

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/mem"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// CPUBackend implements GPUBackend on the host CPU. Several CPUBackends may
// run side by side, each acting as one virtual device.
type CPUBackend struct {
	logger      *slog.Logger
	index       int
	initialized bool
}

// NewCPUBackend creates a new CPU backend instance for virtual device 0
func NewCPUBackend(logger *slog.Logger) *CPUBackend {
	return NewCPUDevice(logger, 0)
}

// NewCPUDevice creates a CPU backend bound to the given virtual device index
func NewCPUDevice(logger *slog.Logger, index int) *CPUBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &CPUBackend{
		logger: logger,
		index:  index,
	}
}

// Initialize prepares the CPU backend for use
func (c *CPUBackend) Initialize() error {
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.logger.Info("CPU backend initialized", "device", c.index)
	return nil
}

// Cleanup releases any resources (none for CPU backend)
func (c *CPUBackend) Cleanup() error {
	c.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for CPU
func (c *CPUBackend) GetDeviceInfo() DeviceInfo {
	total, available := c.systemMemory()
	return DeviceInfo{
		Index:             c.index,
		Name:              fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Kind:              "cpu",
		TotalMemory:       total,
		AvailableMemory:   available,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
	}
}

// MatrixMultiply performs matrix multiplication using CPU
// Implements C = A * B where A is m×k, B is k×n, and C is m×n
func (c *CPUBackend) MatrixMultiply(a, b []float32, m, k, n int) ([]float32, error) {
	if !c.initialized {
		return nil, fmt.Errorf("CPU backend not initialized")
	}

	// Validate dimensions
	if len(a) != m*k {
		return nil, fmt.Errorf("matrix A size mismatch: expected %d, got %d", m*k, len(a))
	}
	if len(b) != k*n {
		return nil, fmt.Errorf("matrix B size mismatch: expected %d, got %d", k*n, len(b))
	}

	result := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return result, nil
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result})

	return result, nil
}

// LIFStep advances the neuron population on the CPU
func (c *CPUBackend) LIFStep(current, voltage, refractory, spiked []float32, tauRC, tauRef, dt float32) error {
	if !c.initialized {
		return fmt.Errorf("CPU backend not initialized")
	}
	return lifStep(current, voltage, refractory, spiked, tauRC, tauRef, dt)
}

// LIFRate computes firing rates on the CPU
func (c *CPUBackend) LIFRate(current, rates []float32, tauRC, tauRef float32) error {
	if !c.initialized {
		return fmt.Errorf("CPU backend not initialized")
	}
	return lifRate(current, rates, tauRC, tauRef)
}

// systemMemory returns the total and available host memory in bytes, or
// zeros when the OS cannot be queried.
func (c *CPUBackend) systemMemory() (total, available int64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Debug("Host memory query failed", "error", err)
		return 0, 0
	}
	return int64(vm.Total), int64(vm.Available)
}
