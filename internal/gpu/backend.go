package gpu

// DeviceInfo contains information about a compute device
type DeviceInfo struct {
	Index             int    `json:"index"`
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	TotalMemory       int64  `json:"totalMemory"`     // in bytes
	AvailableMemory   int64  `json:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
	CUDAVersion       string `json:"cudaVersion,omitempty"`
}

// GPUBackend defines the kernels a device exposes to the step engine.
// One backend instance is bound to exactly one device; the engine drives it
// from a single goroutine, so implementations need not be safe for concurrent use.
//
// Implementation notes:
// - All buffers are flat float32 slices in row-major order
// - Buffers passed in are owned by the caller and may be mutated in place
// - Resource cleanup is critical to prevent device memory leaks
type GPUBackend interface {
	// MatrixMultiply performs matrix multiplication C = A * B
	// where A is m×k, B is k×n, and C is m×n
	//
	// Used for encoding (E·x), termination transforms (T·u) and decoding
	// (activity·D, where activity is 1×N).
	MatrixMultiply(a, b []float32, m, k, n int) ([]float32, error)

	// LIFStep advances a population of leaky integrate-and-fire neurons by dt.
	// current, voltage, refractory and spiked all have one entry per neuron.
	// voltage and refractory are updated in place; spiked[i] is set to 1 if
	// neuron i fired during this step and 0 otherwise.
	LIFStep(current, voltage, refractory, spiked []float32, tauRC, tauRef, dt float32) error

	// LIFRate writes the steady-state LIF firing rate (spikes/s) for each
	// input current into rates.
	LIFRate(current, rates []float32, tauRC, tauRef float32) error

	// GetDeviceInfo returns information about the device
	GetDeviceInfo() DeviceInfo

	// IsAvailable checks if the backend is available for use
	// This should perform a quick check without heavy initialization
	IsAvailable() bool

	// Initialize prepares the backend for use.
	// Should be called once before first use
	Initialize() error

	// Cleanup releases any resources held by the backend.
	// Must be called when the backend is no longer needed
	Cleanup() error
}
