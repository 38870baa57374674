package gpu

import (
	"fmt"
	"log/slog"
	"sync"
)

// Options controls device enumeration
type Options struct {
	// CPUDevices is the number of virtual CPU devices exposed when no CUDA
	// device is present. Values below 1 mean 1.
	CPUDevices int
	// DisableCUDA skips CUDA detection even in cuda builds.
	DisableCUDA bool
}

// Manager enumerates compute devices and hands out one backend per device
type Manager struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	opts     Options
	kind     string
	devices  []DeviceInfo
	// ordinals[i] is the physical CUDA ordinal behind devices[i]
	ordinals []int
	acquired map[int]GPUBackend

	cudaCount func() int
	newCUDA   func(ordinal int) GPUBackend
}

// NewManager creates a new device manager and enumerates the available devices
func NewManager(logger *slog.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CPUDevices < 1 {
		opts.CPUDevices = 1
	}

	m := &Manager{
		logger:    logger,
		opts:      opts,
		acquired:  make(map[int]GPUBackend),
		cudaCount: func() int { return cudaDeviceCount(logger) },
		newCUDA:   func(ordinal int) GPUBackend { return newCUDADevice(logger, ordinal) },
	}

	if err := m.detectDevices(); err != nil {
		return nil, err
	}

	return m, nil
}

// detectDevices enumerates CUDA devices first and falls back to virtual CPU devices
func (m *Manager) detectDevices() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.DisableCUDA {
		if n := m.cudaCount(); n > 0 {
			m.kind = "cuda"
			for ordinal := 0; ordinal < n; ordinal++ {
				backend := m.newCUDA(ordinal)
				if backend == nil || !backend.IsAvailable() {
					m.logger.Warn("Skipping unusable CUDA device", "ordinal", ordinal)
					continue
				}
				info := backend.GetDeviceInfo()
				info.Index = len(m.devices)
				m.devices = append(m.devices, info)
				m.ordinals = append(m.ordinals, ordinal)
			}
			if len(m.devices) > 0 {
				m.logger.Info("CUDA devices detected", "count", len(m.devices))
				return nil
			}
			m.logger.Warn("CUDA reported devices but none were usable, falling back to CPU")
		}
	}

	m.kind = "cpu"
	m.devices, m.ordinals = nil, nil
	for i := 0; i < m.opts.CPUDevices; i++ {
		m.devices = append(m.devices, NewCPUDevice(m.logger, i).GetDeviceInfo())
	}
	if len(m.devices) == 0 {
		return fmt.Errorf("no compute devices available")
	}
	m.logger.Info("Using CPU devices", "count", len(m.devices))
	return nil
}

// DeviceCount returns the number of enumerated devices. It never changes
// state and is safe to call at any time, including after Cleanup.
func (m *Manager) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Devices returns a copy of the enumerated device information
func (m *Manager) Devices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceInfo, len(m.devices))
	copy(out, m.devices)
	return out
}

// Acquire initializes backends for the first n devices. Every acquired
// backend must be handed back through Release.
func (m *Manager) Acquire(n int) ([]GPUBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 1 {
		return nil, fmt.Errorf("at least one device must be requested, got %d", n)
	}
	if n > len(m.devices) {
		return nil, fmt.Errorf("requested %d devices but only %d available", n, len(m.devices))
	}

	backends := make([]GPUBackend, 0, n)
	for i := 0; i < n; i++ {
		if _, busy := m.acquired[i]; busy {
			m.releaseLocked(backends)
			return nil, fmt.Errorf("device %d is already in use", i)
		}
		backend, err := m.newBackend(i)
		if err != nil {
			m.releaseLocked(backends)
			return nil, err
		}
		if err := backend.Initialize(); err != nil {
			_ = backend.Cleanup()
			m.releaseLocked(backends)
			return nil, fmt.Errorf("failed to initialize device %d: %w", i, err)
		}
		m.acquired[i] = backend
		backends = append(backends, backend)
	}
	return backends, nil
}

// Release cleans up backends obtained from Acquire
func (m *Manager) Release(backends []GPUBackend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(backends)
}

func (m *Manager) releaseLocked(backends []GPUBackend) error {
	var firstErr error
	for _, backend := range backends {
		for idx, held := range m.acquired {
			if held == backend {
				delete(m.acquired, idx)
				break
			}
		}
		if err := backend.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newBackend creates the backend for enumerated device index, which for CUDA
// is not necessarily the physical ordinal.
func (m *Manager) newBackend(index int) (GPUBackend, error) {
	if m.kind != "cuda" {
		return NewCPUDevice(m.logger, index), nil
	}
	ordinal := m.ordinals[index]
	backend := m.newCUDA(ordinal)
	if backend == nil {
		return nil, fmt.Errorf("failed to create CUDA backend for device %d (ordinal %d)", index, ordinal)
	}
	return backend, nil
}

// GetDeviceInfo returns information about device 0
func (m *Manager) GetDeviceInfo() DeviceInfo {
	devices := m.Devices()
	if len(devices) == 0 {
		return DeviceInfo{Name: "No device available"}
	}
	return devices[0]
}

// IsGPUAvailable returns true if the enumerated devices are GPUs
func (m *Manager) IsGPUAvailable() bool {
	return m.GetBackendType() != "cpu"
}

// GetBackendType returns a string describing the device kind
func (m *Manager) GetBackendType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.kind == "" {
		return "none"
	}
	return m.kind
}

// Cleanup releases every backend still held
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := make([]GPUBackend, 0, len(m.acquired))
	for _, backend := range m.acquired {
		held = append(held, backend)
	}
	return m.releaseLocked(held)
}
