//go:build cuda
// +build cuda

// Package cuda wraps the NEF CUDA kernels in nef_cuda.cu.
package cuda

/*
#cgo CFLAGS: -I. -I./include
#cgo LDFLAGS: -L./lib -L. -lnef_cuda -lcudart -lcublas

#include "nef_cuda.h"
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// DeviceInfo represents CUDA device information
type DeviceInfo struct {
	Name                string
	Major               int
	Minor               int
	TotalMemory         uint64 // in bytes
	FreeMemory          uint64 // in bytes
	MultiProcessorCount int
	MaxThreadsPerBlock  int
}

// DeviceCount returns the number of visible CUDA devices
func DeviceCount() (int, error) {
	var n C.int
	if err := C.nef_cuda_device_count(&n); err != C.cudaSuccess {
		return 0, fmt.Errorf("CUDA device count failed: %s", getCudaErrorString(err))
	}
	return int(n), nil
}

// Init selects the device and creates its cuBLAS handle
func Init(device int) error {
	if err := C.nef_cuda_init(C.int(device)); err != C.cudaSuccess {
		return fmt.Errorf("CUDA initialization of device %d failed: %s", device, getCudaErrorString(err))
	}
	return nil
}

// Cleanup releases the device's cuBLAS handle
func Cleanup(device int) error {
	if err := C.nef_cuda_cleanup(C.int(device)); err != C.cudaSuccess {
		return fmt.Errorf("CUDA cleanup of device %d failed: %s", device, getCudaErrorString(err))
	}
	return nil
}

// GetDeviceInfo returns information about a CUDA device
func GetDeviceInfo(device int) (*DeviceInfo, error) {
	var cInfo C.NefDeviceInfo
	if err := C.nef_cuda_get_device_info(C.int(device), &cInfo); err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to get device info: %s", getCudaErrorString(err))
	}
	return &DeviceInfo{
		Name:                C.GoString(&cInfo.name[0]),
		Major:               int(cInfo.major),
		Minor:               int(cInfo.minor),
		TotalMemory:         uint64(cInfo.total_memory),
		FreeMemory:          uint64(cInfo.free_memory),
		MultiProcessorCount: int(cInfo.multi_processor_count),
		MaxThreadsPerBlock:  int(cInfo.max_threads_per_block),
	}, nil
}

// MatMul performs C = A * B on the device, A is m×k and B is k×n
func MatMul(device int, a, b []float32, m, k, n int) ([]float32, error) {
	if len(a) != m*k {
		return nil, fmt.Errorf("matrix A size mismatch: expected %d, got %d", m*k, len(a))
	}
	if len(b) != k*n {
		return nil, fmt.Errorf("matrix B size mismatch: expected %d, got %d", k*n, len(b))
	}
	c := make([]float32, m*n)
	if len(a) == 0 || len(b) == 0 || len(c) == 0 {
		return c, nil
	}

	err := C.nef_cuda_sgemm(C.int(device),
		(*C.float)(unsafe.Pointer(&a[0])),
		(*C.float)(unsafe.Pointer(&b[0])),
		(*C.float)(unsafe.Pointer(&c[0])),
		C.int(m), C.int(k), C.int(n))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("CUDA matrix multiplication failed: %s", getCudaErrorString(err))
	}
	return c, nil
}

// LIFStep runs one LIF update for every neuron in the buffers
func LIFStep(device int, current, voltage, refractory, spiked []float32, tauRC, tauRef, dt float32) error {
	n := len(current)
	if n == 0 {
		return nil
	}
	err := C.nef_cuda_lif_step(C.int(device),
		(*C.float)(unsafe.Pointer(&current[0])),
		(*C.float)(unsafe.Pointer(&voltage[0])),
		(*C.float)(unsafe.Pointer(&refractory[0])),
		(*C.float)(unsafe.Pointer(&spiked[0])),
		C.int(n), C.float(tauRC), C.float(tauRef), C.float(dt))
	if err != C.cudaSuccess {
		return fmt.Errorf("CUDA LIF step failed: %s", getCudaErrorString(err))
	}
	return nil
}

// LIFRate computes steady-state firing rates on the device
func LIFRate(device int, current, rates []float32, tauRC, tauRef float32) error {
	n := len(current)
	if n == 0 {
		return nil
	}
	err := C.nef_cuda_lif_rate(C.int(device),
		(*C.float)(unsafe.Pointer(&current[0])),
		(*C.float)(unsafe.Pointer(&rates[0])),
		C.int(n), C.float(tauRC), C.float(tauRef))
	if err != C.cudaSuccess {
		return fmt.Errorf("CUDA LIF rate failed: %s", getCudaErrorString(err))
	}
	return nil
}

// getCudaErrorString converts CUDA error code to string
func getCudaErrorString(err C.cudaError_t) string {
	switch err {
	case 0: // cudaSuccess
		return "Success"
	case 1: // cudaErrorInvalidValue
		return "Invalid value"
	case 2: // cudaErrorMemoryAllocation
		return "Memory allocation failed"
	case 3: // cudaErrorInitializationError
		return "Initialization error"
	case 35: // cudaErrorInsufficientDriver
		return "Insufficient driver"
	case 100: // cudaErrorNoDevice
		return "No CUDA device"
	case 101: // cudaErrorInvalidDevice
		return "Invalid device"
	default:
		return C.GoString(C.cudaGetErrorString(err))
	}
}
