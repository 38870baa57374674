// Package nefgpu is the host boundary of the simulator: four calls that take
// and fill plain nested float arrays. A package-level session serves callers
// that only ever run one simulation per process.
package nefgpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxnlabs/nefgpu/internal/engine"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"go.uber.org/zap"
)

// Errors returned by the session, comparable with errors.Is.
var (
	ErrNotSetup       = engine.ErrNotSetup
	ErrAlreadySetup   = engine.ErrAlreadySetup
	ErrKilled         = engine.ErrKilled
	ErrTimeReversed   = engine.ErrTimeReversed
	ErrShape          = engine.ErrShape
	ErrStepTooLong    = engine.ErrStepTooLong
	ErrInvalidNetwork = engine.ErrInvalidNetwork
)

// Session runs at most one simulation at a time on a device manager. After
// Kill the next SetupRun starts a fresh simulation.
type Session struct {
	mu      sync.Mutex
	manager *gpu.Manager
	logger  *zap.Logger
	ctrl    *engine.Controller
}

// NewSession creates a session over manager
func NewSession(manager *gpu.Manager, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{manager: manager, logger: logger}
}

// GetNumDevices returns the number of usable devices. It never fails and does
// not change the session state.
func (s *Session) GetNumDevices() int {
	if s.manager == nil {
		return 0
	}
	return s.manager.DeviceCount()
}

// Controller returns the controller of the current or last simulation, or nil.
func (s *Session) Controller() *engine.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// SetupRun converts spec, uploads it to the devices and readies the session
// for Step. It fails while a previous simulation has not been killed.
func (s *Session) SetupRun(spec RunSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		return fmt.Errorf("no device manager available")
	}
	if s.ctrl != nil && s.ctrl.State() != engine.StateKilled {
		return engine.ErrAlreadySetup
	}

	net, err := spec.Network()
	if err != nil {
		return err
	}
	ctrl := engine.NewController(s.manager, s.logger)
	if err := ctrl.Setup(net); err != nil {
		return err
	}
	s.ctrl = ctrl
	return nil
}

// Step advances the simulation from start to end. inputs[e][t] feeds
// termination t of ensemble e, outputs[e][o] receives origin o and spikes[e]
// receives the spike flags of ensembles that collect spikes. Every buffer is
// owned by the caller and is left untouched when Step fails.
func (s *Session) Step(inputs, outputs [][][]float32, spikes [][]float32, start, end float32) error {
	return s.StepContext(context.Background(), inputs, outputs, spikes, start, end)
}

// StepContext is Step with a context bounding the wait for the devices.
func (s *Session) StepContext(ctx context.Context, inputs, outputs [][][]float32, spikes [][]float32, start, end float32) error {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	if ctrl == nil {
		return engine.ErrNotSetup
	}
	return ctrl.Step(ctx,
		engine.StepInput{Start: start, End: end, Inputs: inputs},
		&engine.StepOutput{Outputs: outputs, Spikes: spikes})
}

// Kill releases the devices of the running simulation.
func (s *Session) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl == nil {
		return engine.ErrNotSetup
	}
	return s.ctrl.Kill()
}

var (
	defaultOnce    sync.Once
	defaultSession *Session
)

// Default returns the package-level session. Its device manager is created on
// first use with the default options.
func Default() *Session {
	defaultOnce.Do(func() {
		logger := zap.L().Named("nefgpu")
		manager, err := gpu.NewManager(slog.Default(), gpu.Options{})
		if err != nil {
			logger.Error("Failed to initialize device manager", zap.Error(err))
		}
		defaultSession = NewSession(manager, logger)
	})
	return defaultSession
}

// GetNumDevices returns the number of usable devices of the default session.
func GetNumDevices() int {
	return Default().GetNumDevices()
}

// SetupRun sets up the default session.
func SetupRun(spec RunSpec) error {
	return Default().SetupRun(spec)
}

// Step advances the default session.
func Step(inputs, outputs [][][]float32, spikes [][]float32, start, end float32) error {
	return Default().Step(inputs, outputs, spikes, start, end)
}

// Kill tears down the default session.
func Kill() error {
	return Default().Kill()
}
