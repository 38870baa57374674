package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/metrics"
	"go.uber.org/zap"
)

type stepCommand struct {
	substeps int
	dt       float32
	done     chan error
}

// deviceWorker owns one backend and the ensembles placed on it. Only the
// worker goroutine touches the backend.
type deviceWorker struct {
	index     int
	backend   gpu.GPUBackend
	ensembles []*ensembleState
	requests  chan stepCommand
	logger    *zap.Logger
	neurons   int
}

func newDeviceWorker(index int, backend gpu.GPUBackend, logger *zap.Logger) *deviceWorker {
	return &deviceWorker{
		index:    index,
		backend:  backend,
		requests: make(chan stepCommand),
		logger:   logger.With(zap.Int("device", index)),
	}
}

func (w *deviceWorker) add(s *ensembleState) {
	w.ensembles = append(w.ensembles, s)
	w.neurons += s.spec.NumNeurons
}

// run serves step commands until the request channel is closed.
func (w *deviceWorker) run() {
	label := strconv.Itoa(w.index)
	for cmd := range w.requests {
		start := time.Now()
		err := w.step(cmd.substeps, cmd.dt)
		metrics.DeviceStepDuration.WithLabelValues(label).Observe(float64(time.Since(start).Microseconds()) / 1000)
		cmd.done <- err
	}
	w.logger.Debug("Device worker stopped")
}

func (w *deviceWorker) step(substeps int, dt float32) error {
	for _, s := range w.ensembles {
		if err := s.step(w.backend, substeps, dt); err != nil {
			return fmt.Errorf("device %d ensemble %d: %w", w.index, s.index, err)
		}
	}
	return nil
}

// submit hands a step to the worker and waits for it to finish. Once the
// command is accepted submit waits for it even if ctx ends, so the caller never
// touches ensemble state while the worker does.
func (w *deviceWorker) submit(ctx context.Context, substeps int, dt float32) error {
	cmd := stepCommand{substeps: substeps, dt: dt, done: make(chan error, 1)}
	select {
	case w.requests <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		<-cmd.done
		return ctx.Err()
	}
}
