package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotSetup     = errors.New("simulation has not been set up")
	ErrAlreadySetup = errors.New("simulation is already set up")
	ErrKilled       = errors.New("simulation has been killed")
	ErrTimeReversed = errors.New("step time runs backwards")
	ErrShape        = errors.New("buffer shape mismatch")
	ErrStepTooLong  = errors.New("step too long for the max time step")
)

// timeTolerance absorbs float32 rounding between consecutive step boundaries.
const timeTolerance = 1e-6

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateReady
	StateFaulted
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StepInput carries the host inputs of one step. Inputs[e][t] feeds
// termination t of ensemble e; entries for terminations fed by a projection
// are ignored and may be nil.
type StepInput struct {
	Start  float32
	End    float32
	Inputs [][][]float32
}

// StepOutput receives origin values Outputs[e][o][d] and spike flags Spikes[e][n].
// Spikes[e] is only written for ensembles that collect spikes and may be nil otherwise.
type StepOutput struct {
	Outputs [][][]float32
	Spikes  [][]float32
}

// Stats summarizes the progress of a simulation.
type Stats struct {
	State         string        `json:"state"`
	Steps         uint64        `json:"steps"`
	SimulatedTime float32       `json:"simulatedTime"`
	LastStep      time.Duration `json:"lastStepNanos"`
	LastSpikes    int           `json:"lastSpikes"`
	TotalSpikes   uint64        `json:"totalSpikes"`
	Ensembles     int           `json:"ensembles"`
	Neurons       int           `json:"neurons"`
	Devices       int           `json:"devices"`
}

// Controller owns the device state of one simulation between Setup and Kill.
// All methods are safe for concurrent use; steps are serialized.
type Controller struct {
	mu      sync.Mutex
	manager *gpu.Manager
	logger  *zap.Logger

	state    State
	fault    error
	network  *Network
	backends []gpu.GPUBackend
	workers  []*deviceWorker
	ens      []*ensembleState
	assign   []int
	fed      map[[2]int]Projection
	wg       sync.WaitGroup

	started bool
	now     float32
	stats   Stats
}

// NewController creates an idle controller drawing devices from manager.
func NewController(manager *gpu.Manager, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		manager: manager,
		logger:  logger.Named("engine"),
	}
}

// DeviceCount reports the number of devices the manager exposes. It does not
// depend on the controller state.
func (c *Controller) DeviceCount() int {
	if c.manager == nil {
		return 0
	}
	return c.manager.DeviceCount()
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fault that moved the controller to StateFaulted, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Stats returns a snapshot of the simulation statistics
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state.String()
	return s
}

// Assignment returns the device index of every ensemble, or nil before Setup.
func (c *Controller) Assignment() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.assign...)
}

// Setup validates the network, acquires devices, partitions the ensembles
// across them and starts one worker per device. The network is copied.
func (c *Controller) Setup(net *Network) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateKilled:
		return ErrKilled
	case StateIdle:
	default:
		return ErrAlreadySetup
	}
	if c.manager == nil {
		return fmt.Errorf("no device manager")
	}
	if net == nil {
		return fmt.Errorf("%w: nil network", ErrInvalidNetwork)
	}
	if err := net.Validate(); err != nil {
		return err
	}

	available := c.manager.DeviceCount()
	devices := net.NumDevices
	if devices == 0 {
		devices = available
	}
	if devices > available {
		return fmt.Errorf("requested %d devices but only %d available", devices, available)
	}
	// Idle devices are not acquired, unless an ensemble is pinned to them.
	if used := usedDevices(net.Ensembles); devices > used {
		devices = used
	}

	network := net.clone()
	assign, err := partition(network.Ensembles, devices)
	if err != nil {
		return err
	}
	backends, err := c.manager.Acquire(devices)
	if err != nil {
		return fmt.Errorf("failed to acquire devices: %w", err)
	}

	workers := make([]*deviceWorker, devices)
	for d := range workers {
		workers[d] = newDeviceWorker(d, backends[d], c.logger)
	}
	ens := make([]*ensembleState, len(network.Ensembles))
	for i := range network.Ensembles {
		ens[i] = newEnsembleState(i, &network.Ensembles[i])
		workers[assign[i]].add(ens[i])
	}
	fed := make(map[[2]int]Projection, len(network.Projections))
	for _, p := range network.Projections {
		fed[[2]int{p.TerminationEnsemble, p.TerminationIndex}] = p
	}

	for _, w := range workers {
		c.wg.Add(1)
		go func(w *deviceWorker) {
			defer c.wg.Done()
			w.run()
		}(w)
		c.logger.Debug("Device worker started",
			zap.Int("device", w.index),
			zap.String("name", w.backend.GetDeviceInfo().Name),
			zap.Int("ensembles", len(w.ensembles)),
			zap.Int("neurons", w.neurons))
	}

	c.network = network
	c.backends = backends
	c.workers = workers
	c.ens = ens
	c.assign = assign
	c.fed = fed
	c.state = StateReady
	c.stats = Stats{
		Ensembles: len(ens),
		Neurons:   network.NeuronCount(),
		Devices:   devices,
	}

	metrics.Ensembles.Set(float64(len(ens)))
	metrics.Neurons.Set(float64(c.stats.Neurons))
	metrics.DevicesInUse.Set(float64(devices))
	metrics.LifecycleEvents.WithLabelValues("setup").Inc()

	c.logger.Info("Simulation set up",
		zap.Int("ensembles", len(ens)),
		zap.Int("projections", len(network.Projections)),
		zap.Int("neurons", c.stats.Neurons),
		zap.Int("devices", devices),
		zap.String("backend", c.manager.GetBackendType()),
		zap.Float32("maxTimeStep", network.MaxTimeStep))
	return nil
}

// NewStepOutput allocates output buffers matching the network. Spike buffers
// are allocated only for ensembles that collect spikes.
func (c *Controller) NewStepOutput() (*StepOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.network == nil {
		return nil, ErrNotSetup
	}
	out := &StepOutput{
		Outputs: make([][][]float32, len(c.network.Ensembles)),
		Spikes:  make([][]float32, len(c.network.Ensembles)),
	}
	for e := range c.network.Ensembles {
		spec := &c.network.Ensembles[e]
		out.Outputs[e] = make([][]float32, len(spec.Origins))
		for o := range spec.Origins {
			out.Outputs[e][o] = make([]float32, spec.Origins[o].Dimension)
		}
		if spec.CollectSpikes {
			out.Spikes[e] = make([]float32, spec.NumNeurons)
		}
	}
	return out, nil
}

func (c *Controller) checkShapes(in StepInput, out *StepOutput) error {
	if out == nil {
		return fmt.Errorf("%w: nil output", ErrShape)
	}
	nets := c.network.Ensembles
	if in.Inputs != nil && len(in.Inputs) != len(nets) {
		return fmt.Errorf("%w: inputs for %d ensembles, network has %d", ErrShape, len(in.Inputs), len(nets))
	}
	if len(out.Outputs) != len(nets) {
		return fmt.Errorf("%w: outputs for %d ensembles, network has %d", ErrShape, len(out.Outputs), len(nets))
	}
	for e := range nets {
		spec := &nets[e]
		if in.Inputs != nil {
			if in.Inputs[e] != nil && len(in.Inputs[e]) != len(spec.Terminations) {
				return fmt.Errorf("%w: ensemble %d has %d terminations, got %d inputs", ErrShape, e, len(spec.Terminations), len(in.Inputs[e]))
			}
			for t := range in.Inputs[e] {
				if _, projected := c.fed[[2]int{e, t}]; projected || in.Inputs[e][t] == nil {
					continue
				}
				if len(in.Inputs[e][t]) != spec.Terminations[t].Cols {
					return fmt.Errorf("%w: ensemble %d termination %d expects %d inputs, got %d",
						ErrShape, e, t, spec.Terminations[t].Cols, len(in.Inputs[e][t]))
				}
			}
		}
		if len(out.Outputs[e]) != len(spec.Origins) {
			return fmt.Errorf("%w: ensemble %d has %d origins, got %d output buffers", ErrShape, e, len(spec.Origins), len(out.Outputs[e]))
		}
		for o := range spec.Origins {
			if len(out.Outputs[e][o]) != spec.Origins[o].Dimension {
				return fmt.Errorf("%w: ensemble %d origin %d has dimension %d, got %d",
					ErrShape, e, o, spec.Origins[o].Dimension, len(out.Outputs[e][o]))
			}
		}
		if spec.CollectSpikes {
			if len(out.Spikes) != len(nets) || len(out.Spikes[e]) != spec.NumNeurons {
				return fmt.Errorf("%w: ensemble %d collects spikes for %d neurons", ErrShape, e, spec.NumNeurons)
			}
		}
	}
	return nil
}

// Step advances the simulation from in.Start to in.End and writes the origin
// values and spikes of the step into out. Nothing is written if Step fails
// before the devices run.
func (c *Controller) Step(ctx context.Context, in StepInput, out *StepOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return ErrNotSetup
	case StateKilled:
		return ErrKilled
	case StateFaulted:
		return c.fault
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if !finite(in.Start) || !finite(in.End) {
		return fmt.Errorf("step times must be finite, got [%g, %g]", in.Start, in.End)
	}
	if in.End < in.Start {
		return fmt.Errorf("%w: end %g is before start %g", ErrTimeReversed, in.End, in.Start)
	}
	if c.started && float64(in.Start) < float64(c.now)-timeTolerance {
		return fmt.Errorf("%w: start %g is before the previous end %g", ErrTimeReversed, in.Start, c.now)
	}
	if err := c.checkShapes(in, out); err != nil {
		return err
	}

	length := in.End - in.Start
	if length == 0 {
		c.writeOutputs(out, false)
		return nil
	}

	n, dt, err := substeps(length, c.network.MaxTimeStep)
	if err != nil {
		return err
	}

	c.loadInputs(in.Inputs)

	began := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			return w.submit(gctx, n, dt)
		})
	}
	if err := g.Wait(); err != nil {
		c.state = StateFaulted
		c.fault = fmt.Errorf("step [%g, %g] failed: %w", in.Start, in.End, err)
		metrics.LifecycleEvents.WithLabelValues("fault").Inc()
		c.logger.Error("Simulation step failed", zap.Error(err), zap.Float32("start", in.Start), zap.Float32("end", in.End))
		return c.fault
	}
	elapsed := time.Since(began)

	c.writeOutputs(out, true)
	c.started = true
	c.now = in.End

	spikes := 0
	for _, s := range c.ens {
		spikes += s.spikes
	}
	c.stats.Steps++
	c.stats.SimulatedTime = in.End
	c.stats.LastStep = elapsed
	c.stats.LastSpikes = spikes
	c.stats.TotalSpikes += uint64(spikes)

	metrics.StepsTotal.Inc()
	metrics.StepDuration.Observe(float64(elapsed.Microseconds()) / 1000)
	metrics.SimulatedSeconds.Set(float64(in.End))
	metrics.SpikesTotal.Add(float64(spikes))

	c.logger.Debug("Step complete",
		zap.Float32("start", in.Start),
		zap.Float32("end", in.End),
		zap.Int("substeps", n),
		zap.Int("spikes", spikes),
		zap.Duration("elapsed", elapsed))
	return nil
}

// loadInputs feeds projected terminations from the previous step's outputs and
// the rest from the host.
func (c *Controller) loadInputs(inputs [][][]float32) {
	for e, s := range c.ens {
		for t, term := range s.terms {
			if p, projected := c.fed[[2]int{e, t}]; projected {
				copy(term.input, c.ens[p.OriginEnsemble].outputs[p.OriginIndex])
				continue
			}
			if inputs == nil || inputs[e] == nil || inputs[e][t] == nil {
				continue
			}
			copy(term.input, inputs[e][t])
		}
	}
}

func (c *Controller) writeOutputs(out *StepOutput, withSpikes bool) {
	for e, s := range c.ens {
		for o := range s.outputs {
			copy(out.Outputs[e][o], s.outputs[o])
		}
		if s.spec.CollectSpikes {
			if withSpikes {
				copy(out.Spikes[e], s.fired)
			} else {
				clear(out.Spikes[e])
			}
		}
	}
}

// Kill stops the device workers and releases every device. It is legal from
// any state but the first; after Kill every other call fails with ErrKilled.
func (c *Controller) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateKilled {
		return ErrKilled
	}
	prev := c.state
	c.state = StateKilled

	for _, w := range c.workers {
		close(w.requests)
	}
	c.wg.Wait()

	var err error
	if c.backends != nil {
		err = c.manager.Release(c.backends)
	}
	c.workers = nil
	c.backends = nil

	if prev != StateIdle {
		metrics.Ensembles.Set(0)
		metrics.Neurons.Set(0)
		metrics.DevicesInUse.Set(0)
	}
	metrics.LifecycleEvents.WithLabelValues("kill").Inc()
	c.logger.Info("Simulation killed",
		zap.Stringer("previousState", prev),
		zap.Uint64("steps", c.stats.Steps),
		zap.Float32("simulatedTime", c.stats.SimulatedTime))

	if err != nil {
		return fmt.Errorf("failed to release devices: %w", err)
	}
	return nil
}
