package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/nef"
	"github.com/fxnlabs/nefgpu/internal/probe"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"go.uber.org/zap"
)

// simulation drives one built network through a session, feeding host
// inputs and recording probes after every step.
type simulation struct {
	cfg      *config.Config
	model    *nef.Model
	session  *nefgpu.Session
	recorder *probe.Recorder
	out      io.Closer
	log      *zap.Logger

	inputs  [][][]float32
	outputs [][][]float32
	spikes  [][]float32
	steps   int
}

// resolvePath interprets p relative to the directory of the config file.
func resolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// loadModel reads and builds the network named by the config, applying the
// simulation overrides from cfg.
func loadModel(cfg *config.Config, networkPath string, log *zap.Logger) (*nef.Model, error) {
	netCfg, err := config.LoadNetworkConfig(networkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load network %s: %w", networkPath, err)
	}
	if cfg.Simulation.Seed != 0 {
		netCfg.Seed = cfg.Simulation.Seed
	}
	if cfg.Simulation.MaxTimeStep > 0 {
		netCfg.MaxTimeStep = cfg.Simulation.MaxTimeStep
	}

	model, err := nef.Build(netCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build network %s: %w", networkPath, err)
	}
	model.NumDevices = cfg.Devices.Requested
	return model, nil
}

func newSimulation(cfg *config.Config, model *nef.Model, session *nefgpu.Session, outputPath string, log *zap.Logger, opts ...probe.Option) (*simulation, error) {
	s := &simulation{
		cfg:     cfg,
		model:   model,
		session: session,
		log:     log.Named("simulation"),
		inputs:  model.NewInputs(),
	}
	s.outputs, s.spikes = model.NewOutputs()

	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create probe output: %w", err)
		}
		s.out = f
		opts = append(opts, probe.WithWriter(f))
	}
	opts = append(opts, probe.WithEvery(cfg.Probe.Every))

	targets := make([]probe.Target, len(model.Probes))
	for i, p := range model.Probes {
		targets[i] = probe.Target{Name: p.Name, Ensemble: p.Ensemble, Origin: p.Origin}
	}
	var spikeTargets []probe.SpikeTarget
	for e, ens := range model.Ensembles {
		if ens.CollectSpikes {
			spikeTargets = append(spikeTargets, probe.SpikeTarget{Name: ens.Name, Ensemble: e})
		}
	}
	s.recorder = probe.NewRecorder(targets, spikeTargets, opts...)
	return s, nil
}

// Setup uploads the model to the devices.
func (s *simulation) Setup() error {
	if err := s.session.SetupRun(s.model.RunSpec()); err != nil {
		return err
	}
	s.log.Info("Simulation ready",
		zap.String("network", s.model.Name),
		zap.Int("ensembles", len(s.model.Ensembles)),
		zap.Int("projections", len(s.model.Projections)),
		zap.Ints("assignment", s.session.Controller().Assignment()),
	)
	return nil
}

// at returns the simulated time after n steps. Times are derived from the
// step count so consecutive steps share their boundary exactly.
func (s *simulation) at(n int) float32 {
	return float32(float64(n) * float64(s.cfg.Simulation.StepLength))
}

// Time returns the simulated time reached so far
func (s *simulation) Time() float32 {
	return s.at(s.steps)
}

// StepsFor returns the number of steps needed to simulate duration seconds.
func (s *simulation) StepsFor(duration float32) int {
	return int(math.Round(float64(duration) / float64(s.cfg.Simulation.StepLength)))
}

// Advance runs one step, with the inputs evaluated at the start of the step.
func (s *simulation) Advance(ctx context.Context) error {
	start, end := s.at(s.steps), s.at(s.steps+1)
	s.model.EvalInputs(start, s.inputs)

	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.Simulation.StepTimeout)
	defer cancel()
	if err := s.session.StepContext(stepCtx, s.inputs, s.outputs, s.spikes, start, end); err != nil {
		return fmt.Errorf("step %d [%g, %g]: %w", s.steps, start, end, err)
	}
	s.steps++
	return s.recorder.Record(end, s.outputs, s.spikes)
}

// Kill releases the devices and closes the probe output.
func (s *simulation) Kill() error {
	err := s.session.Kill()
	if s.out != nil {
		if cerr := s.out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.out = nil
	}
	return err
}
