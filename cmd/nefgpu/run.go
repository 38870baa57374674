package main

import (
	"fmt"
	"time"

	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func runCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Simulate a network for a fixed duration and write the probes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Usage: "Network file, overrides simulation.network"},
			&cli.Float64Flag{Name: "duration", Usage: "Simulated seconds, overrides simulation.duration"},
			&cli.StringFlag{Name: "output", Usage: "Probe output file, overrides probe.output"},
		},
		Action: func(c *cli.Context) error {
			cfg := e.cfg
			networkPath := resolvePath(e.configPath, cfg.Simulation.Network)
			if c.IsSet("network") {
				networkPath = c.String("network")
			}
			if networkPath == "" {
				return fmt.Errorf("no network given, set simulation.network or --network")
			}
			duration := cfg.Simulation.Duration
			if c.IsSet("duration") {
				duration = float32(c.Float64("duration"))
			}
			output := resolvePath(e.configPath, cfg.Probe.Output)
			if c.IsSet("output") {
				output = c.String("output")
			}

			manager, err := e.newManager()
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			model, err := loadModel(cfg, networkPath, e.log)
			if err != nil {
				return err
			}
			sim, err := newSimulation(cfg, model, nefgpu.NewSession(manager, e.log.Named("nefgpu")), output, e.log)
			if err != nil {
				return err
			}
			if err := sim.Setup(); err != nil {
				_ = sim.Kill()
				return err
			}

			started := time.Now()
			steps := sim.StepsFor(duration)
			for i := 0; i < steps; i++ {
				if err := sim.Advance(c.Context); err != nil {
					_ = sim.Kill()
					return err
				}
			}

			stats := sim.session.Controller().Stats()
			e.log.Info("Simulation finished",
				zap.Uint64("steps", stats.Steps),
				zap.Float32("simulatedTime", stats.SimulatedTime),
				zap.Uint64("spikes", stats.TotalSpikes),
				zap.Int("samples", sim.recorder.Samples()),
				zap.Duration("elapsed", time.Since(started)),
				zap.String("output", output),
			)
			return sim.Kill()
		},
	}
}
