package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultConfigPath = "config.yaml"

// env carries what the Before hook loads to every command.
type env struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

// newManager opens the devices described by the config.
func (e *env) newManager() (*gpu.Manager, error) {
	slogger, err := logger.NewSlog(e.cfg.Logger.Verbosity)
	if err != nil {
		return nil, err
	}
	return gpu.NewManager(slogger, gpu.Options{
		CPUDevices:  e.cfg.Devices.CPU,
		DisableCUDA: e.cfg.Devices.DisableCUDA,
	})
}

func newApp() *cli.App {
	e := &env{}

	return &cli.App{
		Name:  "nefgpu",
		Usage: "Simulate NEF spiking networks across GPU devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       defaultConfigPath,
				Usage:       "Path to the config file",
				EnvVars:     []string{"NEFGPU_CONFIG"},
				Destination: &e.configPath,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(e.configPath)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				cfg = &config.Config{}
				cfg.Defaults()
			case err != nil:
				return fmt.Errorf("failed to load config %s: %w", e.configPath, err)
			}
			e.cfg = cfg

			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			logger.Install(zapLogger)
			e.log = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			devicesCommand(e),
			initCommand(e),
			runCommand(e),
			serveCommand(e),
		},
	}
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
