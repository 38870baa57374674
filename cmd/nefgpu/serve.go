package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/nef"
	"github.com/fxnlabs/nefgpu/internal/probe"
	"github.com/fxnlabs/nefgpu/internal/server"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// httpServer is the listening side of the serve command.
type httpServer struct {
	srv *http.Server
	ln  net.Listener
}

// Addr returns the bound address once the app has started.
func (h *httpServer) Addr() string {
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// stepLoop advances the simulation in the background between OnStart and OnStop.
type stepLoop struct {
	sim      *simulation
	log      *zap.Logger
	realTime bool
	limit    int

	cancel context.CancelFunc
	done   chan struct{}
}

func (l *stepLoop) run(ctx context.Context) {
	defer close(l.done)

	var tick <-chan time.Time
	if l.realTime {
		period := time.Duration(float64(l.sim.cfg.Simulation.StepLength) * float64(time.Second))
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for l.limit == 0 || l.sim.steps < l.limit {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		if err := l.sim.Advance(ctx); err != nil {
			if ctx.Err() == nil {
				l.log.Error("Simulation stopped", zap.Error(err))
			}
			return
		}
	}
	l.log.Info("Simulation reached its duration", zap.Float32("time", l.sim.Time()))
}

func newServeManager(lc fx.Lifecycle, e *env) (*gpu.Manager, error) {
	manager, err := e.newManager()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return manager.Cleanup() },
	})
	return manager, nil
}

func registerStepLoop(lc fx.Lifecycle, sim *simulation, log *zap.Logger, realTime realTimeFlag, limit durationFlag) {
	loop := &stepLoop{
		sim:      sim,
		log:      log.Named("loop"),
		realTime: bool(realTime),
	}
	if limit > 0 {
		loop.limit = sim.StepsFor(float32(limit))
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := sim.Setup(); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			loop.cancel = cancel
			loop.done = make(chan struct{})
			go loop.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			loop.cancel()
			select {
			case <-loop.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := sim.Kill(); err != nil && !errors.Is(err, nefgpu.ErrKilled) {
				return err
			}
			return nil
		},
	})
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, srv *server.Server, hub *probe.Hub, log *zap.Logger) *httpServer {
	h := &httpServer{srv: &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	log = log.Named("http")

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.ListenAddr())
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
			}
			h.ln = ln
			log.Info("Starting server on", zap.String("address", h.Addr()))
			go func() {
				if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hub.Close()
			return h.srv.Shutdown(ctx)
		},
	})
	return h
}

type (
	realTimeFlag bool
	durationFlag float32
)

// serveOptions assembles the serve application. Hooks stop in reverse order:
// the HTTP server first, then the step loop and the session, then the devices.
func serveOptions(e *env, networkPath string, realTime bool, duration float32) fx.Option {
	return fx.Options(
		fx.Supply(e, e.cfg, e.log, realTimeFlag(realTime), durationFlag(duration)),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newServeManager,
			func(manager *gpu.Manager, log *zap.Logger) *nefgpu.Session {
				return nefgpu.NewSession(manager, log.Named("nefgpu"))
			},
			probe.NewHub,
			func(cfg *config.Config, log *zap.Logger) (*nef.Model, error) {
				return loadModel(cfg, networkPath, log)
			},
			func(cfg *config.Config, model *nef.Model, session *nefgpu.Session, hub *probe.Hub, log *zap.Logger) (*simulation, error) {
				return newSimulation(cfg, model, session, resolvePath(e.configPath, cfg.Probe.Output), log, probe.WithPublisher(hub))
			},
			server.NewServer,
			newHTTPServer,
		),
		fx.Invoke(registerStepLoop, func(*httpServer) {}),
	)
}

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a network and expose status, metrics and probe streams over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Usage: "Network file, overrides simulation.network"},
			&cli.Float64Flag{Name: "duration", Usage: "Stop stepping after this many simulated seconds, 0 runs until stopped"},
		},
		Action: func(c *cli.Context) error {
			networkPath := resolvePath(e.configPath, e.cfg.Simulation.Network)
			if c.IsSet("network") {
				networkPath = c.String("network")
			}
			if networkPath == "" {
				return fmt.Errorf("no network given, set simulation.network or --network")
			}

			app := fx.New(serveOptions(e, networkPath, e.cfg.Simulation.RealTime, float32(c.Float64("duration"))))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
