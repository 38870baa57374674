package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/urfave/cli/v2"
)

func devicesCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices a simulation can run on",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-banner", Usage: "Skip the banner"},
		},
		Action: func(c *cli.Context) error {
			manager, err := e.newManager()
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			w := c.App.Writer
			if !c.Bool("no-banner") {
				fmt.Fprintln(w, figure.NewFigure("nefgpu", "", true).String())
			}
			printDevices(w, manager)
			return nil
		},
	}
}

func printDevices(w io.Writer, manager *gpu.Manager) {
	devices := manager.Devices()
	fmt.Fprintf(w, "Backend: %s\n", manager.GetBackendType())
	fmt.Fprintf(w, "Devices: %d\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(w, "  [%d] %s (%s)", d.Index, d.Name, d.Kind)
		if d.TotalMemory > 0 {
			fmt.Fprintf(w, " %d/%d MiB free", d.AvailableMemory>>20, d.TotalMemory>>20)
		}
		if d.ComputeCapability != "" {
			fmt.Fprintf(w, " compute %s", d.ComputeCapability)
		}
		fmt.Fprintln(w)
	}
}
