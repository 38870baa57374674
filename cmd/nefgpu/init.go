package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/nefgpu/fixtures"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var examples = map[string][]byte{
	"integrator": fixtures.IntegratorNetwork,
	"channel":    fixtures.ChannelNetwork,
}

func initCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a template config and an example network",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: ".", Usage: "Directory to write into"},
			&cli.StringFlag{Name: "example", Value: "integrator", Usage: "Example network: integrator or channel"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite existing files"},
		},
		Action: func(c *cli.Context) error {
			network, ok := examples[c.String("example")]
			if !ok {
				return fmt.Errorf("unknown example network %q", c.String("example"))
			}

			dir := c.String("dir")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			files := []struct {
				name string
				data []byte
			}{
				{defaultConfigPath, fixtures.ConfigTemplate},
				{"network.yaml", network},
			}
			for _, f := range files {
				path := filepath.Join(dir, f.name)
				if err := writeFile(path, f.data, c.Bool("force")); err != nil {
					return err
				}
				e.log.Info("Wrote file", zap.String("path", path))
			}
			return nil
		},
	}
}

func writeFile(path string, data []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
