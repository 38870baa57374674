package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Devices struct {
		// CPU is the number of virtual CPU devices used when no GPU is present
		CPU         int  `yaml:"cpu"`
		DisableCUDA bool `yaml:"disableCuda"`
		// Requested is the number of devices a run is spread over, 0 for all
		Requested int `yaml:"requested"`
	} `yaml:"devices"`
	Simulation struct {
		Network     string        `yaml:"network"`
		MaxTimeStep float32       `yaml:"maxTimeStep"`
		StepLength  float32       `yaml:"stepLength"`
		Duration    float32       `yaml:"duration"`
		Seed        uint64        `yaml:"seed"`
		RealTime    bool          `yaml:"realTime"`
		StepTimeout time.Duration `yaml:"stepTimeout"`
	} `yaml:"simulation"`
	Server struct {
		ListenAddress string `yaml:"listenAddress"`
		ListenPort    int    `yaml:"listenPort"`
	} `yaml:"server"`
	Probe struct {
		Output string `yaml:"output"`
		// Every records one sample per this many steps
		Every int `yaml:"every"`
	} `yaml:"probe"`
}

// Defaults fills the fields left empty in the file.
func (c *Config) Defaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Devices.CPU < 1 {
		c.Devices.CPU = 1
	}
	if c.Simulation.StepLength <= 0 {
		c.Simulation.StepLength = 0.001
	}
	if c.Simulation.Duration <= 0 {
		c.Simulation.Duration = 1
	}
	if c.Simulation.StepTimeout <= 0 {
		c.Simulation.StepTimeout = 5 * time.Second
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.0.0.1"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8090
	}
	if c.Probe.Every < 1 {
		c.Probe.Every = 1
	}
}

// ListenAddr returns host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.ListenPort)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	config.Defaults()

	return &config, nil
}
