package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkConfig describes a network of LIF ensembles, function inputs and the
// connections between them.
type NetworkConfig struct {
	Name        string             `yaml:"name"`
	Seed        uint64             `yaml:"seed"`
	MaxTimeStep float32            `yaml:"maxTimeStep"`
	Ensembles   []EnsembleConfig   `yaml:"ensembles"`
	Inputs      []InputConfig      `yaml:"inputs"`
	Connections []ConnectionConfig `yaml:"connections"`
	Probes      []string           `yaml:"probes"`
}

type EnsembleConfig struct {
	Name          string              `yaml:"name"`
	Neurons       int                 `yaml:"neurons"`
	Dimensions    int                 `yaml:"dimensions"`
	TauRC         float32             `yaml:"tauRC"`
	TauRef        float32             `yaml:"tauRef"`
	MaxRate       Distribution        `yaml:"maxRate"`
	Intercept     Distribution        `yaml:"intercept"`
	Encoders      [][]float64         `yaml:"encoders,omitempty"`
	Spiking       *bool               `yaml:"spiking,omitempty"`
	CollectSpikes bool                `yaml:"collectSpikes"`
	Device        *int                `yaml:"device,omitempty"`
	Noise         float64             `yaml:"noise"`
	EvalPoints    int                 `yaml:"evalPoints"`
	Origins       []OriginConfig      `yaml:"origins"`
	Terminations  []TerminationConfig `yaml:"terminations"`
}

// IsSpiking reports whether the ensemble emits spikes; it does unless the
// file says otherwise.
func (e *EnsembleConfig) IsSpiking() bool {
	return e.Spiking == nil || *e.Spiking
}

// DeviceIndex returns the pinned device or -1.
func (e *EnsembleConfig) DeviceIndex() int {
	if e.Device == nil {
		return -1
	}
	return *e.Device
}

// Distribution samples neuron parameters. Kind is "uniform" (Low, High) or
// "gaussian" (Mean, Variance).
type Distribution struct {
	Kind     string  `yaml:"distribution"`
	Low      float64 `yaml:"low"`
	High     float64 `yaml:"high"`
	Mean     float64 `yaml:"mean"`
	Variance float64 `yaml:"variance"`
}

type OriginConfig struct {
	Name     string `yaml:"name"`
	Function string `yaml:"function"`
}

type TerminationConfig struct {
	Name      string      `yaml:"name"`
	Transform [][]float64 `yaml:"transform"`
	Tau       float32     `yaml:"tau"`
	// Decoded terminations default to true; with false the transform maps
	// the input straight onto the neurons.
	Decoded *bool `yaml:"decoded,omitempty"`
}

// IsDecoded reports whether the termination feeds the represented value
func (t *TerminationConfig) IsDecoded() bool {
	return t.Decoded == nil || *t.Decoded
}

// InputConfig is a function of time driving terminations. Function is one of
// "constant" (Value), "sine" (Amplitude, Frequency, Phase) or "step" (Time,
// Before, After).
type InputConfig struct {
	Name       string    `yaml:"name"`
	Function   string    `yaml:"function"`
	Dimensions int       `yaml:"dimensions"`
	Value      []float64 `yaml:"value,omitempty"`
	Amplitude  float64   `yaml:"amplitude,omitempty"`
	Frequency  float64   `yaml:"frequency,omitempty"`
	Phase      float64   `yaml:"phase,omitempty"`
	Time       float64   `yaml:"time,omitempty"`
	Before     []float64 `yaml:"before,omitempty"`
	After      []float64 `yaml:"after,omitempty"`
}

// ConnectionConfig links an input or an ensemble origin ("ensemble.origin")
// to an ensemble termination ("ensemble.termination").
type ConnectionConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SplitRef splits "node.port" into its two halves.
func SplitRef(ref string) (node, port string, err error) {
	node, port, ok := strings.Cut(ref, ".")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("reference %q must have the form node.port", ref)
	}
	return node, port, nil
}

func LoadNetworkConfig(path string) (*NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseNetworkConfig(data)
}

// ParseNetworkConfig decodes a network description and fills defaults.
func ParseNetworkConfig(data []byte) (*NetworkConfig, error) {
	var config NetworkConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if len(config.Ensembles) == 0 {
		return nil, fmt.Errorf("network config has no ensembles")
	}
	config.defaults()
	return &config, nil
}

func (c *NetworkConfig) defaults() {
	if c.MaxTimeStep <= 0 {
		c.MaxTimeStep = 0.001
	}
	for i := range c.Ensembles {
		e := &c.Ensembles[i]
		if e.Dimensions < 1 {
			e.Dimensions = 1
		}
		if e.TauRC <= 0 {
			e.TauRC = 0.02
		}
		if e.TauRef <= 0 {
			e.TauRef = 0.002
		}
		if e.MaxRate.Kind == "" {
			e.MaxRate = Distribution{Kind: "uniform", Low: 200, High: 400}
		}
		if e.Intercept.Kind == "" {
			e.Intercept = Distribution{Kind: "uniform", Low: -1, High: 1}
		}
		if e.Noise <= 0 {
			e.Noise = 0.1
		}
		if e.EvalPoints <= 0 {
			e.EvalPoints = 500
		}
		if len(e.Origins) == 0 {
			e.Origins = []OriginConfig{{Name: "X", Function: "identity"}}
		}
		for o := range e.Origins {
			if e.Origins[o].Function == "" {
				e.Origins[o].Function = "identity"
			}
		}
	}
	for i := range c.Inputs {
		in := &c.Inputs[i]
		if in.Dimensions < 1 {
			switch {
			case len(in.Value) > 0:
				in.Dimensions = len(in.Value)
			case len(in.After) > 0:
				in.Dimensions = len(in.After)
			default:
				in.Dimensions = 1
			}
		}
	}
}
