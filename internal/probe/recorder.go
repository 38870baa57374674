// Package probe records decoded origin values and spikes as the simulation
// steps and hands them to files and websocket clients.
package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Target names one origin to record.
type Target struct {
	Name     string
	Ensemble int
	Origin   int
}

// SpikeTarget names an ensemble whose spikes are recorded.
type SpikeTarget struct {
	Name     string
	Ensemble int
}

// Sample is one recorded time point. Spikes lists the indices of the neurons
// that fired during the step.
type Sample struct {
	Time   float32              `json:"t"`
	Values map[string][]float32 `json:"values"`
	Spikes map[string][]int     `json:"spikes,omitempty"`
}

// Publisher receives every recorded sample.
type Publisher interface {
	Publish(Sample)
}

// Recorder turns step outputs into samples. It is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	targets    []Target
	spikes     []SpikeTarget
	every      int
	steps      int
	enc        *json.Encoder
	publishers []Publisher
	samples    int
	keep       bool
	history    []Sample
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWriter writes every sample as one JSON line to w.
func WithWriter(w io.Writer) Option {
	return func(r *Recorder) { r.enc = json.NewEncoder(w) }
}

// WithPublisher forwards samples to p.
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publishers = append(r.publishers, p) }
}

// WithEvery records one sample per n steps.
func WithEvery(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.every = n
		}
	}
}

// WithHistory keeps every sample in memory.
func WithHistory() Option {
	return func(r *Recorder) { r.keep = true }
}

// NewRecorder creates a recorder for the given origins and spiking ensembles.
func NewRecorder(targets []Target, spikes []SpikeTarget, opts ...Option) *Recorder {
	r := &Recorder{targets: targets, spikes: spikes, every: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record takes the outputs and spikes of the step ending at t.
func (r *Recorder) Record(t float32, outputs [][][]float32, spikes [][]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps++
	if (r.steps-1)%r.every != 0 {
		return nil
	}

	sample := Sample{Time: t, Values: make(map[string][]float32, len(r.targets))}
	for _, target := range r.targets {
		if target.Ensemble >= len(outputs) || target.Origin >= len(outputs[target.Ensemble]) {
			return fmt.Errorf("probe %q refers to a missing origin", target.Name)
		}
		sample.Values[target.Name] = append([]float32(nil), outputs[target.Ensemble][target.Origin]...)
	}
	if len(r.spikes) > 0 {
		sample.Spikes = make(map[string][]int, len(r.spikes))
		for _, target := range r.spikes {
			if target.Ensemble >= len(spikes) {
				return fmt.Errorf("spike probe %q refers to a missing ensemble", target.Name)
			}
			fired := []int{}
			for n, v := range spikes[target.Ensemble] {
				if v != 0 {
					fired = append(fired, n)
				}
			}
			sample.Spikes[target.Name] = fired
		}
	}

	if r.enc != nil {
		if err := r.enc.Encode(sample); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}
	for _, p := range r.publishers {
		p.Publish(sample)
	}
	if r.keep {
		r.history = append(r.history, sample)
	}
	r.samples++
	return nil
}

// Samples returns the number of samples recorded so far
func (r *Recorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// History returns the kept samples, see WithHistory.
func (r *Recorder) History() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.history...)
}
