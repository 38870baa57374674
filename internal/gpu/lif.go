package gpu

import (
	"fmt"
	"math"
)

// lifStep is the LIF update of the CPU backend. It matches lif_step_kernel
// in cuda/nef_cuda.cu.
func lifStep(current, voltage, refractory, spiked []float32, tauRC, tauRef, dt float32) error {
	n := len(current)
	if len(voltage) != n || len(refractory) != n || len(spiked) != n {
		return fmt.Errorf("LIF buffer size mismatch: current=%d voltage=%d refractory=%d spiked=%d",
			n, len(voltage), len(refractory), len(spiked))
	}
	if tauRC <= 0 {
		return fmt.Errorf("tauRC must be positive, got %g", tauRC)
	}
	if dt <= 0 {
		return fmt.Errorf("dt must be positive, got %g", dt)
	}

	rc := float64(tauRC)
	step := float64(dt)
	for i := 0; i < n; i++ {
		j := float64(current[i])
		v := float64(voltage[i])
		ref := float64(refractory[i]) - step

		// Only the part of the step outside the refractory period integrates.
		delta := step - ref
		if delta < 0 {
			delta = 0
		} else if delta > step {
			delta = step
		}
		v -= (j - v) * math.Expm1(-delta/rc)

		spiked[i] = 0
		if v > 1 {
			spiked[i] = 1
			// Overshoot places the spike inside the step; the remainder counts
			// towards the refractory period.
			tSpike := step + rc*math.Log1p(-(v-1)/(j-1))
			v = 0
			ref = float64(tauRef) + tSpike
		}
		if v < 0 {
			v = 0
		}
		voltage[i] = float32(v)
		refractory[i] = float32(ref)
	}
	return nil
}

// lifRate computes steady-state firing rates for constant input currents.
func lifRate(current, rates []float32, tauRC, tauRef float32) error {
	if len(current) != len(rates) {
		return fmt.Errorf("LIF rate buffer size mismatch: current=%d rates=%d", len(current), len(rates))
	}
	if tauRC <= 0 {
		return fmt.Errorf("tauRC must be positive, got %g", tauRC)
	}
	for i, j := range current {
		rates[i] = float32(LIFRate(float64(j), float64(tauRC), float64(tauRef)))
	}
	return nil
}

// LIFRate returns the firing rate of a LIF neuron driven by constant current j.
func LIFRate(j, tauRC, tauRef float64) float64 {
	if j <= 1 {
		return 0
	}
	return 1 / (tauRef - tauRC*math.Log1p(-1/j))
}
