package engine

import (
	"fmt"
	"sort"
)

// usedDevices returns how many devices a network needs at most: one per
// ensemble, but never fewer than the highest pinned device.
func usedDevices(ensembles []Ensemble) int {
	used := len(ensembles)
	for i := range ensembles {
		if d := ensembles[i].Device; d+1 > used {
			used = d + 1
		}
	}
	return used
}

// partition assigns every ensemble to one of the devices. Pinned ensembles stay
// where they were put; the rest go, largest first, to the least loaded device.
func partition(ensembles []Ensemble, devices int) ([]int, error) {
	if devices < 1 {
		return nil, fmt.Errorf("cannot partition onto %d devices", devices)
	}

	assignment := make([]int, len(ensembles))
	load := make([]int, devices)
	var auto []int

	for i := range ensembles {
		d := ensembles[i].Device
		if d == AutoDevice {
			auto = append(auto, i)
			continue
		}
		if d >= devices {
			return nil, fmt.Errorf("ensemble %d is pinned to device %d but only %d devices are in use", i, d, devices)
		}
		assignment[i] = d
		load[d] += ensembles[i].NumNeurons
	}

	sort.SliceStable(auto, func(a, b int) bool {
		return ensembles[auto[a]].NumNeurons > ensembles[auto[b]].NumNeurons
	})

	for _, i := range auto {
		best := 0
		for d := 1; d < devices; d++ {
			if load[d] < load[best] {
				best = d
			}
		}
		assignment[i] = best
		load[best] += ensembles[i].NumNeurons
	}
	return assignment, nil
}
