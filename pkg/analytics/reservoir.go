package analytics

import (
	"sort"
	"time"
)

// DefaultReservoirSize bounds latency memory per provider.
const DefaultReservoirSize = 1024

// Reservoir is a fixed-size ring of the most recent latency samples.
// It is not safe for concurrent use; stats guards it.
type Reservoir struct {
	samples []time.Duration
	next    int
	full    bool
}

func NewReservoir(size int) *Reservoir {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &Reservoir{samples: make([]time.Duration, size)}
}

// Add records a sample, overwriting the oldest once full.
func (r *Reservoir) Add(d time.Duration) {
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of samples held.
func (r *Reservoir) Len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Copy returns the held samples in no particular order.
func (r *Reservoir) Copy() []time.Duration {
	out := make([]time.Duration, r.Len())
	copy(out, r.samples[:r.Len()])
	return out
}

// Percentile returns the nearest-rank percentile p (0-100) of samples, which
// it sorts in place. Zero when empty.
func Percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	rank := int(p/100*float64(len(samples))+0.999999999) - 1
	if rank < 0 {
		rank = 0
	}
	return samples[rank]
}
