// Package series holds the per-tag sample buffers shown to the operator.
//
// A buffer is seeded from a historical snapshot and then extended by live
// pushes. The two paths are bounded differently: a snapshot is decimated to
// at most SnapshotCapacity points, while every live append trims the buffer
// to LiveCapacity by evicting the oldest samples.
package series

import "time"

// Sample is one observed value of a tag.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Downsample decimates samples to at most max points with a fixed
// stride of max(1, len/max), starting at the first sample. Order is
// preserved. A non-positive max returns a copy of samples.
func Downsample(samples []Sample, max int) []Sample {
	if max <= 0 || len(samples) <= max {
		out := make([]Sample, len(samples))
		copy(out, samples)
		return out
	}

	step := len(samples) / max
	if step < 1 {
		step = 1
	}

	out := make([]Sample, 0, max)
	for i := 0; i < len(samples) && len(out) < max; i += step {
		out = append(out, samples[i])
	}
	return out
}
