package learning

import (
	"math"
	"sort"
	"time"
)

// DurationEstimate summarizes how long a pattern's successful attempts take.
// P90 is the interesting number for timeout budgeting: a request budget below
// it will time out on attempts that were going to succeed.
type DurationEstimate struct {
	Samples int
	P50     time.Duration
	P90     time.Duration
}

// EstimateDuration computes duration percentiles over the recent successful
// outcomes of one pattern. Failed attempts are excluded: their durations
// measure the timeout budget, not the action. Returns false when there are
// no successful samples.
func (t *Tracker) EstimateDuration(key PatternKey) (*DurationEstimate, bool) {
	rec, ok := t.store.Snapshot(key)
	if !ok {
		return nil, false
	}

	var samples []time.Duration
	for _, out := range rec.Recent {
		if out.Success && out.Duration > 0 {
			samples = append(samples, out.Duration)
		}
	}
	if len(samples) == 0 {
		return nil, false
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return &DurationEstimate{
		Samples: len(samples),
		P50:     percentile(samples, 0.50),
		P90:     percentile(samples, 0.90),
	}, true
}

// percentile uses the nearest-rank method over a sorted sample slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
