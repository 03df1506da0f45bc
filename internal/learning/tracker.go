package learning

import (
	"math/rand/v2"
	"time"
)

// Tracker defaults. Decay weights each outcome 0.9x the one after it, so
// roughly the last ten outcomes dominate the score.
const (
	DefaultDecay       = 0.9
	DefaultMinSamples  = 3
	DefaultHardCap     = 3
	DefaultBackoffBase = 500 * time.Millisecond
)

// Retry policy thresholds on the weighted success rate.
const (
	highConfidenceRate = 0.8
	lowConfidenceRate  = 0.5
)

// driverSafety orders driver strategies by isolation; ties in driver
// recommendation break toward the safer one. Labels follow the executor's
// strategy mode names.
var driverSafety = map[string]int{
	"inproc":     0,
	"thread":     1,
	"subprocess": 2,
}

// RetryStrategy is the learned plan for retrying one pattern.
type RetryStrategy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff holds the delay before each retry, exponential with jitter.
	Backoff []time.Duration
	// EscalateDriver asks the executor to run the final retries in the most
	// isolated driver available. Set when the pattern fails more than it
	// succeeds.
	EscalateDriver bool
	// RecommendedDriver is the driver with the best weighted success rate
	// for this action kind and platform. Empty when no driver has enough
	// history to judge.
	RecommendedDriver string
}

// Tracker scores patterns and builds retry strategies from store history.
// The exported fields tune scoring; NewTracker fills them with defaults.
type Tracker struct {
	store *Store

	// Decay is the per-step weight multiplier on recent outcomes, in (0,1).
	Decay float64
	// MinSamples is the minimum recent history before rates are trusted.
	MinSamples int
	// HardCap bounds MaxRetries no matter what history suggests.
	HardCap int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
}

// NewTracker creates a tracker over the given store with default tuning.
func NewTracker(store *Store) *Tracker {
	return &Tracker{
		store:       store,
		Decay:       DefaultDecay,
		MinSamples:  DefaultMinSamples,
		HardCap:     DefaultHardCap,
		BackoffBase: DefaultBackoffBase,
	}
}

// WeightedSuccessRate scores the recent history of one pattern, weighting
// outcome i (newest first) by Decay^i. Returns false when the pattern has no
// attributable history.
func (t *Tracker) WeightedSuccessRate(key PatternKey) (float64, bool) {
	rec, ok := t.store.Snapshot(key)
	if !ok || len(rec.Recent) == 0 {
		return 0, false
	}
	return t.weightedRate(rec.Recent), true
}

func (t *Tracker) weightedRate(recent []Outcome) float64 {
	num, den := 0.0, 0.0
	weight := 1.0
	for _, out := range recent {
		if out.Success {
			num += weight
		}
		den += weight
		weight *= t.decay()
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// BuildRetryStrategy derives the retry plan for one pattern:
//
//	rate >= 0.8        -> 1 retry (failures here are flakes)
//	rate >= 0.5        -> 2 retries
//	rate <  0.5        -> 3 retries, escalating to the most isolated driver
//	too little history -> 2 retries, no escalation
//
// MaxRetries never exceeds HardCap. Backoff grows exponentially from
// BackoffBase with up to 100% jitter per step.
func (t *Tracker) BuildRetryStrategy(key PatternKey) *RetryStrategy {
	rate, samples := t.trustedRate(key)

	maxRetries := 2
	escalate := false
	if samples >= t.minSamples() {
		switch {
		case rate >= highConfidenceRate:
			maxRetries = 1
		case rate >= lowConfidenceRate:
			maxRetries = 2
		default:
			maxRetries = 3
			escalate = true
		}
	}
	if cap := t.hardCap(); maxRetries > cap {
		maxRetries = cap
	}

	backoff := make([]time.Duration, maxRetries)
	for i := range backoff {
		backoff[i] = t.backoffFor(i)
	}

	return &RetryStrategy{
		MaxRetries:        maxRetries,
		Backoff:           backoff,
		EscalateDriver:    escalate,
		RecommendedDriver: t.RecommendDriver(key),
	}
}

// RecommendDriver returns the driver with the best weighted success rate for
// the key's action kind and platform, considering only drivers with at least
// MinSamples of recent history. Ties break toward the safer driver. Returns
// empty when no driver qualifies, which callers should read as "keep the
// configured default".
func (t *Tracker) RecommendDriver(key PatternKey) string {
	best := ""
	bestRate := -1.0
	for _, rec := range t.store.RecordsFor(key.Kind, key.Platform) {
		if len(rec.Recent) < t.minSamples() {
			continue
		}
		rate := t.weightedRate(rec.Recent)
		if rate > bestRate || (rate == bestRate && driverSafety[rec.Key.Driver] > driverSafety[best]) {
			bestRate = rate
			best = rec.Key.Driver
		}
	}
	return best
}

// trustedRate returns the weighted rate and how many recent samples back it.
func (t *Tracker) trustedRate(key PatternKey) (float64, int) {
	rec, ok := t.store.Snapshot(key)
	if !ok {
		return 0, 0
	}
	return t.weightedRate(rec.Recent), len(rec.Recent)
}

// backoffFor computes the delay before retry i: base*2^i plus jitter in
// [0, base*2^i), so concurrent retries against one platform spread out.
func (t *Tracker) backoffFor(i int) time.Duration {
	base := t.backoffBase() << uint(i)
	return base + time.Duration(rand.Int64N(int64(base)))
}

func (t *Tracker) decay() float64 {
	if t.Decay > 0 && t.Decay < 1 {
		return t.Decay
	}
	return DefaultDecay
}

func (t *Tracker) minSamples() int {
	if t.MinSamples > 0 {
		return t.MinSamples
	}
	return DefaultMinSamples
}

func (t *Tracker) hardCap() int {
	if t.HardCap > 0 {
		return t.HardCap
	}
	return DefaultHardCap
}

func (t *Tracker) backoffBase() time.Duration {
	if t.BackoffBase > 0 {
		return t.BackoffBase
	}
	return DefaultBackoffBase
}
