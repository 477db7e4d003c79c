package ratelimit

import (
	"math"
	"time"
)

// adaptive scales a base algorithm's rate by a factor in [minFactor, 1].
// The factor drops immediately to 1 - failure_ratio and climbs back by
// step per successful response.
type adaptive struct {
	base     algorithm
	baseRate float64

	factor           float64
	minFactor        float64
	step             float64
	latencyThreshold time.Duration

	samples  []bool // true = failure
	next     int
	filled   int
	failures int
}

func newAdaptive(base algorithm, cfg Config) *adaptive {
	return &adaptive{
		base:             base,
		baseRate:         cfg.Rate,
		factor:           1,
		minFactor:        cfg.MinFactor,
		step:             cfg.RecoveryStep,
		latencyThreshold: cfg.LatencyThreshold,
		samples:          make([]bool, cfg.SampleSize),
	}
}

func (a *adaptive) allow(now time.Time) bool { return a.base.allow(now) }

func (a *adaptive) setRate(now time.Time, r float64) {
	a.baseRate = r
	a.base.setRate(now, r*a.factor)
}

func (a *adaptive) record(now time.Time, latency time.Duration, success bool) {
	failed := !success || (a.latencyThreshold > 0 && latency > a.latencyThreshold)

	if a.filled == len(a.samples) {
		if a.samples[a.next] {
			a.failures--
		}
	} else {
		a.filled++
	}
	a.samples[a.next] = failed
	if failed {
		a.failures++
	}
	a.next = (a.next + 1) % len(a.samples)

	target := 1 - a.failureRatio()
	switch {
	case target < a.factor:
		a.factor = math.Max(a.minFactor, target)
	case !failed:
		a.factor = math.Min(target, a.factor+a.step)
	}
	a.base.setRate(now, a.baseRate*a.factor)
}

func (a *adaptive) failureRatio() float64 {
	if a.filled == 0 {
		return 0
	}
	return float64(a.failures) / float64(a.filled)
}
