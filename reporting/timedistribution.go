package reporting

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/axiomhq/digest"
	"github.com/axiomhq/digest/decay"
)

const (
	timeDistributionMaxError = 0.01
	segments                 = 16
	mergeInterval            = time.Second
)

// TimeDistribution tracks durations in a quantile digest. Adds are spread over
// striped partial digests that are folded into a merged digest at most once
// per second, so reads may lag adds by up to that interval.
//
type TimeDistribution struct {
	count *decay.Counter
	unit  time.Duration
	alpha float64
	clock decay.Clock

	locks    [segments]sync.Mutex
	partials [segments]*digest.QuantileDigest

	mu        sync.Mutex
	merged    *digest.QuantileDigest
	lastMerge time.Time
}

// NewTimeDistribution returns an empty distribution reporting in seconds
// unless WithUnit says otherwise.
//
func NewTimeDistribution(opts ...Option) (*TimeDistribution, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.unit <= 0 {
		return nil, fmt.Errorf("unit must be positive, got %v", o.unit)
	}

	merged, err := newTimeDigest(o.alpha, o.clock)
	if err != nil {
		return nil, fmt.Errorf("new quantile digest: %w", err)
	}

	td := &TimeDistribution{
		count:  decay.NewCounter(o.alpha, o.clock),
		unit:   o.unit,
		alpha:  o.alpha,
		clock:  o.clock,
		merged: merged,
	}
	for i := range td.partials {
		td.partials[i], err = newTimeDigest(o.alpha, o.clock)
		if err != nil {
			return nil, fmt.Errorf("new quantile digest: %w", err)
		}
	}
	return td, nil
}

func newTimeDigest(alpha float64, clock decay.Clock) (*digest.QuantileDigest, error) {
	return digest.NewQuantileDigest(timeDistributionMaxError,
		digest.WithAlpha(alpha),
		digest.WithClock(clock),
	)
}

// Add records one duration.
func (td *TimeDistribution) Add(d time.Duration) {
	td.AddNanos(int64(d))
}

// AddNanos records one duration given in nanoseconds.
func (td *TimeDistribution) AddNanos(nanos int64) {
	segment := rand.Intn(segments)

	td.locks[segment].Lock()
	td.partials[segment].Add(nanos)
	td.locks[segment].Unlock()

	td.count.Add(1)
}

// mergedLocked folds the partials into the merged digest when the last merge
// is older than mergeInterval. td.mu must be held.
func (td *TimeDistribution) mergedLocked() *digest.QuantileDigest {
	now := td.clock.Now()
	if td.lastMerge.IsZero() || now.Sub(td.lastMerge) > mergeInterval {
		td.lastMerge = now
		td.mergeAllLocked()
	}
	return td.merged
}

func (td *TimeDistribution) mergeAllLocked() {
	for i := range td.partials {
		td.locks[i].Lock()
		err := td.merged.Merge(td.partials[i])
		td.locks[i].Unlock()
		if err != nil {
			// every digest is built by newTimeDigest with the same settings
			panic(err)
		}
	}
}

func (td *TimeDistribution) toUnit(nanos int64) float64 {
	if nanos == math.MaxInt64 || nanos == math.MinInt64 {
		return math.NaN()
	}
	return float64(nanos) / float64(td.unit)
}

func (td *TimeDistribution) quantile(q float64) float64 {
	td.mu.Lock()
	defer td.mu.Unlock()

	v, err := td.mergedLocked().Quantile(q)
	if err != nil {
		return math.NaN()
	}
	return td.toUnit(v)
}

// MaxError is the rank error actually observed in the merged digest.
func (td *TimeDistribution) MaxError() float64 {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.mergedLocked().ConfidenceFactor()
}

// Count is the decayed number of durations added. Unlike the quantiles it is
// always up to date.
func (td *TimeDistribution) Count() float64 {
	return td.count.Count()
}

// P50 ...
func (td *TimeDistribution) P50() float64 { return td.quantile(0.5) }

// P75 ...
func (td *TimeDistribution) P75() float64 { return td.quantile(0.75) }

// P90 ...
func (td *TimeDistribution) P90() float64 { return td.quantile(0.9) }

// P95 ...
func (td *TimeDistribution) P95() float64 { return td.quantile(0.95) }

// P99 ...
func (td *TimeDistribution) P99() float64 { return td.quantile(0.99) }

// Min is NaN when the distribution is empty.
func (td *TimeDistribution) Min() float64 {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.toUnit(td.mergedLocked().Min())
}

// Max is NaN when the distribution is empty.
func (td *TimeDistribution) Max() float64 {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.toUnit(td.mergedLocked().Max())
}

// Unit ...
func (td *TimeDistribution) Unit() time.Duration {
	return td.unit
}

// Percentiles maps 0, 0.01, ... 0.99 to their values, computed in a single
// pass over the merged digest.
func (td *TimeDistribution) Percentiles() map[float64]float64 {
	qs := make([]float64, 100)
	for i := range qs {
		qs[i] = float64(i) / 100
	}

	td.mu.Lock()
	values, err := td.mergedLocked().Quantiles(qs)
	td.mu.Unlock()

	out := make(map[float64]float64, len(qs))
	for i, q := range qs {
		if err != nil {
			out[q] = math.NaN()
			continue
		}
		out[q] = td.toUnit(values[i])
	}
	return out
}

// Snapshot reads every reported value under a single merge.
func (td *TimeDistribution) Snapshot() TimeDistributionSnapshot {
	td.mu.Lock()
	defer td.mu.Unlock()

	merged := td.mergedLocked()
	values, err := merged.Quantiles([]float64{0.5, 0.75, 0.9, 0.95, 0.99})
	if err != nil {
		values = []int64{math.MaxInt64, math.MaxInt64, math.MaxInt64, math.MaxInt64, math.MaxInt64}
	}

	return TimeDistributionSnapshot{
		MaxError: Float(merged.ConfidenceFactor()),
		Count:    Float(td.count.Count()),
		P50:      Float(td.toUnit(values[0])),
		P75:      Float(td.toUnit(values[1])),
		P90:      Float(td.toUnit(values[2])),
		P95:      Float(td.toUnit(values[3])),
		P99:      Float(td.toUnit(values[4])),
		Min:      Float(td.toUnit(merged.Min())),
		Max:      Float(td.toUnit(merged.Max())),
		Unit:     td.unit.String(),
	}
}

// Duplicate returns an independent copy holding everything added so far.
func (td *TimeDistribution) Duplicate() *TimeDistribution {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.mergeAllLocked()

	c := &TimeDistribution{
		count:     td.count.Duplicate(),
		unit:      td.unit,
		alpha:     td.alpha,
		clock:     td.clock,
		merged:    td.merged.Duplicate(),
		lastMerge: td.lastMerge,
	}
	for i := range c.partials {
		// the partials are empty right after mergeAllLocked
		c.partials[i] = td.merged.Duplicate()
		c.partials[i].Reset()
	}
	return c
}

// Reset forgets everything added so far.
func (td *TimeDistribution) Reset() {
	td.mu.Lock()
	defer td.mu.Unlock()

	for i := range td.partials {
		td.locks[i].Lock()
		td.partials[i].Reset()
		td.locks[i].Unlock()
	}
	td.merged.Reset()
	td.count.Reset()
	td.lastMerge = time.Time{}
}
