package digest

import (
	"fmt"
	"math"
	"sync"

	"github.com/axiomhq/digest/decay"
)

// DecayingTDigest is a TDigest whose older values weigh exponentially less.
// It is safe for concurrent use.
type DecayingTDigest struct {
	digest *TDigest
	alpha  float64
	clock  decay.Clock

	mu       sync.Mutex
	landmark int64
}

// NewDecayingTDigest returns an empty digest. A nil clock uses the wall clock.
func NewDecayingTDigest(compression, alpha float64, clock decay.Clock) (*DecayingTDigest, error) {
	if err := decay.ValidateAlpha(alpha); err != nil {
		return nil, err
	}
	d, err := NewTDigest(compression)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = decay.SystemClock{}
	}
	return &DecayingTDigest{
		digest:   d,
		alpha:    alpha,
		clock:    clock,
		landmark: decay.Seconds(clock.Now()),
	}, nil
}

// Add records value as observed now.
func (d *DecayingTDigest) Add(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: value %v", ErrInvalidValue, value)
	}

	now := decay.Seconds(d.clock.Now())
	d.mu.Lock()
	defer d.mu.Unlock()

	if now-d.landmark >= int64(decay.RescaleThreshold.Seconds()) {
		d.digest.Rescale(d.alpha, d.landmark, now)
		d.landmark = now
	}
	return d.digest.AddWeighted(value, math.Exp(d.alpha*float64(now-d.landmark)))
}

// Count is the decayed number of values.
func (d *DecayingTDigest) Count() float64 {
	now := decay.Seconds(d.clock.Now())
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digest.Count() / math.Exp(d.alpha*float64(now-d.landmark))
}

// ValueAt ...
func (d *DecayingTDigest) ValueAt(q float64) (float64, error) {
	return d.digest.ValueAt(q)
}

// ValuesAt ...
func (d *DecayingTDigest) ValuesAt(qs []float64) ([]float64, error) {
	return d.digest.ValuesAt(qs)
}

// Min ...
func (d *DecayingTDigest) Min() float64 {
	return d.digest.Min()
}

// Max ...
func (d *DecayingTDigest) Max() float64 {
	return d.digest.Max()
}

// Alpha ...
func (d *DecayingTDigest) Alpha() float64 {
	return d.alpha
}

// Duplicate returns an independent copy sharing only the clock.
func (d *DecayingTDigest) Duplicate() *DecayingTDigest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &DecayingTDigest{
		digest:   CopyOf(d.digest),
		alpha:    d.alpha,
		clock:    d.clock,
		landmark: d.landmark,
	}
}

// Reset empties the digest.
func (d *DecayingTDigest) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digest.Reset()
	d.landmark = decay.Seconds(d.clock.Now())
}
