package reporting

import (
	"fmt"
	"math"

	"github.com/axiomhq/digest"
)

var distributionQuantiles = []float64{0.5, 0.75, 0.9, 0.95, 0.99, 0.999}

// Distribution tracks float64 values in a decaying t-digest.
//
type Distribution struct {
	digest *digest.DecayingTDigest
}

// NewDistribution ...
func NewDistribution(opts ...Option) (*Distribution, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	d, err := digest.NewDecayingTDigest(o.compression, o.alpha, o.clock)
	if err != nil {
		return nil, fmt.Errorf("new decaying tdigest: %w", err)
	}
	return &Distribution{digest: d}, nil
}

// Add records value. NaN and infinite values are rejected.
func (d *Distribution) Add(value float64) error {
	return d.digest.Add(value)
}

// Count is the decayed number of values added.
func (d *Distribution) Count() float64 {
	return d.digest.Count()
}

func (d *Distribution) valueAt(q float64) float64 {
	v, err := d.digest.ValueAt(q)
	if err != nil {
		return math.NaN()
	}
	return v
}

// P50 ...
func (d *Distribution) P50() float64 { return d.valueAt(0.5) }

// P75 ...
func (d *Distribution) P75() float64 { return d.valueAt(0.75) }

// P90 ...
func (d *Distribution) P90() float64 { return d.valueAt(0.9) }

// P95 ...
func (d *Distribution) P95() float64 { return d.valueAt(0.95) }

// P99 ...
func (d *Distribution) P99() float64 { return d.valueAt(0.99) }

// P999 ...
func (d *Distribution) P999() float64 { return d.valueAt(0.999) }

// Min is NaN when the distribution is empty.
func (d *Distribution) Min() float64 {
	return d.digest.Min()
}

// Max is NaN when the distribution is empty.
func (d *Distribution) Max() float64 {
	return d.digest.Max()
}

// Percentiles maps 0, 0.01, ... 0.99 to their values.
func (d *Distribution) Percentiles() map[float64]float64 {
	qs := make([]float64, 100)
	for i := range qs {
		qs[i] = float64(i) / 100
	}
	values, err := d.digest.ValuesAt(qs)

	out := make(map[float64]float64, len(qs))
	for i, q := range qs {
		if err != nil {
			out[q] = math.NaN()
			continue
		}
		out[q] = values[i]
	}
	return out
}

// Snapshot reads every reported value from one view of the digest.
func (d *Distribution) Snapshot() DistributionSnapshot {
	values, err := d.digest.ValuesAt(distributionQuantiles)
	if err != nil {
		values = make([]float64, len(distributionQuantiles))
		for i := range values {
			values[i] = math.NaN()
		}
	}
	return DistributionSnapshot{
		Count: Float(d.digest.Count()),
		P50:   Float(values[0]),
		P75:   Float(values[1]),
		P90:   Float(values[2]),
		P95:   Float(values[3]),
		P99:   Float(values[4]),
		P999:  Float(values[5]),
		Min:   Float(d.digest.Min()),
		Max:   Float(d.digest.Max()),
	}
}

// Duplicate returns an independent copy.
func (d *Distribution) Duplicate() *Distribution {
	return &Distribution{digest: d.digest.Duplicate()}
}

// Reset forgets everything added so far.
func (d *Distribution) Reset() {
	d.digest.Reset()
}
