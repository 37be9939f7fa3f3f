package digest

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/axiomhq/digest/decay"
)

const (
	// DefaultCompression is the compression used by NewDefaultTDigest.
	DefaultCompression = 100
	// MinCompression is the smallest compression accepted by NewTDigest.
	MinCompression = 10
)

// tdigestIDs orders locks when two digests merge each other.
var tdigestIDs atomic.Uint64

// TDigest is a merging t-digest over float64 values. It is safe for
// concurrent use.
type TDigest struct {
	id          atomic.Uint64
	compression float64
	maxSize     int

	mu sync.Mutex
	// centroids is sorted by mean and never modified once assigned, so
	// readers may use it after releasing mu.
	centroids []Centroid
	buffer    *centroidBuffer
	count     float64
	min       float64
	max       float64
	backwards bool
}

// NewTDigest returns an empty digest. Higher compression keeps more
// centroids and gives more accurate answers.
func NewTDigest(compression float64) (*TDigest, error) {
	if !(compression >= MinCompression) || math.IsInf(compression, 1) {
		return nil, fmt.Errorf("compression factor must be >= %d, got %v", MinCompression, compression)
	}

	maxSize := int(6 * (2*compression + 10))
	buffer, err := newCentroidBuffer(maxSize)
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	d := &TDigest{
		compression: compression,
		maxSize:     maxSize,
		buffer:      buffer,
		min:         math.Inf(1),
		max:         math.Inf(-1),
	}
	d.id.Store(tdigestIDs.Add(1))
	return d, nil
}

// lockOrder is the id ordering the locks of two merging digests. A digest
// that did not come from a constructor gets one on first use.
func (d *TDigest) lockOrder() uint64 {
	if id := d.id.Load(); id != 0 {
		return id
	}
	d.id.CompareAndSwap(0, tdigestIDs.Add(1))
	return d.id.Load()
}

// NewDefaultTDigest ...
func NewDefaultTDigest() *TDigest {
	d, err := NewTDigest(DefaultCompression)
	if err != nil {
		panic(err)
	}
	return d
}

// Add records one occurrence of value.
func (d *TDigest) Add(value float64) error {
	return d.AddWeighted(value, 1)
}

// AddWeighted records value with the given weight. NaN or infinite input is
// rejected without touching the digest.
func (d *TDigest) AddWeighted(value, weight float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: value %v", ErrInvalidValue, value)
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
		return fmt.Errorf("%w: weight %v", ErrInvalidValue, weight)
	}
	if weight == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.centroids)+d.buffer.size() >= d.maxSize {
		d.compressLocked(2 * d.compression)
	}
	d.buffer.push(value, weight)
	d.count += weight
	d.min = math.Min(d.min, value)
	d.max = math.Max(d.max, value)
	return nil
}

// MergeWith adds the contents of other into d. other is not modified. Locks
// are taken in instance creation order so that two digests can merge each
// other concurrently.
func (d *TDigest) MergeWith(other *TDigest) error {
	if other == d {
		d.mu.Lock()
		defer d.mu.Unlock()
		pending := d.buffer.clone()
		d.buffer.pushAll(d.centroids)
		d.buffer.pushAll(pending.vec)
		d.count *= 2
		d.compressLocked(2 * d.compression)
		return nil
	}

	first, second := d, other
	if other.lockOrder() < d.lockOrder() {
		first, second = other, d
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if other.compression != d.compression {
		return fmt.Errorf("%w: compression %v/%v", ErrIncompatibleDigest, d.compression, other.compression)
	}

	d.buffer.pushAll(other.centroids)
	d.buffer.pushAll(other.buffer.vec)
	d.count += other.count
	d.min = math.Min(d.min, other.min)
	d.max = math.Max(d.max, other.max)
	if len(d.centroids)+d.buffer.size() >= d.maxSize {
		d.compressLocked(2 * d.compression)
	}
	return nil
}

// compressLocked folds the buffer into the centroids, merging neighbours as
// long as the scale function allows. The direction alternates between calls
// to avoid biasing one tail.
func (d *TDigest) compressLocked(compression float64) {
	all := mergeSorted(d.centroids, d.buffer.sorted())
	d.buffer.clear()
	if len(all) == 0 {
		d.centroids = nil
		return
	}
	if d.backwards {
		reverseCentroids(all)
	}

	total := d.count
	normalizer := compression / (4*math.Log(total/compression) + 24)

	out := make([]Centroid, 0, len(all))
	cur := all[0]
	var weightSoFar float64
	currentQuantile := 0.0
	currentQuantileMaxClusterSize := maxRelativeClusterSize(currentQuantile, normalizer)

	for _, c := range all[1:] {
		tentativeWeight := cur.Weight + c.Weight
		tentativeQuantile := math.Min((weightSoFar+tentativeWeight)/total, 1)
		maxClusterWeight := total * math.Min(currentQuantileMaxClusterSize, maxRelativeClusterSize(tentativeQuantile, normalizer))

		if tentativeWeight <= maxClusterWeight {
			cur = cur.absorb(c)
			continue
		}

		out = append(out, cur)
		weightSoFar += cur.Weight
		currentQuantile = weightSoFar / total
		currentQuantileMaxClusterSize = maxRelativeClusterSize(currentQuantile, normalizer)
		cur = c
	}
	out = append(out, cur)

	if d.backwards {
		reverseCentroids(out)
	}
	d.backwards = !d.backwards
	d.centroids = out
}

func maxRelativeClusterSize(q, normalizer float64) float64 {
	return q * (1 - q) / normalizer
}

// snapshot flushes pending values and returns a view readers may use without
// holding the lock.
func (d *TDigest) snapshot() (cs []Centroid, count, minValue, maxValue float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffer.size() > 0 {
		d.compressLocked(2 * d.compression)
	}
	return d.centroids, d.count, d.min, d.max
}

// ValueAt estimates the value at quantile q. It is NaN for an empty digest.
func (d *TDigest) ValueAt(q float64) (float64, error) {
	if !(q >= 0 && q <= 1) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidQuantile, q)
	}
	cs, count, minValue, maxValue := d.snapshot()
	return valueAt(cs, count, minValue, maxValue, q), nil
}

// ValuesAt is ValueAt over an ascending list of quantiles, answered from a
// single consistent view of the digest.
func (d *TDigest) ValuesAt(qs []float64) ([]float64, error) {
	if err := checkQuantiles(qs); err != nil {
		return nil, err
	}
	cs, count, minValue, maxValue := d.snapshot()
	out := make([]float64, len(qs))
	for i, q := range qs {
		out[i] = valueAt(cs, count, minValue, maxValue, q)
	}
	return out, nil
}

func valueAt(cs []Centroid, total, minValue, maxValue, q float64) float64 {
	switch len(cs) {
	case 0:
		return math.NaN()
	case 1:
		return cs[0].Mean
	}

	offset := q * total
	if offset < 1 {
		return minValue
	}
	if offset > total-1 {
		return maxValue
	}

	first, last := cs[0], cs[len(cs)-1]
	// between the extremes and the first or last centroid
	if first.Weight > 1 && offset < first.Weight/2 {
		return minValue + interpolate(offset, 1, minValue, first.Weight/2, first.Mean)
	}
	if last.Weight > 1 && total-offset <= last.Weight/2 {
		return maxValue + interpolate(total-offset, 1, maxValue, last.Weight/2, last.Mean)
	}

	weightSoFar := first.Weight / 2
	for i := 0; i < len(cs)-1; i++ {
		left, right := cs[i], cs[i+1]
		delta := (left.Weight + right.Weight) / 2
		if weightSoFar+delta < offset {
			weightSoFar += delta
			continue
		}

		// singletons are exact points, not spread around their mean
		if left.Weight == 1 && offset-weightSoFar < left.Weight/2 {
			return left.Mean
		}
		if right.Weight == 1 && offset-weightSoFar >= left.Weight/2 {
			return right.Mean
		}
		if left.Weight == 1 {
			weightSoFar += left.Weight / 2
			delta = right.Weight / 2
		} else if right.Weight == 1 {
			delta = left.Weight / 2
		}
		return left.Mean + interpolate(offset-weightSoFar, 0, left.Mean, delta, right.Mean)
	}
	return maxValue
}

func interpolate(x, x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return 0
	}
	return (x - x0) / (x1 - x0) * (y1 - y0)
}

// Rescale multiplies every weight by exp(-alpha * (to - from)), with from and
// to in seconds, then recompresses. A digest whose weight decays below
// decay.ZeroWeightThreshold is emptied.
func (d *TDigest) Rescale(alpha float64, from, to int64) {
	factor := math.Exp(-alpha * float64(to-from))

	d.mu.Lock()
	defer d.mu.Unlock()

	all := mergeSorted(d.centroids, d.buffer.sorted())
	d.buffer.clear()

	var total float64
	for i := range all {
		all[i].Weight *= factor
		total += all[i].Weight
	}
	if total < decay.ZeroWeightThreshold {
		d.resetLocked()
		return
	}

	d.centroids = all
	d.count = total
	d.compressLocked(2 * d.compression)
}

// Min is the smallest value added, NaN when empty.
func (d *TDigest) Min() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return math.NaN()
	}
	return d.min
}

// Max is the largest value added, NaN when empty.
func (d *TDigest) Max() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return math.NaN()
	}
	return d.max
}

// Count is the total weight added.
func (d *TDigest) Count() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Compression ...
func (d *TDigest) Compression() float64 {
	return d.compression
}

// CentroidCount counts centroids and values not yet merged into them.
func (d *TDigest) CentroidCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.centroids) + d.buffer.size()
}

// Centroids returns a copy of the merged centroids in ascending mean order.
func (d *TDigest) Centroids() []Centroid {
	cs, _, _, _ := d.snapshot()
	return append([]Centroid(nil), cs...)
}

// CopyOf returns a deep copy of d.
func CopyOf(d *TDigest) *TDigest {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &TDigest{
		compression: d.compression,
		maxSize:     d.maxSize,
		centroids:   d.centroids,
		buffer:      d.buffer.clone(),
		count:       d.count,
		min:         d.min,
		max:         d.max,
		backwards:   d.backwards,
	}
	c.id.Store(tdigestIDs.Add(1))
	return c
}

// Duplicate ...
func (d *TDigest) Duplicate() *TDigest {
	return CopyOf(d)
}

// Reset empties the digest.
func (d *TDigest) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *TDigest) resetLocked() {
	d.centroids = nil
	d.buffer.clear()
	d.count = 0
	d.min = math.Inf(1)
	d.max = math.Inf(-1)
	d.backwards = false
}

// EstimatedInMemorySize approximates the bytes held by the digest.
func (d *TDigest) EstimatedInMemorySize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(unsafe.Sizeof(TDigest{})) +
		int(unsafe.Sizeof(centroidBuffer{})) +
		(cap(d.centroids)+cap(d.buffer.vec))*int(unsafe.Sizeof(Centroid{}))
}
