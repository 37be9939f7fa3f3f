package digest

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/axiomhq/digest/decay"
)

// maxSizeFactor scales the number of non-zero nodes tolerated before Add
// compresses the tree.
const maxSizeFactor = 1.5

// QuantileDigest summarizes a stream of int64 values in a binary trie of
// weighted buckets. Quantile and histogram answers are within maxError of the
// exact rank. With a non-zero alpha older values decay exponentially.
//
// A QuantileDigest is not safe for concurrent use.
type QuantileDigest struct {
	maxError     float64
	alpha        float64
	clock        decay.Clock
	autoCompress bool

	nodes []qnode
	free  []int32
	root  int32

	weightedCount float64
	min           int64
	max           int64
	landmark      int64

	totalNodeCount   int
	nonZeroNodeCount int
	compressions     int
}

// QuantileDigestOption configures a QuantileDigest.
type QuantileDigestOption func(*QuantileDigest)

// WithAlpha enables exponential decay of older values.
func WithAlpha(alpha float64) QuantileDigestOption {
	return func(d *QuantileDigest) {
		d.alpha = alpha
	}
}

// WithClock sets the time source used for decay.
func WithClock(clock decay.Clock) QuantileDigestOption {
	return func(d *QuantileDigest) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithoutAutoCompress stops Add from compressing the tree on its own. Decay
// housekeeping still compresses.
func WithoutAutoCompress() QuantileDigestOption {
	return func(d *QuantileDigest) {
		d.autoCompress = false
	}
}

// Bucket is a histogram bucket.
type Bucket struct {
	Count float64
	Mean  float64
}

// MiddleFunc picks the point representing a node's range in histogram means.
type MiddleFunc func(lower, upper int64) float64

// NewQuantileDigest returns an empty digest with the given maximum rank error.
func NewQuantileDigest(maxError float64, opts ...QuantileDigestOption) (*QuantileDigest, error) {
	if math.IsNaN(maxError) || maxError < 0 || maxError > 1 {
		return nil, fmt.Errorf("maxError must be in range [0, 1], got %v", maxError)
	}

	d := &QuantileDigest{
		maxError:     maxError,
		clock:        decay.SystemClock{},
		autoCompress: true,
		root:         nilNode,
		min:          math.MaxInt64,
		max:          math.MinInt64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := decay.ValidateAlpha(d.alpha); err != nil {
		return nil, err
	}
	d.landmark = d.now()
	return d, nil
}

func (d *QuantileDigest) now() int64 {
	return decay.Seconds(d.clock.Now())
}

func (d *QuantileDigest) weight(ts int64) float64 {
	return math.Exp(d.alpha * float64(ts-d.landmark))
}

func (d *QuantileDigest) compressionFactor() int {
	if d.root == nilNode {
		return 1
	}
	f := (float64(d.nodes[d.root].level) + 1) / d.maxError
	if f >= math.MaxInt32 {
		return math.MaxInt32
	}
	return max(int(f), 1)
}

// Add records one occurrence of value.
func (d *QuantileDigest) Add(value int64) {
	d.add(value, 1)
}

// AddWeighted records count occurrences of value.
func (d *QuantileDigest) AddWeighted(value, count int64) error {
	if count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidValue, count)
	}
	d.add(value, count)
	return nil
}

func (d *QuantileDigest) add(value, count int64) {
	now := d.now()
	maxExpectedNodeCount := 3 * d.compressionFactor()

	if d.alpha > 0 && now-d.landmark >= int64(decay.RescaleThreshold.Seconds()) {
		d.rescale(now)
		d.Compress()
	} else if d.autoCompress && float64(d.nonZeroNodeCount) > maxSizeFactor*float64(maxExpectedNodeCount) {
		d.Compress()
	}

	d.max = max(d.max, value)
	d.min = min(d.min, value)
	d.insert(valueToBits(value), d.weight(now)*float64(count))
}

// Compress folds light subtrees into their parents and drops buckets whose
// weight decayed to nothing.
func (d *QuantileDigest) Compress() {
	d.compressions++

	factor := float64(d.compressionFactor())
	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		if n.isLeaf() {
			return true
		}

		leftWeight, rightWeight := d.weightOf(n.left), d.weightOf(n.right)
		shouldCompress := n.weight+leftWeight+rightWeight < math.Trunc(d.weightedCount/factor)

		if shouldCompress || leftWeight < zeroWeight {
			left := d.tryRemove(n.left)
			d.nodes[i].left = left
			d.weightedCount += leftWeight
			d.nodes[i].weight += leftWeight
		}
		if shouldCompress || rightWeight < zeroWeight {
			right := d.tryRemove(n.right)
			d.nodes[i].right = right
			d.weightedCount += rightWeight
			d.nodes[i].weight += rightWeight
		}

		if n.weight < zeroWeight && d.nodes[i].weight >= zeroWeight {
			d.nonZeroNodeCount++
		}
		return true
	})

	if d.root != nilNode && d.nodes[d.root].weight < zeroWeight {
		d.root = d.tryRemove(d.root)
	}
}

func (d *QuantileDigest) rescale(landmark int64) {
	factor := math.Exp(-d.alpha * float64(landmark-d.landmark))
	d.weightedCount *= factor

	d.postOrder(d.root, forward, func(i int32) bool {
		old := d.nodes[i].weight
		d.nodes[i].weight *= factor
		if old >= zeroWeight && d.nodes[i].weight < zeroWeight {
			d.nonZeroNodeCount--
		}
		return true
	})
	d.landmark = landmark
}

// Rescale brings all weights forward to the current time and compresses away
// buckets that decayed to nothing.
func (d *QuantileDigest) Rescale() {
	d.rescale(d.now())
	d.Compress()
}

func (d *QuantileDigest) rescaleToCommonLandmark(other *QuantileDigest) {
	now := d.now()
	target := max(d.landmark, other.landmark)
	if now-target >= int64(decay.RescaleThreshold.Seconds()) {
		target = now
	}
	if target != d.landmark {
		d.rescale(target)
	}
	if target != other.landmark {
		other.rescale(target)
	}
}

// Merge adds the contents of other into d and leaves other empty. Both digests
// must share maxError and alpha.
func (d *QuantileDigest) Merge(other *QuantileDigest) error {
	if other == d {
		return ErrSelfMerge
	}
	if d.maxError != other.maxError || d.alpha != other.alpha {
		return fmt.Errorf("%w: maxError %v/%v, alpha %v/%v",
			ErrIncompatibleDigest, d.maxError, other.maxError, d.alpha, other.alpha)
	}

	d.rescaleToCommonLandmark(other)

	d.root = d.mergeNode(d.root, other, other.root)
	d.max = max(d.max, other.max)
	d.min = min(d.min, other.min)
	d.Compress()

	other.Reset()
	return nil
}

func checkQuantiles(qs []float64) error {
	for i, q := range qs {
		if !(q >= 0 && q <= 1) {
			return fmt.Errorf("%w: %v", ErrInvalidQuantile, q)
		}
		if i > 0 && q < qs[i-1] {
			return fmt.Errorf("%w: %v follows %v", ErrUnsortedQuantiles, q, qs[i-1])
		}
	}
	return nil
}

// Quantile returns an upper bound of the q-quantile.
func (d *QuantileDigest) Quantile(q float64) (int64, error) {
	return d.QuantileUpperBound(q)
}

// Quantiles computes upper bounds for an ascending list of quantiles in a
// single pass over the tree.
func (d *QuantileDigest) Quantiles(qs []float64) ([]int64, error) {
	return d.QuantilesUpperBound(qs)
}

// QuantileUpperBound ...
func (d *QuantileDigest) QuantileUpperBound(q float64) (int64, error) {
	vs, err := d.QuantilesUpperBound([]float64{q})
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// QuantilesUpperBound returns, for every quantile, the upper bound of the
// first bucket at which the cumulative weight exceeds q * count.
func (d *QuantileDigest) QuantilesUpperBound(qs []float64) ([]int64, error) {
	if err := checkQuantiles(qs); err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(qs))
	var sum float64
	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		sum += n.weight
		for len(out) < len(qs) && sum > qs[len(out)]*d.weightedCount {
			out = append(out, min(n.upperBound(), d.max))
		}
		return len(out) < len(qs)
	})
	for len(out) < len(qs) {
		out = append(out, d.max)
	}
	return out, nil
}

// QuantileLowerBound ...
func (d *QuantileDigest) QuantileLowerBound(q float64) (int64, error) {
	vs, err := d.QuantilesLowerBound([]float64{q})
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// QuantilesLowerBound is the mirror image of QuantilesUpperBound, walking the
// tree from the largest values down.
func (d *QuantileDigest) QuantilesLowerBound(qs []float64) ([]int64, error) {
	if err := checkQuantiles(qs); err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(qs))
	next := len(qs) - 1
	var sum float64
	d.postOrder(d.root, reverse, func(i int32) bool {
		n := d.nodes[i]
		sum += n.weight
		for next >= 0 && sum > (1-qs[next])*d.weightedCount {
			out = append(out, max(n.lowerBound(), d.min))
			next--
		}
		return next >= 0
	})
	for ; next >= 0; next-- {
		out = append(out, d.min)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// QuantileFromCDF estimates the q-quantile by inverting an interpolated CDF
// in which every bucket spreads its weight uniformly over its range. It is
// usually closer to the exact answer than QuantileUpperBound where the data
// is sparse.
func (d *QuantileDigest) QuantileFromCDF(q float64) (int64, error) {
	if err := checkQuantiles([]float64{q}); err != nil {
		return 0, err
	}
	if d.root == nilNode {
		return d.max, nil
	}

	const tolerance = 1e-9
	root := d.nodes[d.root]
	mask := levelMask(root.level)
	lower, upper := root.bits&^mask, root.bits|mask
	if d.cdf(bitsToValue(lower)) > q {
		return d.min, nil
	}

	for upper-lower > 1 {
		middle := lower + (upper-lower)/2
		if d.cdf(bitsToValue(middle)) > q {
			upper = middle
		} else {
			lower = middle
		}
	}

	// F(x) is taken as P(X <= x + 1/n), so a value whose CDF lands just
	// below q still belongs to the upper side.
	if d.cdf(bitsToValue(lower)) < q+1/d.weightedCount+tolerance {
		return min(d.max, bitsToValue(upper)), nil
	}
	return max(d.min, bitsToValue(lower)), nil
}

// QuantilesFromCDF ...
func (d *QuantileDigest) QuantilesFromCDF(qs []float64) ([]int64, error) {
	if err := checkQuantiles(qs); err != nil {
		return nil, err
	}
	out := make([]int64, len(qs))
	for i, q := range qs {
		v, err := d.QuantileFromCDF(q)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// cdf is the fraction of the weight at or below x.
func (d *QuantileDigest) cdf(x int64) float64 {
	var sum float64
	d.inOrder(d.root, func(i int32) bool {
		n := d.nodes[i]
		lower := max(d.min, n.lowerBound())
		upper := min(d.max, n.upperBound())

		switch {
		case x >= upper:
			sum += n.weight
			return !(n.isLeaf() && x == upper)
		case x < lower:
			return false
		}

		offset := float64(x) - float64(lower)
		ratio := offset / (float64(upper) - float64(lower))
		// A node reaching past the observed extreme with a single child keeps
		// its weight on that child's side.
		if d.max <= upper && n.right == nilNode && n.left != nilNode {
			span := float64(min(d.max, n.middle())) - float64(lower)
			ratio = math.Min(span, offset) / math.Max(1, span)
		} else if n.left == nilNode && n.right != nilNode {
			middle := max(d.min, n.middle())
			ratio = math.Max(0, float64(x)-float64(middle)) / math.Max(1, float64(upper)-float64(middle))
		}
		sum += n.weight * ratio
		return true
	})
	return sum / d.weightedCount
}

// Histogram returns one bucket per bound: bucket i holds the weight of values
// in [bounds[i-1], bounds[i]). Use math.MaxInt64 as the last bound to cover
// everything.
func (d *QuantileDigest) Histogram(bounds []int64) ([]Bucket, error) {
	return d.HistogramWithMiddle(bounds, middle)
}

// HistogramWithMiddle is Histogram with a custom representative point per
// bucket, which only affects bucket means.
func (d *QuantileDigest) HistogramWithMiddle(bounds []int64, middleFn MiddleFunc) ([]Bucket, error) {
	for i := 1; i < len(bounds); i++ {
		if bounds[i] < bounds[i-1] {
			return nil, fmt.Errorf("%w: %d follows %d", ErrUnsortedBounds, bounds[i], bounds[i-1])
		}
	}

	normalization := d.weight(d.now())
	out := make([]Bucket, 0, len(bounds))
	var sum, lastSum, bucketWeightedSum float64

	emit := func() {
		count := sum - lastSum
		out = append(out, Bucket{
			Count: count / normalization,
			Mean:  bucketWeightedSum / count,
		})
		lastSum = sum
		bucketWeightedSum = 0
	}

	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		for len(out) < len(bounds) && bounds[len(out)] <= n.upperBound() {
			emit()
		}
		bucketWeightedSum += middleFn(n.lowerBound(), n.upperBound()) * n.weight
		sum += n.weight
		return len(out) < len(bounds)
	})
	for len(out) < len(bounds) {
		emit()
	}
	return out, nil
}

// Min is the smallest value still carrying weight. A parent that absorbed
// its children may cover a smaller value than a surviving child, so every
// weighted node is inspected.
func (d *QuantileDigest) Min() int64 {
	chosen, found := d.min, false
	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		if n.weight >= zeroWeight && (!found || n.lowerBound() < chosen) {
			chosen, found = n.lowerBound(), true
		}
		return true
	})
	return max(d.min, chosen)
}

// Max is the largest value still carrying weight.
func (d *QuantileDigest) Max() int64 {
	chosen, found := d.max, false
	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		if n.weight >= zeroWeight && (!found || n.upperBound() > chosen) {
			chosen, found = n.upperBound(), true
		}
		return true
	})
	return min(d.max, chosen)
}

// Count is the decayed number of values added.
func (d *QuantileDigest) Count() float64 {
	return d.weightedCount / d.weight(d.now())
}

// ConfidenceFactor is the error actually observed in the current tree. It is
// never greater than MaxError.
func (d *QuantileDigest) ConfidenceFactor() float64 {
	if d.weightedCount == 0 {
		return 0
	}
	return d.maxPathWeight(d.root) / d.weightedCount
}

// Compressions ...
func (d *QuantileDigest) Compressions() int {
	return d.compressions
}

// NonZeroNodeCount ...
func (d *QuantileDigest) NonZeroNodeCount() int {
	return d.nonZeroNodeCount
}

// TotalNodeCount ...
func (d *QuantileDigest) TotalNodeCount() int {
	return d.totalNodeCount
}

// MaxError ...
func (d *QuantileDigest) MaxError() float64 {
	return d.maxError
}

// Alpha ...
func (d *QuantileDigest) Alpha() float64 {
	return d.alpha
}

// EstimatedInMemorySize approximates the bytes held by the digest.
func (d *QuantileDigest) EstimatedInMemorySize() int {
	return int(unsafe.Sizeof(*d)) +
		cap(d.nodes)*int(unsafe.Sizeof(qnode{})) +
		cap(d.free)*int(unsafe.Sizeof(int32(0)))
}

// Duplicate returns a deep copy sharing nothing but the clock.
func (d *QuantileDigest) Duplicate() *QuantileDigest {
	c := *d
	c.nodes = append([]qnode(nil), d.nodes...)
	c.free = append([]int32(nil), d.free...)
	return &c
}

// Reset empties the digest while keeping its configuration.
func (d *QuantileDigest) Reset() {
	d.nodes = d.nodes[:0]
	d.free = d.free[:0]
	d.root = nilNode
	d.weightedCount = 0
	d.totalNodeCount = 0
	d.nonZeroNodeCount = 0
	d.min = math.MaxInt64
	d.max = math.MinInt64
	d.landmark = d.now()
}

// Equivalent reports whether both digests have the same tree, weights and
// counters. Both digests are rescaled to a common landmark first.
func (d *QuantileDigest) Equivalent(other *QuantileDigest) bool {
	if other == d {
		return true
	}
	d.rescaleToCommonLandmark(other)

	return d.totalNodeCount == other.totalNodeCount &&
		d.nonZeroNodeCount == other.nonZeroNodeCount &&
		d.min == other.min &&
		d.max == other.max &&
		d.weightedCount == other.weightedCount &&
		d.equalTrees(d.root, other, other.root)
}

// Validate checks the internal invariants of the tree. It is meant for tests
// and debugging.
func (d *QuantileDigest) Validate() error {
	var (
		sum              float64
		totalNodeCount   int
		nonZeroNodeCount int
	)
	if d.root != nilNode {
		if err := d.validateStructure(d.root); err != nil {
			return err
		}
		d.postOrder(d.root, forward, func(i int32) bool {
			sum += d.nodes[i].weight
			totalNodeCount++
			if d.nodes[i].weight >= zeroWeight {
				nonZeroNodeCount++
			}
			return true
		})
	}

	if math.Abs(sum-d.weightedCount) >= zeroWeight {
		return fmt.Errorf("computed weight (%v) doesn't match summary (%v)", sum, d.weightedCount)
	}
	if totalNodeCount != d.totalNodeCount {
		return fmt.Errorf("actual node count (%d) doesn't match summary (%d)", totalNodeCount, d.totalNodeCount)
	}
	if nonZeroNodeCount != d.nonZeroNodeCount {
		return fmt.Errorf("actual non-zero node count (%d) doesn't match summary (%d)", nonZeroNodeCount, d.nonZeroNodeCount)
	}
	return nil
}
