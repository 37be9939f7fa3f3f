package digest

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTDigest(t *testing.T, values ...float64) *TDigest {
	t.Helper()
	d := NewDefaultTDigest()
	for _, v := range values {
		require.NoError(t, d.AddWeighted(v, 1))
	}
	return d
}

func mustValueAt(t *testing.T, d *TDigest, q float64) float64 {
	t.Helper()
	v, err := d.ValueAt(q)
	require.NoError(t, err)
	return v
}

func assertSimilar(t *testing.T, expected, actual *TDigest) {
	t.Helper()
	assert.Equal(t, math.Float64bits(expected.Min()), math.Float64bits(actual.Min()))
	assert.Equal(t, math.Float64bits(expected.Max()), math.Float64bits(actual.Max()))
	assert.Equal(t, expected.Count(), actual.Count())
}

func TestTDigestInvalidCompression(t *testing.T) {
	_, err := NewTDigest(9)
	assert.Error(t, err)
	_, err = NewTDigest(math.NaN())
	assert.Error(t, err)
	_, err = NewTDigest(math.Inf(1))
	assert.Error(t, err)

	d, err := NewTDigest(MinCompression)
	require.NoError(t, err)
	assert.Equal(t, float64(MinCompression), d.Compression())
}

func TestTDigestEmpty(t *testing.T) {
	assert := assert.New(t)
	d := NewDefaultTDigest()

	assert.True(math.IsNaN(mustValueAt(t, d, 0.5)))
	assert.True(math.IsNaN(d.Min()))
	assert.True(math.IsNaN(d.Max()))
	assert.Equal(0.0, d.Count())

	values, err := d.ValuesAt([]float64{0, 0.5, 0.75, 1})
	require.NoError(t, err)
	for _, v := range values {
		assert.True(math.IsNaN(v))
	}
}

func TestTDigestMonotonicity(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	d := NewDefaultTDigest()
	for i := 0; i < 100_000; i++ {
		require.NoError(t, d.Add(r.Float64()))
	}

	var qs []float64
	for q := 0.0; q <= 1; q += 1e-5 {
		qs = append(qs, q)
	}
	values, err := d.ValuesAt(qs)
	require.NoError(t, err)

	previous := math.Inf(-1)
	for i, v := range values {
		require.GreaterOrEqual(t, v, previous, "quantile %v", qs[i])
		previous = v
	}
}

func TestTDigestBigJump(t *testing.T) {
	d := NewDefaultTDigest()
	for i := 1; i < 20; i++ {
		require.NoError(t, d.Add(float64(i)))
	}
	require.NoError(t, d.Add(1_000_000))

	assert.Equal(t, 18.0, mustValueAt(t, d, 0.89999999))
	assert.Equal(t, 19.0, mustValueAt(t, d, 0.9))
	assert.Equal(t, 19.0, mustValueAt(t, d, 0.949999999))
	assert.Equal(t, 1_000_000.0, mustValueAt(t, d, 0.95))

	values, err := d.ValuesAt([]float64{0.89999999, 0.9, 0.949999999, 0.95})
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 19, 19, 1_000_000}, values)
}

func TestTDigestBigJumpWithMerge(t *testing.T) {
	d := NewDefaultTDigest()
	for i := 1; i < 1000; i++ {
		require.NoError(t, d.Add(float64(i)))
	}
	require.NoError(t, d.Add(1_000_000))

	assert.Equal(t, 999.0, mustValueAt(t, d, 0.998))
	assert.Equal(t, 1_000_000.0, mustValueAt(t, d, 0.999))
}

func TestTDigestSmallCountQuantile(t *testing.T) {
	d, err := NewTDigest(200)
	require.NoError(t, err)
	for _, v := range []float64{15, 20, 32, 60} {
		require.NoError(t, d.Add(v))
	}

	assert.InDelta(t, 20, mustValueAt(t, d, 0.4), 1e-10)
	assert.InDelta(t, 20, mustValueAt(t, d, 0.25), 1e-10)
	assert.InDelta(t, 15, mustValueAt(t, d, 0.25-1e-10), 1e-10)
	assert.InDelta(t, 20, mustValueAt(t, d, 0.5-1e-10), 1e-10)
	assert.InDelta(t, 32, mustValueAt(t, d, 0.5), 1e-10)

	qs := []float64{0.25 - 1e-10, 0.25, 0.4, 0.5 - 1e-10, 0.5}
	values, err := d.ValuesAt(qs)
	require.NoError(t, err)
	for i, q := range qs {
		assert.Equal(t, mustValueAt(t, d, q), values[i])
	}
}

func TestTDigestSingleValue(t *testing.T) {
	d := newTestTDigest(t, 42.5)
	for _, q := range []float64{0, 0.5, 1} {
		assert.InDelta(t, 42.5, mustValueAt(t, d, q), 0.001)
	}
}

func TestTDigestWeight(t *testing.T) {
	d := NewDefaultTDigest()
	require.NoError(t, d.AddWeighted(1, 80))
	require.NoError(t, d.AddWeighted(2, 20))

	values, err := d.ValuesAt([]float64{0, 0.3, 0.9, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2, 2}, values)
}

func TestTDigestFirstInnerAndLastCentroid(t *testing.T) {
	d := newTestTDigest(t, 1, 2, 3, 4)
	values, err := d.ValuesAt([]float64{0, 0.6, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 4}, values)
}

func TestTDigestTwoValues(t *testing.T) {
	d := NewDefaultTDigest()
	require.NoError(t, d.AddWeighted(10, 99999.999999999))
	require.NoError(t, d.AddWeighted(10, 99999.999999999))
	assert.InDelta(t, 10.0, mustValueAt(t, d, 0.75), 1e-9)

	d = NewDefaultTDigest()
	require.NoError(t, d.AddWeighted(10, 99999.999999999))
	require.NoError(t, d.AddWeighted(20, 99999.999999999))
	assert.InDelta(t, 20.0, mustValueAt(t, d, 0.75), 1e-9)
}

func TestTDigestValuesAtSimpleCases(t *testing.T) {
	d := NewDefaultTDigest()

	values, err := d.ValuesAt(nil)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = d.ValuesAt([]float64{0.9, 0.1})
	assert.True(t, errors.Is(err, ErrUnsortedQuantiles))
	_, err = d.ValuesAt([]float64{-0.9, 0.9})
	assert.True(t, errors.Is(err, ErrInvalidQuantile))
	_, err = d.ValueAt(1.1)
	assert.True(t, errors.Is(err, ErrInvalidQuantile))

	require.NoError(t, d.Add(10))
	values, err = d.ValuesAt([]float64{0, 0.5, 0.75, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 10, 10, 10}, values)
}

func TestTDigestValuesAt(t *testing.T) {
	tests := []struct {
		name     string
		centroid []Centroid
		qs       []float64
		expected []float64
	}{
		{
			name:     "centroid borders",
			centroid: []Centroid{{10, 1}, {20, 1}, {30, 1}, {40, 1}},
			qs:       []float64{0, 0.25, 0.5, 0.75, 1},
			expected: []float64{10, 20, 30, 40, 40},
		},
		{
			name:     "inside centroids",
			centroid: []Centroid{{10, 1}, {20, 1}, {30, 1}, {40, 1}},
			qs:       []float64{0.001, 0.249, 0.251, 0.499, 0.501, 0.749, 0.751, 0.999},
			expected: []float64{10, 10, 20, 20, 30, 30, 40, 40},
		},
		{
			name:     "min and offset one",
			centroid: []Centroid{{10, 2}, {20, 2}},
			qs:       []float64{0.1, 0.25},
			expected: []float64{10, 10},
		},
		{
			name:     "last centroid",
			centroid: []Centroid{{10, 2}, {20, 2}},
			qs:       []float64{0.75, 0.9, 1},
			expected: []float64{20, 20, 20},
		},
		{
			name:     "through the structure",
			centroid: []Centroid{{10, 2}, {20, 2}},
			qs:       []float64{0.5, 1},
			expected: []float64{15, 20},
		},
		{
			name:     "heavier clusters",
			centroid: []Centroid{{10, 4}, {20, 4}},
			qs:       []float64{0.1, 0.125, 0.75, 0.875, 1},
			expected: []float64{10, 10, 20, 20, 20},
		},
		{
			name:     "singletons next to clusters",
			centroid: []Centroid{{10, 4}, {20, 1}, {30, 1}, {40, 2}, {50, 2}},
			qs:       []float64{0.39, 0.41, 0.49, 0.51, 0.59, 0.61, 0.79, 0.81},
			expected: []float64{19.5, 20, 20, 30, 30, 31, 44.5, 45.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDefaultTDigest()
			for _, c := range tt.centroid {
				require.NoError(t, d.AddWeighted(c.Mean, c.Weight))
			}
			values, err := d.ValuesAt(tt.qs)
			require.NoError(t, err)
			require.Len(t, values, len(tt.expected))
			for i := range values {
				assert.InDelta(t, tt.expected[i], values[i], 1e-9, "quantile %v", tt.qs[i])
			}
		})
	}
}

func TestTDigestAddInvalid(t *testing.T) {
	d := newTestTDigest(t, 1, 2, 3)

	assert.True(t, errors.Is(d.AddWeighted(1, math.NaN()), ErrInvalidValue))
	assert.True(t, errors.Is(d.AddWeighted(math.NaN(), 1), ErrInvalidValue))
	assert.True(t, errors.Is(d.AddWeighted(math.Inf(1), 1), ErrInvalidValue))
	assert.True(t, errors.Is(d.AddWeighted(1, -1), ErrInvalidValue))
	assert.True(t, errors.Is(d.Add(math.NaN()), ErrInvalidValue))
	assert.True(t, errors.Is(d.Add(math.Inf(1)), ErrInvalidValue))
	assert.True(t, errors.Is(d.Add(math.Inf(-1)), ErrInvalidValue))

	assert.Equal(t, 3.0, d.Count())
	assert.Equal(t, 1.0, d.Min())
	assert.Equal(t, 3.0, d.Max())
	assert.Equal(t, 3, d.CentroidCount())
}

func TestTDigestZeroWeightIsIgnored(t *testing.T) {
	d := newTestTDigest(t, 1)
	require.NoError(t, d.AddWeighted(100, 0))
	assert.Equal(t, 1.0, d.Count())
	assert.Equal(t, 1.0, d.Max())
}

func TestTDigestCompresses(t *testing.T) {
	d := NewDefaultTDigest()
	for i := 0; i < 100_000; i++ {
		require.NoError(t, d.Add(float64(i)))
	}
	assert.Equal(t, 100_000.0, d.Count())

	var total float64
	centroids := d.Centroids()
	assert.Less(t, d.CentroidCount(), d.maxSize)
	for i, c := range centroids {
		total += c.Weight
		if i > 0 {
			assert.LessOrEqual(t, centroids[i-1].Mean, c.Mean)
		}
	}
	assert.InDelta(t, 100_000.0, total, 1e-6)
	assert.InDelta(t, 50_000.0, mustValueAt(t, d, 0.5), 500)
	assert.InDelta(t, 99_000.0, mustValueAt(t, d, 0.99), 100)
}

func TestTDigestMerge(t *testing.T) {
	first := newTestTDigest(t, 1, 2, 3, 4, 5)
	second := newTestTDigest(t, 4, 5, 6, 7, 8)

	merged := CopyOf(first)
	require.NoError(t, merged.MergeWith(second))

	assert.Equal(t, 1.0, merged.Min())
	assert.Equal(t, 8.0, merged.Max())
	assert.Equal(t, 10.0, merged.Count())
	assert.Equal(t, 1.0, mustValueAt(t, merged, 0))
	assert.Equal(t, 5.0, mustValueAt(t, merged, 0.5))
	assert.Equal(t, 8.0, mustValueAt(t, merged, 1))

	// the sources are untouched
	assert.Equal(t, 5.0, first.Count())
	assert.Equal(t, 5.0, second.Count())
	assert.Equal(t, 4.0, second.Min())
}

func TestTDigestMergeIncompatible(t *testing.T) {
	a := NewDefaultTDigest()
	b, err := NewTDigest(200)
	require.NoError(t, err)
	assert.True(t, errors.Is(a.MergeWith(b), ErrIncompatibleDigest))
}

func TestTDigestSelfMerge(t *testing.T) {
	d := newTestTDigest(t, 1, 2, 3)
	require.NoError(t, d.MergeWith(d))
	assert.Equal(t, 6.0, d.Count())
	assert.Equal(t, 1.0, d.Min())
	assert.Equal(t, 3.0, d.Max())
}

func TestTDigestCopy(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	d := NewDefaultTDigest()
	for i := 0; i < 10_000; i++ {
		require.NoError(t, d.Add(r.NormFloat64()))
	}

	c := d.Duplicate()
	assertSimilar(t, d, c)
	for _, q := range []float64{0, 0.01, 0.5, 0.99, 1} {
		assert.Equal(t, mustValueAt(t, d, q), mustValueAt(t, c, q))
	}

	require.NoError(t, c.Add(1000))
	assert.Equal(t, 10_000.0, d.Count())
	assert.Equal(t, 10_001.0, c.Count())
	assert.NotEqual(t, 1000.0, d.Max())
}

func TestTDigestCopyEmpty(t *testing.T) {
	d := NewDefaultTDigest()
	c := CopyOf(d)
	assertSimilar(t, d, c)

	require.NoError(t, c.Add(10))
	assert.Equal(t, 1.0, c.Count())
	assert.Equal(t, 10.0, mustValueAt(t, c, 0.5))
	assert.Equal(t, 0.0, d.Count())
}

func TestTDigestSerializationEmpty(t *testing.T) {
	d := NewDefaultTDigest()
	decoded, err := DeserializeTDigest(d.Serialize())
	require.NoError(t, err)
	assertSimilar(t, d, decoded)

	require.NoError(t, decoded.Add(10))
	assert.Equal(t, 1.0, decoded.Count())
	assert.Equal(t, 10.0, mustValueAt(t, decoded, 0.5))
}

func TestTDigestSerializationSingle(t *testing.T) {
	d := newTestTDigest(t, 1)
	decoded, err := DeserializeTDigest(d.Serialize())
	require.NoError(t, err)
	assertSimilar(t, d, decoded)
	assert.Equal(t, mustValueAt(t, d, 0), mustValueAt(t, decoded, 0))
	assert.Equal(t, mustValueAt(t, d, 1), mustValueAt(t, decoded, 1))
}

func TestTDigestSerializationRandom(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	d := NewDefaultTDigest()
	for i := 0; i < 50_000; i++ {
		require.NoError(t, d.AddWeighted(r.ExpFloat64()*100, float64(r.Intn(5)+1)))
	}

	data := d.Serialize()
	assert.Equal(t, len(data), d.SerializedSize())

	decoded, err := DeserializeTDigest(data)
	require.NoError(t, err)
	assertSimilar(t, d, decoded)
	assert.Equal(t, d.Centroids(), decoded.Centroids())
	for q := 0.0; q <= 1; q += 0.001 {
		assert.Equal(t, mustValueAt(t, d, q), mustValueAt(t, decoded, q), "quantile %v", q)
	}

	var viaInterface TDigest
	require.NoError(t, viaInterface.UnmarshalBinary(data))
	assertSimilar(t, d, &viaInterface)
	marshaled, err := d.MarshalBinary()
	require.NoError(t, err)
	_, err = DeserializeTDigest(marshaled)
	assert.NoError(t, err)
}

func TestTDigestDeserializeCorrupted(t *testing.T) {
	data := newTestTDigest(t, 1, 2, 3).Serialize()

	_, err := DeserializeTDigest(data[:len(data)-1])
	assert.True(t, errors.Is(err, ErrCorrupted))

	_, err = DeserializeTDigest(nil)
	assert.True(t, errors.Is(err, ErrCorrupted))

	bad := append([]byte(nil), data...)
	bad[0] = 7
	_, err = DeserializeTDigest(bad)
	assert.True(t, errors.Is(err, ErrCorrupted))

	// compression below the minimum
	bad = append([]byte(nil), data...)
	copy(bad[1:9], make([]byte, 8))
	_, err = DeserializeTDigest(bad)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestTDigestRescale(t *testing.T) {
	d := newTestTDigest(t, 1, 2, 3, 4)
	d.Rescale(math.Ln2, 0, 1)

	assert.InDelta(t, 2.0, d.Count(), 1e-9)
	assert.Equal(t, 1.0, d.Min())
	assert.Equal(t, 4.0, d.Max())

	d.Rescale(1, 0, 100)
	assert.Equal(t, 0.0, d.Count())
	assert.True(t, math.IsNaN(d.Min()))
	assert.True(t, math.IsNaN(mustValueAt(t, d, 0.5)))
}

func TestTDigestReset(t *testing.T) {
	d := newTestTDigest(t, 1, 2, 3)
	d.Reset()
	assert.Equal(t, 0.0, d.Count())
	assert.Equal(t, 0, d.CentroidCount())
	assert.True(t, math.IsNaN(d.Max()))
	assert.Greater(t, d.EstimatedInMemorySize(), 0)
}

func TestTDigestConcurrentAdds(t *testing.T) {
	const (
		workers = 10
		adds    = 10_000
	)
	d := NewDefaultTDigest()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < adds; j++ {
				assert.NoError(t, d.Add(float64(i*adds + j)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, float64(workers*adds), d.Count())
	assert.Equal(t, 0.0, d.Min())
	assert.Equal(t, float64(workers*adds-1), d.Max())
}

func TestTDigestConcurrentOppositeMerges(t *testing.T) {
	a := newTestTDigest(t, 1, 2, 3)
	b := newTestTDigest(t, 4, 5, 6)

	// each merge roughly doubles the weights, so the run is bounded by
	// iterations rather than wall time
	const iterations = 300
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			assert.NoError(t, a.MergeWith(b))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			assert.NoError(t, b.MergeWith(a))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("opposite merges did not finish, likely deadlocked")
	}
	assert.Equal(t, 1.0, a.Min())
	assert.Equal(t, 6.0, b.Max())
}

func TestTDigestRescaleWithConcurrentReaders(t *testing.T) {
	d := NewDefaultTDigest()
	for i := 0; i < 1000; i++ {
		require.NoError(t, d.Add(float64(i)))
	}

	stop := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			d.Rescale(0.5, 0, 100)
			for j := 0; j < 100; j++ {
				assert.NoError(t, d.Add(float64((i + j) % 1000)))
			}
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				v, err := d.ValueAt(float64(i%101) / 100)
				assert.NoError(t, err)
				if !math.IsNaN(v) {
					assert.True(t, v >= 0 && v < 1000, "value %v out of range", v)
				}
				if m := d.Min(); !math.IsNaN(m) {
					assert.True(t, m >= 0 && m < 1000)
				}
				if m := d.Max(); !math.IsNaN(m) {
					assert.True(t, m >= 0 && m < 1000)
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writers.Wait()
}

func TestTDigestUnmarshalDuringMerge(t *testing.T) {
	data, err := newTestTDigest(t, 1, 2, 3).MarshalBinary()
	require.NoError(t, err)

	var d TDigest
	require.NoError(t, d.UnmarshalBinary(data))
	other := newTestTDigest(t, 4, 5, 6)
	assert.NotEqual(t, d.lockOrder(), other.lockOrder())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, d.UnmarshalBinary(data))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, other.MergeWith(&d))
		}
	}()
	wg.Wait()

	assert.Equal(t, 3.0, d.Count())
	assert.Equal(t, 1.0, other.Min())
	assert.Equal(t, 6.0, other.Max())
}
