package digest

import (
	"fmt"
	"sort"
)

// centroidBuffer collects freshly added values until the owning t-digest folds
// them into its centroids.
type centroidBuffer struct {
	vec     []Centroid
	maxSize int
}

func newCentroidBuffer(maxSize int) (*centroidBuffer, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %v", maxSize)
	}
	return &centroidBuffer{
		maxSize: maxSize,
		vec:     make([]Centroid, 0, maxSize),
	}, nil
}

// push appends a value. Zero weights are dropped.
func (b *centroidBuffer) push(value, weight float64) {
	if weight > 0 {
		b.vec = append(b.vec, Centroid{Mean: value, Weight: weight})
	}
}

func (b *centroidBuffer) pushAll(cs []Centroid) {
	for _, c := range cs {
		b.push(c.Mean, c.Weight)
	}
}

// sorted returns the buffered entries ordered by value and clears the buffer.
// Callers should minimize how often this is called, ideally only right after
// the buffer becomes full or before a read.
func (b *centroidBuffer) sorted() []Centroid {
	ret := b.vec
	sort.Slice(ret, func(i, j int) bool { return ret[i].Mean < ret[j].Mean })
	b.vec = make([]Centroid, 0, b.maxSize)
	return ret
}

func (b *centroidBuffer) size() int {
	return len(b.vec)
}

func (b *centroidBuffer) clear() {
	b.vec = b.vec[:0]
}

func (b *centroidBuffer) clone() *centroidBuffer {
	vec := make([]Centroid, len(b.vec), b.maxSize)
	copy(vec, b.vec)
	return &centroidBuffer{vec: vec, maxSize: b.maxSize}
}
