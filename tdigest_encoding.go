package digest

import (
	"fmt"
	"math"
)

const (
	tdigestHeaderSize = 1 + 8 + 8 + 8 + 8 + 4
	centroidWireSize  = 8 + 8
)

// Serialize compresses the digest at its nominal compression and encodes it:
// format tag, compression, min, max, count, centroid count and the
// (mean, weight) pairs in ascending mean order. Everything is little-endian.
func (d *TDigest) Serialize() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.compressLocked(d.compression)

	var w wireWriter
	w.buf.Grow(tdigestHeaderSize + len(d.centroids)*centroidWireSize)
	w.byte(tdigestFormatTag)
	w.float64(d.compression)
	w.float64(d.min)
	w.float64(d.max)
	w.float64(d.count)
	w.int32(int32(len(d.centroids)))
	for _, c := range d.centroids {
		w.float64(c.Mean)
		w.float64(c.Weight)
	}
	return w.bytes()
}

// SerializedSize is the length Serialize would produce without compressing
// first.
func (d *TDigest) SerializedSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tdigestHeaderSize + (len(d.centroids)+d.buffer.size())*centroidWireSize
}

// MarshalBinary ...
func (d *TDigest) MarshalBinary() ([]byte, error) {
	return d.Serialize(), nil
}

// DeserializeTDigest decodes the output of Serialize.
func DeserializeTDigest(data []byte) (*TDigest, error) {
	r := newWireReader(data)
	tag := r.byte()
	compression := r.float64()
	minValue := r.float64()
	maxValue := r.float64()
	count := r.float64()
	n := int(r.int32())
	if r.err != nil {
		return nil, r.err
	}
	if tag != tdigestFormatTag {
		return nil, fmt.Errorf("%w: unknown format tag %d", ErrCorrupted, tag)
	}
	if n < 0 || n*centroidWireSize != r.remaining() {
		return nil, fmt.Errorf("%w: bad centroid count %d", ErrCorrupted, n)
	}

	d, err := NewTDigest(compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	centroids := make([]Centroid, n)
	for i := range centroids {
		c := Centroid{Mean: r.float64(), Weight: r.float64()}
		if math.IsNaN(c.Mean) || !(c.Weight > 0) || (i > 0 && c.Mean < centroids[i-1].Mean) {
			return nil, fmt.Errorf("%w: bad centroid %v at %d", ErrCorrupted, c, i)
		}
		centroids[i] = c
	}
	if err := r.finish(); err != nil {
		return nil, err
	}

	if n > 0 {
		d.centroids = centroids
		d.count = count
		d.min = minValue
		d.max = maxValue
	}
	return d, nil
}

// UnmarshalBinary replaces the contents of d with the decoded digest.
func (d *TDigest) UnmarshalBinary(data []byte) error {
	decoded, err := DeserializeTDigest(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.compression = decoded.compression
	d.maxSize = decoded.maxSize
	d.centroids = decoded.centroids
	d.buffer = decoded.buffer
	d.count = decoded.count
	d.min = decoded.min
	d.max = decoded.max
	d.backwards = false
	return nil
}
