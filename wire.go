package digest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Serialized digests are little-endian and start with a format tag byte.
const (
	tdigestFormatTag = 0
	qdigestFormatTag = 1
)

type wireWriter struct {
	buf bytes.Buffer
	tmp [8]byte
}

func (w *wireWriter) byte(b byte) {
	w.buf.WriteByte(b)
}

func (w *wireWriter) int32(v int32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], uint32(v))
	w.buf.Write(w.tmp[:4])
}

func (w *wireWriter) uint64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:], v)
	w.buf.Write(w.tmp[:])
}

func (w *wireWriter) int64(v int64) {
	w.uint64(uint64(v))
}

func (w *wireWriter) float64(v float64) {
	w.uint64(math.Float64bits(v))
}

func (w *wireWriter) bytes() []byte {
	return w.buf.Bytes()
}

// wireReader remembers the first short read; callers check err once at the end.
type wireReader struct {
	r   *bytes.Reader
	err error
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{r: bytes.NewReader(data)}
}

func (r *wireReader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return b
}

func (r *wireReader) byte() byte {
	return r.read(1)[0]
}

func (r *wireReader) int32() int32 {
	return int32(binary.LittleEndian.Uint32(r.read(4)))
}

func (r *wireReader) uint64() uint64 {
	return binary.LittleEndian.Uint64(r.read(8))
}

func (r *wireReader) int64() int64 {
	return int64(r.uint64())
}

func (r *wireReader) float64() float64 {
	return math.Float64frombits(r.uint64())
}

func (r *wireReader) remaining() int {
	return r.r.Len()
}

// finish reports the first read error, or trailing garbage.
func (r *wireReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if n := r.r.Len(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, n)
	}
	return nil
}
