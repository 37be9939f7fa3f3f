package digest

import (
	"fmt"
	"sort"
	"strings"
)

const (
	qnodeHasLeft  = 1
	qnodeHasRight = 2

	qdigestHeaderSize = 1 + 8 + 8 + 8 + 8 + 8 + 4
	qnodeWireSize     = 1 + 1 + 8 + 8
)

// EstimatedSerializedSize is the exact length of MarshalBinary's output.
func (d *QuantileDigest) EstimatedSerializedSize() int {
	return qdigestHeaderSize + d.totalNodeCount*qnodeWireSize
}

// MarshalBinary encodes the digest configuration, counters and nodes in
// post-order.
func (d *QuantileDigest) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.buf.Grow(d.EstimatedSerializedSize())

	w.byte(qdigestFormatTag)
	w.float64(d.maxError)
	w.float64(d.alpha)
	w.int64(d.landmark)
	w.int64(d.min)
	w.int64(d.max)
	w.int32(int32(d.totalNodeCount))

	d.postOrder(d.root, forward, func(i int32) bool {
		n := d.nodes[i]
		var flags byte
		if n.left != nilNode {
			flags |= qnodeHasLeft
		}
		if n.right != nilNode {
			flags |= qnodeHasRight
		}
		w.byte(flags)
		w.byte(n.level)
		w.uint64(n.bits)
		w.float64(n.weight)
		return true
	})
	return w.bytes(), nil
}

// UnmarshalQuantileDigest decodes a digest produced by MarshalBinary. Options
// may supply the clock; the configuration comes from data.
func UnmarshalQuantileDigest(data []byte, opts ...QuantileDigestOption) (*QuantileDigest, error) {
	r := newWireReader(data)
	tag := r.byte()
	maxError := r.float64()
	alpha := r.float64()
	landmark := r.int64()
	minValue := r.int64()
	maxValue := r.int64()
	nodeCount := int(r.int32())
	if r.err != nil {
		return nil, r.err
	}
	if tag != qdigestFormatTag {
		return nil, fmt.Errorf("%w: unknown format tag %d", ErrCorrupted, tag)
	}
	if nodeCount < 0 || nodeCount*qnodeWireSize != r.remaining() {
		return nil, fmt.Errorf("%w: bad node count %d", ErrCorrupted, nodeCount)
	}

	d, err := NewQuantileDigest(maxError, append([]QuantileDigestOption{WithAlpha(alpha)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("decode quantile digest: %w", err)
	}
	d.nodes = make([]qnode, 0, nodeCount)

	stack := make([]int32, 0, 64)
	pop := func() (int32, error) {
		if len(stack) == 0 {
			return nilNode, fmt.Errorf("%w: node references a missing child", ErrCorrupted)
		}
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return i, nil
	}

	for k := 0; k < nodeCount; k++ {
		flags := r.byte()
		level := r.byte()
		b := r.uint64()
		weight := r.float64()
		if r.err != nil {
			return nil, r.err
		}
		if level > maxBits || flags&^(qnodeHasLeft|qnodeHasRight) != 0 {
			return nil, fmt.Errorf("%w: bad node header", ErrCorrupted)
		}

		i := d.newNode(b, level, weight)
		if flags&qnodeHasRight != 0 {
			if d.nodes[i].right, err = pop(); err != nil {
				return nil, err
			}
		}
		if flags&qnodeHasLeft != 0 {
			if d.nodes[i].left, err = pop(); err != nil {
				return nil, err
			}
		}
		stack = append(stack, i)
	}

	switch len(stack) {
	case 0:
	case 1:
		d.root = stack[0]
	default:
		return nil, fmt.Errorf("%w: %d disconnected subtrees", ErrCorrupted, len(stack))
	}

	d.landmark = landmark
	d.min = minValue
	d.max = maxValue
	return d, r.finish()
}

// UnmarshalBinary replaces the contents of d with the decoded digest, keeping
// d's clock.
func (d *QuantileDigest) UnmarshalBinary(data []byte) error {
	decoded, err := UnmarshalQuantileDigest(data, WithClock(d.clock))
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}

// Graphviz renders the tree in dot syntax, one rank per level.
func (d *QuantileDigest) Graphviz() string {
	var nodes []int32
	byLevel := map[uint8][]int32{}
	d.postOrder(d.root, forward, func(i int32) bool {
		nodes = append(nodes, i)
		byLevel[d.nodes[i].level] = append(byLevel[d.nodes[i].level], i)
		return true
	})

	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, int(l))
	}
	sort.Ints(levels)

	id := func(i int32) string {
		return fmt.Sprintf("node_%x_%x", d.nodes[i].bits, d.nodes[i].level)
	}

	var sb strings.Builder
	sb.WriteString("digraph QuantileDigest {\n\tgraph [ordering=\"out\"];\n")
	for _, l := range levels {
		fmt.Fprintf(&sb, "\tsubgraph level_%d {\n\t\trank = same;\n", l)
		for _, i := range byLevel[uint8(l)] {
			n := d.nodes[i]
			color := "white"
			if n.weight > 0 {
				color = "salmon2"
			}
			fmt.Fprintf(&sb, "\t\t%s [label=\"[%d..%d]@%d\\n%v\", shape=rect, style=filled,color=%s];\n",
				id(i), n.lowerBound(), n.upperBound(), n.level, n.weight, color)
		}
		sb.WriteString("\t}\n")
	}
	for _, i := range nodes {
		n := d.nodes[i]
		if n.left != nilNode {
			fmt.Fprintf(&sb, "\t%s -> %s;\n", id(i), id(n.left))
		}
		if n.right != nilNode {
			fmt.Fprintf(&sb, "\t%s -> %s;\n", id(i), id(n.right))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
