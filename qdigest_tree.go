package digest

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/axiomhq/digest/decay"
)

const (
	maxBits = 64
	nilNode = int32(-1)

	zeroWeight = decay.ZeroWeightThreshold
)

// qnode is a bucket covering [lowerBound, upperBound] in the sign-flipped
// 64 bit domain. Children are indices into the owning digest's arena.
type qnode struct {
	bits   uint64
	weight float64
	left   int32
	right  int32
	level  uint8
}

func valueToBits(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func bitsToValue(b uint64) int64 {
	return int64(b ^ (1 << 63))
}

func levelMask(level uint8) uint64 {
	if level == 0 {
		return 0
	}
	return math.MaxUint64 >> (maxBits - level)
}

func branchMask(level uint8) uint64 {
	return 1 << (level - 1)
}

func inSameSubtree(a, b uint64, level uint8) bool {
	return level == maxBits || a>>level == b>>level
}

func (n qnode) isLeaf() bool {
	return n.left == nilNode && n.right == nilNode
}

func (n qnode) lowerBound() int64 {
	return bitsToValue(n.bits &^ levelMask(n.level))
}

func (n qnode) upperBound() int64 {
	return bitsToValue(n.bits | levelMask(n.level))
}

// middle is the midpoint of the node's range, computed in the unsigned domain
// so the full-range root does not overflow.
func (n qnode) middle() int64 {
	mask := levelMask(n.level)
	return bitsToValue(n.bits&^mask + mask/2)
}

// middle is the default point used to average a bucket in histograms.
func middle(lower, upper int64) float64 {
	return float64(lower + (upper-lower)/2)
}

// newNode allocates a node, reusing a freed slot when possible. It may grow
// the arena, so callers must not hold element pointers across it.
func (d *QuantileDigest) newNode(b uint64, level uint8, weight float64) int32 {
	d.weightedCount += weight
	d.totalNodeCount++
	if weight >= zeroWeight {
		d.nonZeroNodeCount++
	}

	n := qnode{bits: b, level: level, weight: weight, left: nilNode, right: nilNode}
	if k := len(d.free); k > 0 {
		i := d.free[k-1]
		d.free = d.free[:k-1]
		d.nodes[i] = n
		return i
	}
	d.nodes = append(d.nodes, n)
	return int32(len(d.nodes) - 1)
}

func (d *QuantileDigest) release(i int32) {
	d.nodes[i] = qnode{left: nilNode, right: nilNode}
	d.free = append(d.free, i)
}

func (d *QuantileDigest) weightOf(i int32) float64 {
	if i == nilNode {
		return 0
	}
	return d.nodes[i].weight
}

func (d *QuantileDigest) setChild(parent int32, branch uint64, child int32) {
	switch {
	case parent == nilNode:
		d.root = child
	case branch == 0:
		d.nodes[parent].left = child
	default:
		d.nodes[parent].right = child
	}
}

func (d *QuantileDigest) insert(b uint64, weight float64) {
	var lastBranch uint64
	parent := nilNode
	current := d.root

	for {
		if current == nilNode {
			d.setChild(parent, lastBranch, d.newNode(b, 0, weight))
			return
		}

		n := d.nodes[current]
		if !inSameSubtree(b, n.bits, n.level) {
			leaf := d.newNode(b, 0, weight)
			d.setChild(parent, lastBranch, d.makeSiblings(current, leaf))
			return
		}

		if n.level == 0 && n.bits == b {
			if n.weight < zeroWeight && n.weight+weight >= zeroWeight {
				d.nonZeroNodeCount++
			}
			d.nodes[current].weight += weight
			d.weightedCount += weight
			return
		}

		branch := b & branchMask(n.level)
		parent = current
		lastBranch = branch
		if branch == 0 {
			current = n.left
		} else {
			current = n.right
		}
	}
}

// makeSiblings hangs two disjoint subtrees under a new zero-weight parent at
// the level of their highest differing bit.
func (d *QuantileDigest) makeSiblings(node, sibling int32) int32 {
	nb, sb := d.nodes[node].bits, d.nodes[sibling].bits
	level := uint8(maxBits - bits.LeadingZeros64(nb^sb))

	parent := d.newNode(nb, level, 0)
	if sb&branchMask(level) == 0 {
		d.nodes[parent].left = sibling
		d.nodes[parent].right = node
	} else {
		d.nodes[parent].left = node
		d.nodes[parent].right = sibling
	}
	return parent
}

// copyFrom deep copies the subtree rooted at o in other into d's arena.
func (d *QuantileDigest) copyFrom(other *QuantileDigest, o int32) int32 {
	if o == nilNode {
		return nilNode
	}
	on := other.nodes[o]
	i := d.newNode(on.bits, on.level, on.weight)
	left := d.copyFrom(other, on.left)
	right := d.copyFrom(other, on.right)
	d.nodes[i].left = left
	d.nodes[i].right = right
	return i
}

// mergeNode unions the subtree o of other into the subtree node of d and
// returns the new subtree root.
func (d *QuantileDigest) mergeNode(node int32, other *QuantileDigest, o int32) int32 {
	if node == nilNode {
		return d.copyFrom(other, o)
	}
	if o == nilNode {
		return node
	}

	n, on := d.nodes[node], other.nodes[o]
	if !inSameSubtree(n.bits, on.bits, max(n.level, on.level)) {
		return d.makeSiblings(node, d.copyFrom(other, o))
	}

	switch {
	case n.level > on.level:
		if on.bits&branchMask(n.level) == 0 {
			left := d.mergeNode(n.left, other, o)
			d.nodes[node].left = left
		} else {
			right := d.mergeNode(n.right, other, o)
			d.nodes[node].right = right
		}
		return node

	case n.level < on.level:
		result := d.newNode(on.bits, on.level, on.weight)
		var left, right int32
		if n.bits&branchMask(on.level) == 0 {
			left = d.mergeNode(node, other, on.left)
			right = d.copyFrom(other, on.right)
		} else {
			left = d.copyFrom(other, on.left)
			right = d.mergeNode(node, other, on.right)
		}
		d.nodes[result].left = left
		d.nodes[result].right = right
		return result
	}

	// same level and bucket
	if n.weight < zeroWeight && n.weight+on.weight >= zeroWeight {
		d.nonZeroNodeCount++
	}
	d.nodes[node].weight += on.weight
	d.weightedCount += on.weight

	left := d.mergeNode(n.left, other, on.left)
	right := d.mergeNode(n.right, other, on.right)
	d.nodes[node].left = left
	d.nodes[node].right = right
	return node
}

// tryRemove drops the weight of a node and unlinks it when it has at most
// one child. It returns whatever should take the node's place.
func (d *QuantileDigest) tryRemove(i int32) int32 {
	if i == nilNode {
		return nilNode
	}

	n := d.nodes[i]
	if n.weight >= zeroWeight {
		d.nonZeroNodeCount--
	}
	d.weightedCount -= n.weight

	switch {
	case n.isLeaf():
		d.totalNodeCount--
		d.release(i)
		return nilNode
	case n.left == nilNode || n.right == nilNode:
		d.totalNodeCount--
		d.release(i)
		if n.left != nilNode {
			return n.left
		}
		return n.right
	}

	d.nodes[i].weight = 0
	return i
}

type traversalOrder int

const (
	forward traversalOrder = iota
	reverse
)

// postOrder visits children before their parent. fn returns false to stop the
// walk. fn may rewrite the children of the node it is given.
func (d *QuantileDigest) postOrder(i int32, order traversalOrder, fn func(int32) bool) bool {
	if i == nilNode {
		return true
	}

	n := d.nodes[i]
	first, second := n.left, n.right
	if order == reverse {
		first, second = second, first
	}
	if !d.postOrder(first, order, fn) {
		return false
	}
	if !d.postOrder(second, order, fn) {
		return false
	}
	return fn(i)
}

// inOrder visits the left subtree, the node, then the right subtree. fn returns
// false to stop the walk.
func (d *QuantileDigest) inOrder(i int32, fn func(int32) bool) bool {
	if i == nilNode {
		return true
	}
	n := d.nodes[i]
	return d.inOrder(n.left, fn) && fn(i) && d.inOrder(n.right, fn)
}

func (d *QuantileDigest) maxPathWeight(i int32) float64 {
	if i == nilNode || d.nodes[i].level == 0 {
		return 0
	}
	n := d.nodes[i]
	return max(d.maxPathWeight(n.left), d.maxPathWeight(n.right)) + n.weight
}

func (d *QuantileDigest) equalTrees(a int32, other *QuantileDigest, b int32) bool {
	if a == nilNode || b == nilNode {
		return a == b
	}
	n, on := d.nodes[a], other.nodes[b]
	return n.weight == on.weight &&
		n.level == on.level &&
		n.bits == on.bits &&
		d.equalTrees(n.left, other, on.left) &&
		d.equalTrees(n.right, other, on.right)
}

func (d *QuantileDigest) validateStructure(i int32) error {
	n := d.nodes[i]
	if n.left != nilNode {
		if err := d.validateBranch(n, d.nodes[n.left], n.right, true); err != nil {
			return err
		}
		if err := d.validateStructure(n.left); err != nil {
			return err
		}
	}
	if n.right != nilNode {
		if err := d.validateBranch(n, d.nodes[n.right], n.left, false); err != nil {
			return err
		}
		if err := d.validateStructure(n.right); err != nil {
			return err
		}
	}
	return nil
}

func (d *QuantileDigest) validateBranch(parent, child qnode, otherChild int32, isLeft bool) error {
	if child.level >= parent.level {
		return fmt.Errorf("child level (%d) should be smaller than parent level (%d)", child.level, parent.level)
	}
	onLeft := child.bits&branchMask(parent.level) == 0
	if onLeft != isLeft {
		return fmt.Errorf("child [%d..%d] is on the wrong branch of [%d..%d]",
			child.lowerBound(), child.upperBound(), parent.lowerBound(), parent.upperBound())
	}
	if !inSameSubtree(child.bits, parent.bits, parent.level) {
		return fmt.Errorf("child [%d..%d] is outside of [%d..%d]",
			child.lowerBound(), child.upperBound(), parent.lowerBound(), parent.upperBound())
	}
	if parent.weight < zeroWeight && child.weight < zeroWeight && otherChild == nilNode {
		return fmt.Errorf("found a linear chain of zero-weight nodes at [%d..%d]", parent.lowerBound(), parent.upperBound())
	}
	return nil
}
