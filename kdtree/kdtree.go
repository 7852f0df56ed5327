// Package kdtree implements a balanced kd-tree over a flat array of
// positions, supporting bounded k-nearest-neighbour and near-segment
// lookups. Trees index the positions of a single octree leaf; results
// refer back into the position array by index.
package kdtree

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// Neighbor is a single lookup hit: the index of the point in the array the
// tree was built over, and its distance to the query.
type Neighbor struct {
	Index int
	Dist  float64
}

// Tree is a balanced kd-tree. The tree stores a permutation of point
// indices laid out so that the median of every subrange splits it; the
// positions themselves are referenced, not copied.
type Tree struct {
	points []r3.Vector
	perm   []int32
	axes   []uint8
}

// Build constructs a tree over points. The points slice is retained and
// must not be mutated afterwards.
func Build(points []r3.Vector) *Tree {
	t := &Tree{
		points: points,
		perm:   make([]int32, len(points)),
		axes:   make([]uint8, len(points)),
	}
	for i := range t.perm {
		t.perm[i] = int32(i)
	}
	t.build(0, len(points), 0)
	return t
}

// Size returns the number of indexed points.
func (t *Tree) Size() int {
	return len(t.perm)
}

func (t *Tree) build(lo, hi int, depth int) {
	if hi-lo <= 1 {
		if hi-lo == 1 {
			t.axes[lo+(hi-lo)/2] = uint8(depth % 3)
		}
		return
	}
	axis := depth % 3
	mid := lo + (hi-lo)/2
	t.selectNth(lo, hi, mid, axis)
	t.axes[mid] = uint8(axis)
	t.build(lo, mid, depth+1)
	t.build(mid+1, hi, depth+1)
}

// selectNth partially sorts perm[lo:hi] so that perm[nth] holds the point
// that belongs at position nth when ordered along axis, with smaller
// coordinates to its left. Classic quickselect with median-of-three pivots.
func (t *Tree) selectNth(lo, hi, nth, axis int) {
	for hi-lo > 1 {
		pivot := t.medianOfThree(lo, hi, axis)
		i, j := lo, hi-1
		for i <= j {
			for t.coord(i, axis) < pivot {
				i++
			}
			for t.coord(j, axis) > pivot {
				j--
			}
			if i <= j {
				t.perm[i], t.perm[j] = t.perm[j], t.perm[i]
				i++
				j--
			}
		}
		switch {
		case nth <= j:
			hi = j + 1
		case nth >= i:
			lo = i
		default:
			return
		}
	}
}

func (t *Tree) medianOfThree(lo, hi, axis int) float64 {
	a := t.coord(lo, axis)
	b := t.coord(lo+(hi-lo)/2, axis)
	c := t.coord(hi-1, axis)
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		b = a
	}
	return b
}

func (t *Tree) coord(slot, axis int) float64 {
	return axisOf(t.points[t.perm[slot]], axis)
}

func axisOf(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// KNearest returns up to k points within radius of q, sorted by distance,
// ties broken by lower index.
func (t *Tree) KNearest(q r3.Vector, radius float64, k int) []Neighbor {
	if k <= 0 || radius < 0 || len(t.perm) == 0 {
		return nil
	}
	best := newCandidateSet(k)
	t.searchPoint(0, len(t.perm), q, radius, best)
	return best.sorted()
}

func (t *Tree) searchPoint(lo, hi int, q r3.Vector, radius float64, best *candidateSet) {
	if hi <= lo {
		return
	}
	mid := lo + (hi-lo)/2
	idx := int(t.perm[mid])
	d := q.Sub(t.points[idx]).Norm()
	if d <= radius {
		best.offer(Neighbor{Index: idx, Dist: d})
	}
	if hi-lo == 1 {
		return
	}
	axis := int(t.axes[mid])
	split := axisOf(t.points[idx], axis)
	dx := axisOf(q, axis) - split

	near, farLo, farHi := [2]int{lo, mid}, mid+1, hi
	if dx > 0 {
		near, farLo, farHi = [2]int{mid + 1, hi}, lo, mid
	}
	t.searchPoint(near[0], near[1], q, radius, best)
	if math.Abs(dx) <= best.reach(radius) {
		t.searchPoint(farLo, farHi, q, radius, best)
	}
}

// NearSegment returns up to cap points within radius of the segment p0-p1,
// sorted by distance to the segment, ties broken by lower index.
func (t *Tree) NearSegment(p0, p1 r3.Vector, radius float64, cap int) []Neighbor {
	if cap <= 0 || radius < 0 || len(t.perm) == 0 {
		return nil
	}
	best := newCandidateSet(cap)
	t.searchSegment(0, len(t.perm), p0, p1, radius, best)
	return best.sorted()
}

func (t *Tree) searchSegment(lo, hi int, p0, p1 r3.Vector, radius float64, best *candidateSet) {
	if hi <= lo {
		return
	}
	mid := lo + (hi-lo)/2
	idx := int(t.perm[mid])
	d := DistanceToSegment(t.points[idx], p0, p1)
	if d <= radius {
		best.offer(Neighbor{Index: idx, Dist: d})
	}
	if hi-lo == 1 {
		return
	}
	axis := int(t.axes[mid])
	split := axisOf(t.points[idx], axis)
	segMin := math.Min(axisOf(p0, axis), axisOf(p1, axis))
	segMax := math.Max(axisOf(p0, axis), axisOf(p1, axis))

	if split >= segMin-radius {
		t.searchSegment(lo, mid, p0, p1, radius, best)
	}
	if split <= segMax+radius {
		t.searchSegment(mid+1, hi, p0, p1, radius, best)
	}
}

// DistanceToSegment returns the distance from p to the segment a-b.
func DistanceToSegment(p, a, b r3.Vector) float64 {
	ab := b.Sub(a)
	denom := ab.Norm2()
	if denom == 0 {
		return p.Sub(a).Norm()
	}
	s := p.Sub(a).Dot(ab) / denom
	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	return p.Sub(a.Add(ab.Mul(s))).Norm()
}

// candidateSet keeps the best n hits seen so far, ordered by distance then
// index. It is a max-heap on (dist, index) so the worst kept hit is on top.
type candidateSet struct {
	limit int
	heap  []Neighbor
}

func newCandidateSet(limit int) *candidateSet {
	return &candidateSet{limit: limit}
}

func worseThan(a, b Neighbor) bool {
	if a.Dist != b.Dist {
		return a.Dist > b.Dist
	}
	return a.Index > b.Index
}

func (cs *candidateSet) offer(n Neighbor) {
	if len(cs.heap) < cs.limit {
		cs.heap = append(cs.heap, n)
		cs.up(len(cs.heap) - 1)
		return
	}
	if worseThan(n, cs.heap[0]) {
		return
	}
	cs.heap[0] = n
	cs.down(0)
}

// reach is the current pruning distance: the full radius until the set is
// saturated, then the distance of the worst kept hit.
func (cs *candidateSet) reach(radius float64) float64 {
	if len(cs.heap) < cs.limit {
		return radius
	}
	return cs.heap[0].Dist
}

func (cs *candidateSet) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !worseThan(cs.heap[i], cs.heap[parent]) {
			break
		}
		cs.heap[i], cs.heap[parent] = cs.heap[parent], cs.heap[i]
		i = parent
	}
}

func (cs *candidateSet) down(i int) {
	for {
		l, r := 2*i+1, 2*i+2
		worst := i
		if l < len(cs.heap) && worseThan(cs.heap[l], cs.heap[worst]) {
			worst = l
		}
		if r < len(cs.heap) && worseThan(cs.heap[r], cs.heap[worst]) {
			worst = r
		}
		if worst == i {
			return
		}
		cs.heap[i], cs.heap[worst] = cs.heap[worst], cs.heap[i]
		i = worst
	}
}

func (cs *candidateSet) sorted() []Neighbor {
	if len(cs.heap) == 0 {
		return nil
	}
	out := make([]Neighbor, len(cs.heap))
	copy(out, cs.heap)
	sort.Slice(out, func(i, j int) bool {
		return worseThan(out[j], out[i])
	})
	return out
}
