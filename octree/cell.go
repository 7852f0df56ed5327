// Package octree implements an out-of-core octree over massive point
// clouds: construction from raw chunks, merging of independently built
// trees, level-of-detail aggregation, normal estimation, and the
// content-addressed node records everything is persisted as.
package octree

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/pointcloud"
)

// Cells with exponents below this floor are never split further; at this
// scale double precision coordinates can no longer tell octants apart, so
// coincident points stay together in one leaf.
const minCellExponent = -52

// centeredCoord marks a cell centered on the origin.
const centeredCoord = math.MinInt64

// Cell is an axis-aligned cube in the octree grid, identified by integer
// coordinates and an exponent: the cell spans [X*2^E, (X+1)*2^E) per axis.
// A centered cell spans [-2^(E-1), 2^(E-1)) per axis and exists so that
// bounding boxes straddling the origin have an enclosing cell.
type Cell struct {
	X, Y, Z int64
	E       int32
}

// NewCell creates the cell at the given grid coordinates and exponent.
func NewCell(x, y, z int64, e int32) Cell {
	return Cell{X: x, Y: y, Z: z, E: e}
}

// NewCenteredCell creates the origin-centered cell at the given exponent.
func NewCenteredCell(e int32) Cell {
	return Cell{X: centeredCoord, Y: centeredCoord, Z: centeredCoord, E: e}
}

// IsCentered reports whether the cell is origin-centered.
func (c Cell) IsCentered() bool {
	return c.X == centeredCoord
}

// Side returns the cell's side length 2^E.
func (c Cell) Side() float64 {
	return math.Ldexp(1, int(c.E))
}

// Bounds returns the cell's extent in space.
func (c Cell) Bounds() pointcloud.Box {
	if c.IsCentered() {
		h := math.Ldexp(1, int(c.E)-1)
		return pointcloud.NewBox(r3.Vector{X: -h, Y: -h, Z: -h}, r3.Vector{X: h, Y: h, Z: h})
	}
	side := c.Side()
	min := r3.Vector{X: float64(c.X) * side, Y: float64(c.Y) * side, Z: float64(c.Z) * side}
	return pointcloud.NewBox(min, min.Add(r3.Vector{X: side, Y: side, Z: side}))
}

// Center returns the cell's center point.
func (c Cell) Center() r3.Vector {
	if c.IsCentered() {
		return r3.Vector{}
	}
	side := c.Side()
	half := side / 2
	return r3.Vector{
		X: float64(c.X)*side + half,
		Y: float64(c.Y)*side + half,
		Z: float64(c.Z)*side + half,
	}
}

// Contains reports whether p lies in the cell. Cells are half-open: a
// point exactly on the max face belongs to the neighboring cell.
func (c Cell) Contains(p r3.Vector) bool {
	b := c.Bounds()
	return p.X >= b.Min.X && p.X < b.Max.X &&
		p.Y >= b.Min.Y && p.Y < b.Max.Y &&
		p.Z >= b.Min.Z && p.Z < b.Max.Z
}

// ChildIndex returns which octant of the cell p lies in, encoded as
// x + 2y + 4z with each axis bit set when p is at or above the center.
func (c Cell) ChildIndex(p r3.Vector) int {
	center := c.Center()
	idx := 0
	if p.X >= center.X {
		idx |= 1
	}
	if p.Y >= center.Y {
		idx |= 2
	}
	if p.Z >= center.Z {
		idx |= 4
	}
	return idx
}

// Child returns the cell's i-th octant at exponent E-1.
func (c Cell) Child(i int) Cell {
	bx := int64(i & 1)
	by := int64((i >> 1) & 1)
	bz := int64((i >> 2) & 1)
	if c.IsCentered() {
		// the children of a centered cell are the 8 ordinary cells
		// touching the origin
		return NewCell(bx-1, by-1, bz-1, c.E-1)
	}
	return NewCell(2*c.X+bx, 2*c.Y+by, 2*c.Z+bz, c.E-1)
}

// Parent returns the cell at exponent E+1 containing this cell. The
// parent of a centered cell is the next larger centered cell.
func (c Cell) Parent() Cell {
	if c.IsCentered() {
		return NewCenteredCell(c.E + 1)
	}
	return NewCell(shiftFloor(c.X, 1), shiftFloor(c.Y, 1), shiftFloor(c.Z, 1), c.E+1)
}

// IndexInParent returns the octant slot this cell occupies in parent.
// parent must contain the cell at exactly one exponent above it.
func (c Cell) IndexInParent(parent Cell) (int, error) {
	if parent.E != c.E+1 || !parent.ContainsCell(c) {
		return 0, errors.Errorf("cell %v is not a direct child of %v", c, parent)
	}
	var bx, by, bz int64
	if parent.IsCentered() {
		bx, by, bz = c.X+1, c.Y+1, c.Z+1
	} else {
		bx, by, bz = c.X-2*parent.X, c.Y-2*parent.Y, c.Z-2*parent.Z
	}
	return int(bx) | int(by)<<1 | int(bz)<<2, nil
}

// ContainsCell reports whether o lies entirely within c.
func (c Cell) ContainsCell(o Cell) bool {
	if c == o {
		return true
	}
	if c.IsCentered() {
		if o.IsCentered() {
			return o.E <= c.E
		}
		k := int(c.E) - 1 - int(o.E)
		if k < 0 {
			return false
		}
		if k >= 62 {
			return true
		}
		lim := int64(1) << uint(k)
		return o.X >= -lim && o.X < lim &&
			o.Y >= -lim && o.Y < lim &&
			o.Z >= -lim && o.Z < lim
	}
	if o.IsCentered() {
		// a centered cell straddles the origin, ordinary cells never do
		return false
	}
	k := int(c.E) - int(o.E)
	if k < 0 {
		return false
	}
	return shiftFloor(o.X, k) == c.X &&
		shiftFloor(o.Y, k) == c.Y &&
		shiftFloor(o.Z, k) == c.Z
}

// CommonAncestor returns the smallest cell containing both a and b. When
// the cells lie in different origin octants, or either is centered, the
// result is the smallest sufficient centered cell.
func CommonAncestor(a, b Cell) Cell {
	if a.ContainsCell(b) {
		return a
	}
	if b.ContainsCell(a) {
		return b
	}
	if a.IsCentered() || b.IsCentered() || differentOctant(a, b) {
		e := a.E
		if b.E > e {
			e = b.E
		}
		for {
			c := NewCenteredCell(e)
			if c.ContainsCell(a) && c.ContainsCell(b) {
				return c
			}
			e++
		}
	}
	for a.E < b.E {
		a = a.Parent()
	}
	for b.E < a.E {
		b = b.Parent()
	}
	for a != b {
		a = a.Parent()
		b = b.Parent()
	}
	return a
}

func differentOctant(a, b Cell) bool {
	return (a.X < 0) != (b.X < 0) || (a.Y < 0) != (b.Y < 0) || (a.Z < 0) != (b.Z < 0)
}

// CellFromBounds returns the smallest cell containing box. Boxes that
// straddle the origin get a centered cell.
func CellFromBounds(box pointcloud.Box) (Cell, error) {
	if box.IsEmpty() {
		return Cell{}, errors.New("cannot compute a cell for an empty box")
	}
	straddles := (box.Min.X < 0 && box.Max.X > 0) ||
		(box.Min.Y < 0 && box.Max.Y > 0) ||
		(box.Min.Z < 0 && box.Max.Z > 0)
	if straddles {
		for e := startExponent(box); ; e++ {
			h := math.Ldexp(1, int(e)-1)
			if box.Min.X >= -h && box.Max.X < h &&
				box.Min.Y >= -h && box.Max.Y < h &&
				box.Min.Z >= -h && box.Max.Z < h {
				return NewCenteredCell(e), nil
			}
		}
	}
	for e := startExponent(box); ; e++ {
		side := math.Ldexp(1, int(e))
		x := int64(math.Floor(box.Min.X / side))
		y := int64(math.Floor(box.Min.Y / side))
		z := int64(math.Floor(box.Min.Z / side))
		if box.Max.X < float64(x+1)*side &&
			box.Max.Y < float64(y+1)*side &&
			box.Max.Z < float64(z+1)*side {
			return NewCell(x, y, z, e), nil
		}
	}
}

// startExponent picks the smallest candidate exponent for CellFromBounds
// such that grid coordinates stay within int64 range for boxes far from
// the origin.
func startExponent(box pointcloud.Box) int32 {
	maxAbs := 0.0
	for _, v := range []float64{box.Min.X, box.Min.Y, box.Min.Z, box.Max.X, box.Max.Y, box.Max.Z} {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	e := int32(minCellExponent)
	if maxAbs > 0 {
		if coordFloor := int32(math.Ilogb(maxAbs)) - 60; coordFloor > e {
			e = coordFloor
		}
	}
	return e
}

// shiftFloor divides x by 2^k rounding toward negative infinity.
func shiftFloor(x int64, k int) int64 {
	if k >= 63 {
		if x < 0 {
			return -1
		}
		return 0
	}
	return x >> uint(k)
}
