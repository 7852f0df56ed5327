package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Box is an axis-aligned bounding box. The zero value is not meaningful;
// use EmptyBox to start an accumulation.
type Box struct {
	Min r3.Vector
	Max r3.Vector
}

// EmptyBox returns a box that contains no points and acts as the identity
// for Union and Extend.
func EmptyBox() Box {
	return Box{
		Min: r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max: r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
}

// NewBox returns the box spanning min to max.
func NewBox(min, max r3.Vector) Box {
	return Box{Min: min, Max: max}
}

// IsEmpty reports whether the box contains no points.
func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Extend grows the box to contain p.
func (b Box) Extend(p r3.Vector) Box {
	return Box{
		Min: r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

// Union returns the smallest box containing both b and o.
func (b Box) Union(o Box) Box {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	return b.Extend(o.Min).Extend(o.Max)
}

// Contains reports whether p lies within the box (inclusive on all faces).
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsBox reports whether o lies entirely within b.
func (b Box) ContainsBox(o Box) bool {
	if o.IsEmpty() {
		return true
	}
	return b.Contains(o.Min) && b.Contains(o.Max)
}

// Center returns the box center.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// HalfSize returns the box half extents.
func (b Box) HalfSize() r3.Vector {
	return b.Max.Sub(b.Min).Mul(0.5)
}

// Corners returns the eight box vertices.
func (b Box) Corners() [8]r3.Vector {
	var out [8]r3.Vector
	for i := 0; i < 8; i++ {
		v := b.Min
		if i&1 != 0 {
			v.X = b.Max.X
		}
		if i&2 != 0 {
			v.Y = b.Max.Y
		}
		if i&4 != 0 {
			v.Z = b.Max.Z
		}
		out[i] = v
	}
	return out
}

// DistanceTo returns the euclidean distance from p to the box, zero when p
// is inside.
func (b Box) DistanceTo(p r3.Vector) float64 {
	return math.Sqrt(b.SquaredDistanceTo(p))
}

// SquaredDistanceTo returns the squared distance from p to the box.
func (b Box) SquaredDistanceTo(p r3.Vector) float64 {
	dx := axisDistance(p.X, b.Min.X, b.Max.X)
	dy := axisDistance(p.Y, b.Min.Y, b.Max.Y)
	dz := axisDistance(p.Z, b.Min.Z, b.Max.Z)
	return dx*dx + dy*dy + dz*dz
}

func axisDistance(v, min, max float64) float64 {
	switch {
	case v < min:
		return min - v
	case v > max:
		return v - max
	default:
		return 0
	}
}
