package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// MetaData is data about what is stored in a chunk or cloud.
type MetaData struct {
	HasColor          bool
	HasNormal         bool
	HasIntensity      bool
	HasClassification bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	inited bool // just to prevent someone creating the wrong way
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,

		inited: true,
	}
}

// Merge merges the position of p into the bounding bounds.
func (meta *MetaData) Merge(p r3.Vector) {
	if p.X > meta.MaxX {
		meta.MaxX = p.X
	}
	if p.Y > meta.MaxY {
		meta.MaxY = p.Y
	}
	if p.Z > meta.MaxZ {
		meta.MaxZ = p.Z
	}

	if p.X < meta.MinX {
		meta.MinX = p.X
	}
	if p.Y < meta.MinY {
		meta.MinY = p.Y
	}
	if p.Z < meta.MinZ {
		meta.MinZ = p.Z
	}
}

// Bounds returns the accumulated bounding box.
func (meta MetaData) Bounds() Box {
	return Box{
		Min: r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ},
		Max: r3.Vector{X: meta.MaxX, Y: meta.MaxY, Z: meta.MaxZ},
	}
}
