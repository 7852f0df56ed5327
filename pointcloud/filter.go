package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// GridCoords stores quantized grid coordinates used by the minimum
// distance filter.
type GridCoords struct {
	I, J, K int64
}

// GetGridCoordinates computes the quantized coordinates of pt in a grid of
// the given cell size anchored at ptMin.
func GetGridCoordinates(pt, ptMin r3.Vector, cellSize float64) GridCoords {
	return GridCoords{
		I: int64(math.Floor((pt.X - ptMin.X) / cellSize)),
		J: int64(math.Floor((pt.Y - ptMin.Y) / cellSize)),
		K: int64(math.Floor((pt.Z - ptMin.Z) / cellSize)),
	}
}

// FilterMinDist thins the chunk so that no two kept samples are closer
// than minDist. Positions are quantized into a grid of cell size minDist;
// a sample is kept when no already-kept sample in its own or any adjacent
// grid cell lies within minDist. Samples are considered in input order, so
// the result is deterministic. A minDist of zero or less returns the chunk
// unchanged.
func FilterMinDist(c *Chunk, minDist float64) *Chunk {
	if minDist <= 0 || c.Len() == 0 {
		return c
	}
	ptMin := c.MetaData().Bounds().Min
	minDistSq := minDist * minDist
	occupied := make(map[GridCoords][]int, c.Len())
	kept := make([]int, 0, c.Len())
	for i, p := range c.Positions {
		coords := GetGridCoordinates(p, ptMin, minDist)
		tooClose := false
	neighbors:
		for di := int64(-1); di <= 1; di++ {
			for dj := int64(-1); dj <= 1; dj++ {
				for dk := int64(-1); dk <= 1; dk++ {
					adjacent := GridCoords{I: coords.I + di, J: coords.J + dj, K: coords.K + dk}
					for _, j := range occupied[adjacent] {
						d := p.Sub(c.Positions[j])
						if d.Norm2() < minDistSq {
							tooClose = true
							break neighbors
						}
					}
				}
			}
		}
		if tooClose {
			continue
		}
		occupied[coords] = append(occupied[coords], i)
		kept = append(kept, i)
	}
	if len(kept) == c.Len() {
		return c
	}
	return c.Subset(kept)
}
