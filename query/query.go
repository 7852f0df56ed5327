package query

import (
	"context"
	"math"

	"go.viam.com/pointtree/octree"
	"go.viam.com/pointtree/pointcloud"
)

// NoMinExponent disables the traversal floor: queries descend all the way
// to the leaves.
const NoMinExponent = int32(math.MinInt32)

// FilterState classifies one node against a region.
type FilterState int

// A node fully inside the region yields all of its points without
// per-point checks; fully outside is pruned without touching attribute
// blobs; partial nodes descend or filter point by point.
const (
	FullyInside FilterState = iota
	Partial
	FullyOutside
)

// Classify computes the node's filter state from its exact bounding box.
func Classify(region Region, n *octree.Node) FilterState {
	box := n.BoundsExact()
	if box.IsEmpty() {
		return FullyOutside
	}
	switch {
	case region.DisjointBox(box):
		return FullyOutside
	case region.ContainsBox(box):
		return FullyInside
	default:
		return Partial
	}
}

// Iterator streams the result of a region query as chunks. Callers pull
// with Next and may stop at any time; nodes are loaded lazily as the
// iterator descends.
type Iterator struct {
	region      Region
	minExponent int32
	stack       []*octree.Node
}

// Filter starts a region query over the tree rooted at root.
// minExponent floors the descent: nodes at or below it are treated like
// leaves and answered from their data or LoD sample.
func Filter(root *octree.Node, region Region, minExponent int32) *Iterator {
	it := &Iterator{region: region, minExponent: minExponent}
	if root != nil && root.PointCountTree() > 0 {
		it.stack = []*octree.Node{root}
	}
	return it
}

// Next returns the next non-empty result chunk, or nil when the query is
// exhausted. Absent optional attributes surface as nil columns.
func (it *Iterator) Next(ctx context.Context) (*pointcloud.Chunk, error) {
	for len(it.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		state := Classify(it.region, n)
		if state == FullyOutside {
			continue
		}

		atFloor := n.IsLeaf() || n.Cell().E <= it.minExponent
		if !atFloor {
			// push in reverse so octant 0 pops first
			for i := 7; i >= 0; i-- {
				child, err := n.Child(ctx, i)
				if err != nil {
					return nil, err
				}
				if child != nil {
					it.stack = append(it.stack, child)
				}
			}
			continue
		}

		chunk, err := effectiveChunk(ctx, n)
		if err != nil {
			return nil, err
		}
		if chunk == nil || chunk.Len() == 0 {
			continue
		}
		if state == FullyInside {
			return chunk, nil
		}
		kept := make([]int, 0, chunk.Len())
		for i, p := range chunk.Positions {
			if it.region.ContainsPoint(p) {
				kept = append(kept, i)
			}
		}
		if len(kept) == 0 {
			continue
		}
		return chunk.Subset(kept), nil
	}
	return nil, nil
}

// Collect drains the iterator into one chunk.
func (it *Iterator) Collect(ctx context.Context) (*pointcloud.Chunk, error) {
	out := pointcloud.NewChunk(nil)
	first := true
	for {
		chunk, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return out, nil
		}
		if first {
			out = chunk
			first = false
		} else {
			out = out.Append(chunk)
		}
	}
}

// effectiveChunk returns the node's own points when stored, otherwise its
// LoD sample, otherwise nil.
func effectiveChunk(ctx context.Context, n *octree.Node) (*pointcloud.Chunk, error) {
	if n.HasAttribute(octree.AttrPositions) {
		return n.ToChunk(ctx)
	}
	if n.HasAttribute(octree.AttrLodPositions) {
		return n.LodToChunk(ctx)
	}
	return nil, nil
}
