package query

import (
	"context"

	"go.viam.com/pointtree/octree"
	"go.viam.com/pointtree/pointcloud"
)

// AtLevel streams the tree at a depth budget: nodes at the requested
// depth answer from their LoD sample (or stored points), leaves higher up
// answer from their points. Depth 0 is the root alone.
func AtLevel(ctx context.Context, root *octree.Node, depth int) ([]*pointcloud.Chunk, error) {
	if root == nil || root.PointCountTree() == 0 {
		return nil, nil
	}
	var out []*pointcloud.Chunk
	err := atLevel(ctx, root, depth, &out)
	return out, err
}

func atLevel(ctx context.Context, n *octree.Node, depth int, out *[]*pointcloud.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.IsLeaf() || depth <= 0 {
		chunk, err := effectiveChunk(ctx, n)
		if err != nil {
			return err
		}
		if chunk != nil && chunk.Len() > 0 {
			*out = append(*out, chunk)
		}
		return nil
	}
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := atLevel(ctx, child, depth-1, out); err != nil {
			return err
		}
	}
	return nil
}

// CountInRegion approximates the number of points inside region using a
// depth budget: subtrees fully inside contribute their exact counts,
// subtrees still straddling the boundary at the depth floor contribute
// their whole count. The result is therefore an overestimate whenever
// cells partially overlap the region, and exact when every reached cell
// is fully inside or outside.
func CountInRegion(ctx context.Context, root *octree.Node, region Region, depth int) (int64, error) {
	if root == nil || root.PointCountTree() == 0 {
		return 0, nil
	}
	return countInRegion(ctx, root, region, depth)
}

func countInRegion(ctx context.Context, n *octree.Node, region Region, depth int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch Classify(region, n) {
	case FullyOutside:
		return 0, nil
	case FullyInside:
		return n.PointCountTree(), nil
	}
	if n.IsLeaf() || depth <= 0 {
		// partial at the floor: count the whole cell, an overestimate
		return n.PointCountTree(), nil
	}
	var total int64
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return 0, err
		}
		if child == nil {
			continue
		}
		sub, err := countInRegion(ctx, child, region, depth-1)
		if err != nil {
			return 0, err
		}
		total += sub
	}
	return total, nil
}
