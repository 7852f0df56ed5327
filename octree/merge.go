package octree

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/pointcloud"
)

// Merge combines two octrees into one containing the union of their
// points. The trees' root cells may differ in size and position; both are
// lifted into their common enclosing cell first, then overlapping cells
// are combined slot by slot, re-splitting leaves that outgrow the split
// limit. Output nodes are written post-order like the builder's.
func (b *Builder) Merge(ctx context.Context, x, y *Node) (*Node, error) {
	if x.PointCountTree() == 0 {
		return y, nil
	}
	if y.PointCountTree() == 0 {
		return x, nil
	}

	root := CommonAncestor(x.cell, y.cell)
	if root != x.cell || root != y.cell {
		b.logger.Debugw("aligning octrees before merge", "cellA", x.cell, "cellB", y.cell, "root", root)
	}
	var err error
	if x, err = b.liftTo(ctx, x, root); err != nil {
		return nil, err
	}
	if y, err = b.liftTo(ctx, y, root); err != nil {
		return nil, err
	}
	merged, err := b.mergeSameCell(ctx, x, y)
	if err != nil {
		return nil, err
	}
	if merged.PointCountTree() == 0 {
		return nil, errors.Errorf(
			"merging %s and %s produced an empty tree, input subtree is corrupt", x.ID(), y.ID())
	}
	return merged, nil
}

// liftTo wraps n in inner nodes, empty siblings zero-padded, until it
// occupies target's cell. A centered cell is not an octant of the next
// larger centered cell, so centered nodes are restructured level by level
// instead of wrapped.
func (b *Builder) liftTo(ctx context.Context, n *Node, target Cell) (*Node, error) {
	for n.cell != target {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.cell.IsCentered() {
			var err error
			if n, err = b.liftCenteredOnce(ctx, n); err != nil {
				return nil, err
			}
			continue
		}
		parent := n.cell.Parent()
		if target.IsCentered() && n.cell.E+1 == target.E {
			parent = target
		}
		if !parent.ContainsCell(n.cell) || !target.ContainsCell(parent) {
			return nil, errors.Errorf("cannot lift cell %v toward %v", n.cell, target)
		}
		slot, err := n.cell.IndexInParent(parent)
		if err != nil {
			return nil, err
		}
		wrapper := &Node{
			id:             uuid.New(),
			cell:           parent,
			bounds:         n.bounds,
			pointCountTree: n.pointCountTree,
			ns:             b.ns,
		}
		wrapper.subnodes[slot] = b.resolvedRef(n)
		if err := b.ns.SaveNode(ctx, wrapper); err != nil {
			return nil, err
		}
		n = wrapper
	}
	return n, nil
}

// liftCenteredOnce rebuilds a centered node one exponent up. A centered
// leaf's points simply move to the larger centered cell; a centered inner
// node's octant children each lift into the corresponding octant of the
// larger cell, keeping their slots.
func (b *Builder) liftCenteredOnce(ctx context.Context, n *Node) (*Node, error) {
	parent := NewCenteredCell(n.cell.E + 1)
	if n.IsLeaf() {
		chunk, err := n.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		return b.buildCell(ctx, parent, chunk)
	}
	out := &Node{
		id:             uuid.New(),
		cell:           parent,
		bounds:         n.bounds,
		pointCountTree: n.pointCountTree,
		ns:             b.ns,
	}
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		lifted, err := b.liftTo(ctx, child, parent.Child(i))
		if err != nil {
			return nil, err
		}
		out.subnodes[i] = b.resolvedRef(lifted)
	}
	if err := b.ns.SaveNode(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeSameCell combines two nodes occupying the same cell.
func (b *Builder) mergeSameCell(ctx context.Context, x, y *Node) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case x.IsLeaf() && y.IsLeaf():
		cx, err := x.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		cy, err := y.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		return b.buildCell(ctx, x.cell, cx.Append(cy))
	case x.IsLeaf():
		chunk, err := x.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		return b.mergeNodeWithChunk(ctx, y, chunk)
	case y.IsLeaf():
		chunk, err := y.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		return b.mergeNodeWithChunk(ctx, x, chunk)
	}

	n := &Node{
		id:             uuid.New(),
		cell:           x.cell,
		bounds:         x.bounds.Union(y.bounds),
		pointCountTree: x.pointCountTree + y.pointCountTree,
		ns:             b.ns,
	}
	for i := 0; i < 8; i++ {
		xr, yr := x.subnodes[i], y.subnodes[i]
		switch {
		case xr == nil && yr == nil:
		case yr == nil:
			n.subnodes[i] = xr
		case xr == nil:
			n.subnodes[i] = yr
		default:
			xc, err := xr.Value(ctx)
			if err != nil {
				return nil, err
			}
			yc, err := yr.Value(ctx)
			if err != nil {
				return nil, err
			}
			merged, err := b.mergeSameCell(ctx, xc, yc)
			if err != nil {
				return nil, err
			}
			n.subnodes[i] = b.resolvedRef(merged)
		}
	}
	if err := b.ns.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// mergeNodeWithChunk pushes loose points into an existing subtree rooted
// at n, re-inserting each point at its octant.
func (b *Builder) mergeNodeWithChunk(ctx context.Context, n *Node, chunk *pointcloud.Chunk) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk.Len() == 0 {
		return n, nil
	}
	if n.IsLeaf() {
		existing, err := n.ToChunk(ctx)
		if err != nil {
			return nil, err
		}
		return b.buildCell(ctx, n.cell, existing.Append(chunk))
	}

	var buckets [8][]int
	for i, p := range chunk.Positions {
		idx := n.cell.ChildIndex(p)
		buckets[idx] = append(buckets[idx], i)
	}

	out := &Node{
		id:             uuid.New(),
		cell:           n.cell,
		bounds:         n.bounds.Union(chunk.MetaData().Bounds()),
		pointCountTree: n.pointCountTree + int64(chunk.Len()),
		ns:             b.ns,
	}
	for i := 0; i < 8; i++ {
		ref := n.subnodes[i]
		if len(buckets[i]) == 0 {
			out.subnodes[i] = ref
			continue
		}
		bucket := chunk.Subset(buckets[i])
		if ref == nil {
			child, err := b.buildCell(ctx, n.cell.Child(i), bucket)
			if err != nil {
				return nil, err
			}
			out.subnodes[i] = b.resolvedRef(child)
			continue
		}
		child, err := ref.Value(ctx)
		if err != nil {
			return nil, err
		}
		merged, err := b.mergeNodeWithChunk(ctx, child, bucket)
		if err != nil {
			return nil, err
		}
		out.subnodes[i] = b.resolvedRef(merged)
	}
	if err := b.ns.SaveNode(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}
