package octree

import (
	"context"
	"encoding/binary"
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/pointtree/kdtree"
	"go.viam.com/pointtree/pointcloud"
)

// GenerateLod walks the tree post-order and equips every inner node with
// a bounded sample of its subtree: at most the split limit of
// representatives drawn from the children's own point data (or LoD
// pools), stratified by each child's share of the subtree's points.
// Sampling is seeded from the node id, so repeated runs produce the same
// sample. Each sampled node is republished under its existing id with the
// Lod attributes added; leaves are already their own best detail and pass
// through unchanged.
func (b *Builder) GenerateLod(ctx context.Context, root *Node) (*Node, error) {
	if root.PointCountTree() == 0 {
		return root, nil
	}
	return b.generateLod(ctx, root)
}

func (b *Builder) generateLod(ctx context.Context, n *Node) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.IsLeaf() {
		return n, nil
	}
	if n.HasAttribute(AttrLodPositions) {
		// already sampled by an earlier pass
		return n, nil
	}

	var (
		children [8]*Node
		pools    [8]*pointcloud.Chunk
	)
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		child, err = b.generateLod(ctx, child)
		if err != nil {
			return nil, err
		}
		children[i] = child
		if child.HasAttribute(AttrPositions) {
			pools[i], err = child.ToChunk(ctx)
		} else {
			pools[i], err = child.LodToChunk(ctx)
		}
		if err != nil {
			return nil, err
		}
		if pools[i].Len() == 0 {
			return nil, errors.Errorf("node %s has no point data to sample from", child.ID())
		}
	}

	sample := b.sampleChildren(n, children, pools)

	attrs := make(map[AttributeName]string, len(n.attrs)+6)
	for name, key := range n.attrs {
		attrs[name] = key
	}
	rel := relativeTo(sample.Positions, n.cell)
	if err := b.ns.putAttr(ctx, attrs, AttrLodPositions, encodeVectors32(rel)); err != nil {
		return nil, err
	}
	if err := b.ns.putAttr(ctx, attrs, AttrLodKdTree, kdtree.Build(rel).Marshal()); err != nil {
		return nil, err
	}
	if sample.Colors != nil {
		if err := b.ns.putAttr(ctx, attrs, AttrLodColors, encodeColors(sample.Colors)); err != nil {
			return nil, err
		}
	}
	if sample.Normals != nil {
		if err := b.ns.putAttr(ctx, attrs, AttrLodNormals, encodeVectors32(sample.Normals)); err != nil {
			return nil, err
		}
	}
	if sample.Intensities != nil {
		if err := b.ns.putAttr(ctx, attrs, AttrLodIntensities, encodeInt32s(sample.Intensities)); err != nil {
			return nil, err
		}
	}
	if sample.Classifications != nil {
		if err := b.ns.putAttr(ctx, attrs, AttrLodClassifications, encodeBytes(sample.Classifications)); err != nil {
			return nil, err
		}
	}

	out := &Node{
		id:             n.id,
		cell:           n.cell,
		bounds:         n.bounds,
		pointCountTree: n.pointCountTree,
		attrs:          attrs,
		ns:             b.ns,
	}
	for i, child := range children {
		if child != nil {
			out.subnodes[i] = b.resolvedRef(child)
		}
	}
	if err := b.ns.ReplaceNode(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// sampleChildren draws at most the split limit of representatives from
// the children's pools, proportionally to each child's subtree count.
func (b *Builder) sampleChildren(n *Node, children [8]*Node, pools [8]*pointcloud.Chunk) *pointcloud.Chunk {
	total := 0
	for _, pool := range pools {
		if pool != nil {
			total += pool.Len()
		}
	}

	quotas := make([]int, 8)
	if total <= b.splitLimit {
		for i, pool := range pools {
			if pool != nil {
				quotas[i] = pool.Len()
			}
		}
	} else {
		// proportional shares by subtree count, leftover slots assigned
		// in octant order
		assigned := 0
		for i, child := range children {
			if child == nil {
				continue
			}
			q := int(int64(b.splitLimit) * child.pointCountTree / n.pointCountTree)
			if q > pools[i].Len() {
				q = pools[i].Len()
			}
			quotas[i] = q
			assigned += q
		}
		for assigned < b.splitLimit {
			grown := false
			for i, pool := range pools {
				if assigned >= b.splitLimit {
					break
				}
				if pool != nil && quotas[i] < pool.Len() {
					quotas[i]++
					assigned++
					grown = true
				}
			}
			if !grown {
				break
			}
		}
	}

	rng := rand.New(rand.NewSource(lodSeed(n)))
	sample := &pointcloud.Chunk{}
	first := true
	for i, pool := range pools {
		if pool == nil || quotas[i] == 0 {
			continue
		}
		var part *pointcloud.Chunk
		if quotas[i] >= pool.Len() {
			part = pool
		} else {
			part = pool.Subset(rng.Perm(pool.Len())[:quotas[i]])
		}
		if first {
			sample = part
			first = false
		} else {
			sample = sample.Append(part)
		}
	}
	return sample
}

// lodSeed derives the deterministic sampling seed from the node id.
func lodSeed(n *Node) int64 {
	return int64(binary.LittleEndian.Uint64(n.id[:8]))
}
