package octree

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/kdtree"
	"go.viam.com/pointtree/pointcloud"
	"go.viam.com/pointtree/storage"
)

// DefaultSplitLimit is the default maximum number of points per leaf.
const DefaultSplitLimit = 8192

// Builder bulk-builds octrees from chunks and merges existing trees,
// persisting every node it creates through its NodeStore.
type Builder struct {
	ns         *NodeStore
	splitLimit int
	logger     golog.Logger
}

// NewBuilder creates a builder writing through ns with the given split
// limit (DefaultSplitLimit when zero).
func NewBuilder(ns *NodeStore, splitLimit int, logger golog.Logger) (*Builder, error) {
	if ns == nil {
		return nil, errors.New("builder needs a node store")
	}
	if splitLimit == 0 {
		splitLimit = DefaultSplitLimit
	}
	if splitLimit < 0 {
		return nil, errors.Errorf("invalid split limit %d", splitLimit)
	}
	return &Builder{ns: ns, splitLimit: splitLimit, logger: logger}, nil
}

// SplitLimit returns the builder's per-leaf point budget.
func (b *Builder) SplitLimit() int {
	return b.splitLimit
}

// NodeStore returns the store the builder persists through.
func (b *Builder) NodeStore() *NodeStore {
	return b.ns
}

// BuildChunk builds a fresh octree covering chunk and returns its root.
// An empty chunk yields a sentinel empty node with a zero tree count.
func (b *Builder) BuildChunk(ctx context.Context, chunk *pointcloud.Chunk) (*Node, error) {
	if err := chunk.Validate(); err != nil {
		return nil, err
	}
	if chunk.Len() == 0 {
		return b.emptyNode(ctx)
	}
	cell, err := CellFromBounds(chunk.MetaData().Bounds())
	if err != nil {
		return nil, err
	}
	return b.buildCell(ctx, cell, chunk)
}

func (b *Builder) emptyNode(ctx context.Context) (*Node, error) {
	n := &Node{
		id:     uuid.New(),
		cell:   NewCell(0, 0, 0, 0),
		bounds: pointcloud.EmptyBox(),
		ns:     b.ns,
	}
	if err := b.ns.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// buildCell recursively partitions chunk into the octants of cell until
// partitions fit the split limit. Node records are written post-order:
// every child is persisted before its parent.
func (b *Builder) buildCell(ctx context.Context, cell Cell, chunk *pointcloud.Chunk) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk.Len() <= b.splitLimit || cell.E <= minCellExponent {
		return b.makeLeaf(ctx, cell, chunk)
	}

	var buckets [8][]int
	for i, p := range chunk.Positions {
		idx := cell.ChildIndex(p)
		buckets[idx] = append(buckets[idx], i)
	}

	n := &Node{
		id:     uuid.New(),
		cell:   cell,
		bounds: pointcloud.EmptyBox(),
		ns:     b.ns,
	}
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		child, err := b.buildCell(ctx, cell.Child(i), chunk.Subset(bucket))
		if err != nil {
			return nil, err
		}
		n.subnodes[i] = b.resolvedRef(child)
		n.pointCountTree += child.pointCountTree
		n.bounds = n.bounds.Union(child.bounds)
	}
	if err := b.ns.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *Builder) makeLeaf(ctx context.Context, cell Cell, chunk *pointcloud.Chunk) (*Node, error) {
	n := &Node{
		id:             uuid.New(),
		cell:           cell,
		bounds:         chunk.MetaData().Bounds(),
		pointCountTree: int64(chunk.Len()),
		attrs:          map[AttributeName]string{},
		ns:             b.ns,
	}
	rel := relativeTo(chunk.Positions, cell)
	if err := b.ns.putAttr(ctx, n.attrs, AttrPositions, encodeVectors32(rel)); err != nil {
		return nil, err
	}
	if err := b.ns.putAttr(ctx, n.attrs, AttrKdTree, kdtree.Build(rel).Marshal()); err != nil {
		return nil, err
	}
	if chunk.Colors != nil {
		if err := b.ns.putAttr(ctx, n.attrs, AttrColors, encodeColors(chunk.Colors)); err != nil {
			return nil, err
		}
	}
	if chunk.Normals != nil {
		if err := b.ns.putAttr(ctx, n.attrs, AttrNormals, encodeVectors32(chunk.Normals)); err != nil {
			return nil, err
		}
	}
	if chunk.Intensities != nil {
		if err := b.ns.putAttr(ctx, n.attrs, AttrIntensities, encodeInt32s(chunk.Intensities)); err != nil {
			return nil, err
		}
	}
	if chunk.Classifications != nil {
		if err := b.ns.putAttr(ctx, n.attrs, AttrClassifications, encodeBytes(chunk.Classifications)); err != nil {
			return nil, err
		}
	}
	if err := b.ns.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// resolvedRef wraps an in-memory node in a ref that reloads from the
// store once the node is collected.
func (b *Builder) resolvedRef(n *Node) *storage.Ref[Node] {
	return storage.NewResolvedRef(n.ID(), b.ns.LoadNode, n)
}

// relativeTo rebases absolute positions onto the cell center, clamped so
// float32 rounding cannot push a point across the cell's half-open max
// face.
func relativeTo(positions []r3.Vector, cell Cell) []r3.Vector {
	center := cell.Center()
	half := cell.Side() / 2
	limit := float64(math.Nextafter32(float32(half), 0))
	out := make([]r3.Vector, len(positions))
	for i, p := range positions {
		rel := p.Sub(center)
		out[i] = r3.Vector{
			X: clamp(rel.X, -half, limit),
			Y: clamp(rel.Y, -half, limit),
			Z: clamp(rel.Z, -half, limit),
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
