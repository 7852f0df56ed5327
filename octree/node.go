package octree

import (
	"context"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/kdtree"
	"go.viam.com/pointtree/pointcloud"
	"go.viam.com/pointtree/storage"
)

// Node is one immutable octree node: its cell, the exact bounding box of
// the points beneath it, per-subtree and per-node point counts, up to
// eight lazily-resolved children, and references to the attribute blobs
// holding the node's point data.
//
// A node with no subnodes is a leaf and stores up to the split limit of
// points directly. Inner nodes store no points of their own until a
// level-of-detail pass adds a bounded sample under the Lod attributes.
type Node struct {
	id             uuid.UUID
	cell           Cell
	bounds         pointcloud.Box
	pointCountTree int64
	subnodes       [8]*storage.Ref[Node]
	attrs          map[AttributeName]string

	ns *NodeStore
}

// ID returns the node's stable identifier, its key in the blob store.
func (n *Node) ID() string {
	return n.id.String()
}

// Cell returns the cell this node occupies.
func (n *Node) Cell() Cell {
	return n.cell
}

// BoundsExact returns the tight bounding box of the contained points.
func (n *Node) BoundsExact() pointcloud.Box {
	return n.bounds
}

// PointCountTree returns the total number of points in this subtree.
func (n *Node) PointCountTree() int64 {
	return n.pointCountTree
}

// PointCountNode returns the number of points stored directly at this
// node: the full count for leaves, zero for inner nodes.
func (n *Node) PointCountNode() int64 {
	if n.IsLeaf() && n.HasAttribute(AttrPositions) {
		return n.pointCountTree
	}
	return 0
}

// IsLeaf reports whether the node has no subnodes.
func (n *Node) IsLeaf() bool {
	for _, ref := range n.subnodes {
		if ref != nil {
			return false
		}
	}
	return true
}

// Subnode returns the lazy reference to the i-th child, or nil.
func (n *Node) Subnode(i int) *storage.Ref[Node] {
	return n.subnodes[i]
}

// Child loads the i-th child, or returns nil when the slot is empty.
func (n *Node) Child(ctx context.Context, i int) (*Node, error) {
	ref := n.subnodes[i]
	if ref == nil {
		return nil, nil
	}
	return ref.Value(ctx)
}

// HasAttribute reports whether the node carries the named attribute.
func (n *Node) HasAttribute(name AttributeName) bool {
	_, ok := n.attrs[name]
	return ok
}

// AttributeKey returns the blob key of the named attribute.
func (n *Node) AttributeKey(name AttributeName) (string, bool) {
	key, ok := n.attrs[name]
	return key, ok
}

// PositionsRelative returns the node's cell-relative stored positions, or
// nil when the node has none.
func (n *Node) PositionsRelative(ctx context.Context) ([]r3.Vector, error) {
	return n.ns.loadVectors(ctx, n.attrs, AttrPositions)
}

// Positions returns the node's stored positions in absolute coordinates.
func (n *Node) Positions(ctx context.Context) ([]r3.Vector, error) {
	rel, err := n.PositionsRelative(ctx)
	if err != nil || rel == nil {
		return nil, err
	}
	return addCenter(rel, n.cell.Center()), nil
}

// Colors returns the node's per-point colors, or nil when absent.
func (n *Node) Colors(ctx context.Context) ([]color.NRGBA, error) {
	return n.ns.loadColors(ctx, n.attrs, AttrColors)
}

// Normals returns the node's per-point normals, or nil when absent.
func (n *Node) Normals(ctx context.Context) ([]r3.Vector, error) {
	return n.ns.loadVectors(ctx, n.attrs, AttrNormals)
}

// Intensities returns the node's per-point intensities, or nil when absent.
func (n *Node) Intensities(ctx context.Context) ([]int32, error) {
	return n.ns.loadInt32s(ctx, n.attrs, AttrIntensities)
}

// Classifications returns the node's per-point classes, or nil when absent.
func (n *Node) Classifications(ctx context.Context) ([]byte, error) {
	return n.ns.loadBytes(ctx, n.attrs, AttrClassifications)
}

// KdTree returns the node's kd-tree over its relative positions, or nil
// when the node stores no points.
func (n *Node) KdTree(ctx context.Context) (*kdtree.Tree, error) {
	return n.loadKdTree(ctx, AttrKdTree, AttrPositions)
}

// LodPositionsRelative returns the cell-relative LoD sample, or nil.
func (n *Node) LodPositionsRelative(ctx context.Context) ([]r3.Vector, error) {
	return n.ns.loadVectors(ctx, n.attrs, AttrLodPositions)
}

// LodPositions returns the LoD sample in absolute coordinates, or nil.
func (n *Node) LodPositions(ctx context.Context) ([]r3.Vector, error) {
	rel, err := n.LodPositionsRelative(ctx)
	if err != nil || rel == nil {
		return nil, err
	}
	return addCenter(rel, n.cell.Center()), nil
}

// LodColors returns the LoD sample's colors, or nil.
func (n *Node) LodColors(ctx context.Context) ([]color.NRGBA, error) {
	return n.ns.loadColors(ctx, n.attrs, AttrLodColors)
}

// LodNormals returns the LoD sample's normals, or nil.
func (n *Node) LodNormals(ctx context.Context) ([]r3.Vector, error) {
	return n.ns.loadVectors(ctx, n.attrs, AttrLodNormals)
}

// LodIntensities returns the LoD sample's intensities, or nil.
func (n *Node) LodIntensities(ctx context.Context) ([]int32, error) {
	return n.ns.loadInt32s(ctx, n.attrs, AttrLodIntensities)
}

// LodClassifications returns the LoD sample's classes, or nil.
func (n *Node) LodClassifications(ctx context.Context) ([]byte, error) {
	return n.ns.loadBytes(ctx, n.attrs, AttrLodClassifications)
}

// LodKdTree returns the kd-tree over the relative LoD sample, or nil.
func (n *Node) LodKdTree(ctx context.Context) (*kdtree.Tree, error) {
	return n.loadKdTree(ctx, AttrLodKdTree, AttrLodPositions)
}

func (n *Node) loadKdTree(ctx context.Context, treeAttr, posAttr AttributeName) (*kdtree.Tree, error) {
	key, ok := n.attrs[treeAttr]
	if !ok {
		return nil, nil
	}
	if cached, ok := storage.CacheGet[kdtree.Tree](n.ns.cache, key); ok {
		return cached, nil
	}
	rel, err := n.ns.loadVectors(ctx, n.attrs, posAttr)
	if err != nil {
		return nil, err
	}
	data, err := n.ns.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading kd-tree of node %s", n.ID())
	}
	tree, err := kdtree.Unmarshal(data, rel)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding kd-tree of node %s", n.ID())
	}
	storage.CachePut(n.ns.cache, key, tree)
	return tree, nil
}

// EffectivePositions returns the positions a consumer should read for
// this node: the stored points when present, otherwise the LoD sample.
// The second return reports whether LoD data was used.
func (n *Node) EffectivePositions(ctx context.Context) ([]r3.Vector, bool, error) {
	if n.HasAttribute(AttrPositions) {
		ps, err := n.Positions(ctx)
		return ps, false, err
	}
	ps, err := n.LodPositions(ctx)
	return ps, true, err
}

// ToChunk exports the node's directly stored points, with whichever
// attributes are present, as a chunk in absolute coordinates.
func (n *Node) ToChunk(ctx context.Context) (*pointcloud.Chunk, error) {
	return n.toChunk(ctx, false)
}

// LodToChunk exports the node's LoD sample as a chunk.
func (n *Node) LodToChunk(ctx context.Context) (*pointcloud.Chunk, error) {
	return n.toChunk(ctx, true)
}

func (n *Node) toChunk(ctx context.Context, lod bool) (*pointcloud.Chunk, error) {
	var (
		positions []r3.Vector
		err       error
	)
	if lod {
		positions, err = n.LodPositions(ctx)
	} else {
		positions, err = n.Positions(ctx)
	}
	if err != nil {
		return nil, err
	}
	chunk := pointcloud.NewChunk(positions)
	if lod {
		if chunk.Colors, err = n.LodColors(ctx); err != nil {
			return nil, err
		}
		if chunk.Normals, err = n.LodNormals(ctx); err != nil {
			return nil, err
		}
		if chunk.Intensities, err = n.LodIntensities(ctx); err != nil {
			return nil, err
		}
		if chunk.Classifications, err = n.LodClassifications(ctx); err != nil {
			return nil, err
		}
	} else {
		if chunk.Colors, err = n.Colors(ctx); err != nil {
			return nil, err
		}
		if chunk.Normals, err = n.Normals(ctx); err != nil {
			return nil, err
		}
		if chunk.Intensities, err = n.Intensities(ctx); err != nil {
			return nil, err
		}
		if chunk.Classifications, err = n.Classifications(ctx); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

// Enumerate walks the subtree depth-first and calls fn with the chunk of
// every node that stores points directly. fn returning false stops the
// walk early.
func (n *Node) Enumerate(ctx context.Context, fn func(*pointcloud.Chunk) bool) error {
	_, err := n.enumerate(ctx, fn)
	return err
}

func (n *Node) enumerate(ctx context.Context, fn func(*pointcloud.Chunk) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if n.HasAttribute(AttrPositions) {
		chunk, err := n.ToChunk(ctx)
		if err != nil {
			return false, err
		}
		if chunk.Len() > 0 && !fn(chunk) {
			return false, nil
		}
	}
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return false, err
		}
		if child == nil {
			continue
		}
		cont, err := child.enumerate(ctx, fn)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

func addCenter(rel []r3.Vector, center r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(rel))
	for i, v := range rel {
		out[i] = v.Add(center)
	}
	return out
}
