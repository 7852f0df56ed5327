package octree

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pointtree/kdtree"
)

// NormalEstimator produces one unit normal per input position.
type NormalEstimator func(positions []r3.Vector) ([]r3.Vector, error)

// EstimateNormals walks the tree bottom-up and fills in normals for every
// node that stores positions but no normals yet, covering both node data
// and LoD samples. Nodes are republished under their existing ids with
// the normal attributes added. The walk checks ctx between nodes, so a
// long pass can be cancelled midway; already republished nodes stay
// valid.
func (b *Builder) EstimateNormals(ctx context.Context, root *Node, estimate NormalEstimator) (*Node, error) {
	if estimate == nil {
		return root, nil
	}
	return b.estimateNormals(ctx, root, estimate)
}

func (b *Builder) estimateNormals(ctx context.Context, n *Node, estimate NormalEstimator) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var children [8]*Node
	changedChild := false
	for i := 0; i < 8; i++ {
		child, err := n.Child(ctx, i)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		updated, err := b.estimateNormals(ctx, child, estimate)
		if err != nil {
			return nil, err
		}
		if updated != child {
			changedChild = true
		}
		children[i] = updated
	}

	attrs := make(map[AttributeName]string, len(n.attrs)+2)
	for name, key := range n.attrs {
		attrs[name] = key
	}
	changed := false
	if n.HasAttribute(AttrPositions) && !n.HasAttribute(AttrNormals) {
		positions, err := n.Positions(ctx)
		if err != nil {
			return nil, err
		}
		normals, err := runEstimator(estimate, positions)
		if err != nil {
			return nil, errors.Wrapf(err, "estimating normals of node %s", n.ID())
		}
		if err := b.ns.putAttr(ctx, attrs, AttrNormals, encodeVectors32(normals)); err != nil {
			return nil, err
		}
		changed = true
	}
	if n.HasAttribute(AttrLodPositions) && !n.HasAttribute(AttrLodNormals) {
		positions, err := n.LodPositions(ctx)
		if err != nil {
			return nil, err
		}
		normals, err := runEstimator(estimate, positions)
		if err != nil {
			return nil, errors.Wrapf(err, "estimating LoD normals of node %s", n.ID())
		}
		if err := b.ns.putAttr(ctx, attrs, AttrLodNormals, encodeVectors32(normals)); err != nil {
			return nil, err
		}
		changed = true
	}

	if !changed && !changedChild {
		return n, nil
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

func runEstimator(estimate NormalEstimator, positions []r3.Vector) ([]r3.Vector, error) {
	normals, err := estimate(positions)
	if err != nil {
		return nil, err
	}
	if len(normals) != len(positions) {
		return nil, errors.Errorf("estimator returned %d normals for %d positions", len(normals), len(positions))
	}
	return normals, nil
}

// PCAEstimator returns the default normal estimator: for every point it
// gathers the k nearest neighbours and takes the eigenvector of the
// neighbourhood covariance with the smallest eigenvalue, oriented into
// the +Z half space.
func PCAEstimator(k int) NormalEstimator {
	if k < 3 {
		k = 3
	}
	return func(positions []r3.Vector) ([]r3.Vector, error) {
		tree := kdtree.Build(positions)
		normals := make([]r3.Vector, len(positions))
		for i, p := range positions {
			hits := tree.KNearest(p, math.MaxFloat64, k)
			neighborhood := make([]r3.Vector, len(hits))
			for j, hit := range hits {
				neighborhood[j] = positions[hit.Index]
			}
			normals[i] = planeNormal(neighborhood)
		}
		return normals, nil
	}
}

// planeNormal fits a plane to points and returns its unit normal. With
// fewer than three points there is no stable fit and +Z is returned.
func planeNormal(points []r3.Vector) r3.Vector {
	up := r3.Vector{Z: 1}
	if len(points) < 3 {
		return up
	}
	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(points)))

	var xx, xy, xz, yy, yz, zz float64
	for _, p := range points {
		d := p.Sub(centroid)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return up
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues are ascending, the first eigenvector spans the
	// direction of least variance
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if normal.Norm() == 0 {
		return up
	}
	normal = normal.Normalize()
	if normal.Z < 0 {
		normal = normal.Mul(-1)
	}
	return normal
}
