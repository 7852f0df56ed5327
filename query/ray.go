package query

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"go.viam.com/pointtree/octree"
	"go.viam.com/pointtree/pointcloud"
)

// nearLineLeafCap bounds hits per leaf on near-line queries.
const nearLineLeafCap = 1000

// NearRay returns points within radius of the ray from origin along dir,
// nearest to the ray first. The ray is clipped against the root's
// bounding box padded by radius up front; a ray that misses the padded
// box entirely yields nothing. Each leaf contributes at most 1000 hits.
func NearRay(ctx context.Context, root *octree.Node, origin, dir r3.Vector, radius float64) ([]NeighborPoint, error) {
	if root == nil || root.PointCountTree() == 0 || dir.Norm() == 0 || radius < 0 {
		return nil, nil
	}
	box := root.BoundsExact()
	expanded := expandBox(box, radius)
	t0, t1, ok := clipRay(expanded, origin, dir)
	if !ok {
		return nil, nil
	}
	// a ray starting inside the box clips to its forward part only
	if t0 < 0 {
		t0 = 0
	}
	if t1 < t0 {
		return nil, nil
	}
	p0 := origin.Add(dir.Mul(t0))
	p1 := origin.Add(dir.Mul(t1))
	return NearSegment(ctx, root, p0, p1, radius)
}

// NearSegment returns points within radius of the segment p0-p1, nearest
// to the segment first.
func NearSegment(ctx context.Context, root *octree.Node, p0, p1 r3.Vector, radius float64) ([]NeighborPoint, error) {
	if root == nil || radius < 0 {
		return nil, nil
	}
	var hits []NeighborPoint
	if err := nearSegmentNode(ctx, root, p0, p1, radius, &hits); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	return hits, nil
}

func nearSegmentNode(ctx context.Context, n *octree.Node, p0, p1 r3.Vector, radius float64, hits *[]NeighborPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.PointCountTree() == 0 {
		return nil
	}
	if !segmentIntersectsBox(expandBox(n.BoundsExact(), radius), p0, p1) {
		return nil
	}
	if !n.IsLeaf() {
		for i := 0; i < 8; i++ {
			child, err := n.Child(ctx, i)
			if err != nil {
				return err
			}
			if child == nil {
				continue
			}
			if err := nearSegmentNode(ctx, child, p0, p1, radius, hits); err != nil {
				return err
			}
		}
		return nil
	}

	tree, err := n.KdTree(ctx)
	if err != nil {
		return err
	}
	if tree == nil {
		return nil
	}
	center := n.Cell().Center()
	neighbors := tree.NearSegment(p0.Sub(center), p1.Sub(center), radius, nearLineLeafCap)
	if len(neighbors) == 0 {
		return nil
	}

	positions, err := n.Positions(ctx)
	if err != nil {
		return err
	}
	colors, err := n.Colors(ctx)
	if err != nil {
		return err
	}
	normals, err := n.Normals(ctx)
	if err != nil {
		return err
	}
	intensities, err := n.Intensities(ctx)
	if err != nil {
		return err
	}
	classes, err := n.Classifications(ctx)
	if err != nil {
		return err
	}
	for _, hit := range neighbors {
		np := NeighborPoint{Position: positions[hit.Index], Distance: hit.Dist}
		if colors != nil {
			c := colors[hit.Index]
			np.Color = &c
		}
		if normals != nil {
			nv := normals[hit.Index]
			np.Normal = &nv
		}
		if intensities != nil {
			v := intensities[hit.Index]
			np.Intensity = &v
		}
		if classes != nil {
			cl := classes[hit.Index]
			np.Classification = &cl
		}
		*hits = append(*hits, np)
	}
	return nil
}

func expandBox(box pointcloud.Box, pad float64) pointcloud.Box {
	return pointcloud.NewBox(
		box.Min.Sub(r3.Vector{X: pad, Y: pad, Z: pad}),
		box.Max.Add(r3.Vector{X: pad, Y: pad, Z: pad}),
	)
}

// clipRay clips the ray origin + t*dir, t >= -inf, against box with the
// slab method and returns the parameter interval of the overlap. A ray
// tangent to a face yields a degenerate but valid interval; a zero
// direction component outside its slab misses.
func clipRay(box pointcloud.Box, origin, dir r3.Vector) (float64, float64, bool) {
	t0, t1 := math.Inf(-1), math.Inf(1)
	for _, axis := range []struct {
		o, d, min, max float64
	}{
		{origin.X, dir.X, box.Min.X, box.Max.X},
		{origin.Y, dir.Y, box.Min.Y, box.Max.Y},
		{origin.Z, dir.Z, box.Min.Z, box.Max.Z},
	} {
		if axis.d == 0 {
			if axis.o < axis.min || axis.o > axis.max {
				return 0, 0, false
			}
			continue
		}
		ta := (axis.min - axis.o) / axis.d
		tb := (axis.max - axis.o) / axis.d
		if ta > tb {
			ta, tb = tb, ta
		}
		if ta > t0 {
			t0 = ta
		}
		if tb < t1 {
			t1 = tb
		}
		if t0 > t1 {
			return 0, 0, false
		}
	}
	return t0, t1, true
}

// segmentIntersectsBox reports whether the segment p0-p1 overlaps box.
func segmentIntersectsBox(box pointcloud.Box, p0, p1 r3.Vector) bool {
	dir := p1.Sub(p0)
	if dir.Norm() == 0 {
		return box.Contains(p0)
	}
	t0, t1, ok := clipRay(box, p0, dir)
	if !ok {
		return false
	}
	return t1 >= 0 && t0 <= 1
}
