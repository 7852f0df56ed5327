package query

import (
	"context"
	"image/color"
	"sort"

	"github.com/golang/geo/r3"

	"go.viam.com/pointtree/octree"
)

// NeighborPoint is one k-nearest-neighbour hit with whatever attributes
// the containing leaf carries; absent attributes are nil.
type NeighborPoint struct {
	Position       r3.Vector
	Distance       float64
	Color          *color.NRGBA
	Normal         *r3.Vector
	Intensity      *int32
	Classification *byte
}

// KNearest returns up to k points within radius of q, nearest first. The
// search descends the octant containing q before its siblings and prunes
// subtrees whose boxes are farther than the current worst kept hit.
func KNearest(ctx context.Context, root *octree.Node, q r3.Vector, radius float64, k int) ([]NeighborPoint, error) {
	if root == nil || k <= 0 || radius < 0 {
		return nil, nil
	}
	s := &knnSearch{q: q, radius: radius, k: k}
	if err := s.visit(ctx, root); err != nil {
		return nil, err
	}
	sort.Slice(s.hits, func(i, j int) bool {
		return s.hits[i].Distance < s.hits[j].Distance
	})
	return s.hits, nil
}

type knnSearch struct {
	q      r3.Vector
	radius float64
	k      int
	hits   []NeighborPoint
}

// reach is the current pruning distance: the full radius until k hits are
// kept, then the distance of the worst one.
func (s *knnSearch) reach() float64 {
	if len(s.hits) < s.k {
		return s.radius
	}
	worst := 0.0
	for _, h := range s.hits {
		if h.Distance > worst {
			worst = h.Distance
		}
	}
	return worst
}

func (s *knnSearch) visit(ctx context.Context, n *octree.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.PointCountTree() == 0 || n.BoundsExact().DistanceTo(s.q) > s.reach() {
		return nil
	}
	if n.IsLeaf() {
		return s.visitLeaf(ctx, n)
	}

	// the octant containing q first, the rest in slot order, each
	// re-checked against the shrunken reach
	first := n.Cell().ChildIndex(s.q)
	order := make([]int, 0, 8)
	order = append(order, first)
	for i := 0; i < 8; i++ {
		if i != first {
			order = append(order, i)
		}
	}
	for _, i := range order {
		child, err := n.Child(ctx, i)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := s.visit(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *knnSearch) visitLeaf(ctx context.Context, n *octree.Node) error {
	tree, err := n.KdTree(ctx)
	if err != nil {
		return err
	}
	if tree == nil {
		return nil
	}
	rel := s.q.Sub(n.Cell().Center())
	neighbors := tree.KNearest(rel, s.reach(), s.k)
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
		s.offer(np)
	}
	return nil
}

// offer keeps the k nearest hits seen so far.
func (s *knnSearch) offer(np NeighborPoint) {
	if len(s.hits) < s.k {
		s.hits = append(s.hits, np)
		return
	}
	worst := 0
	for i, h := range s.hits {
		if h.Distance > s.hits[worst].Distance {
			worst = i
		}
	}
	if np.Distance < s.hits[worst].Distance {
		s.hits[worst] = np
	}
}
