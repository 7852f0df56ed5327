package query

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pointtree/octree"
	"go.viam.com/pointtree/pointcloud"
	"go.viam.com/pointtree/storage"
)

func dyadicCloud(n int, seed int64, offset r3.Vector) []r3.Vector {
	const denom = 1 << 20
	r := rand.New(rand.NewSource(seed))
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r3.Vector{
			X: float64(r.Intn(denom)) / denom,
			Y: float64(r.Intn(denom)) / denom,
			Z: float64(r.Intn(denom)) / denom,
		}.Add(offset)
	}
	return out
}

func buildTree(t *testing.T, ctx context.Context, positions []r3.Vector, splitLimit int) (*octree.Builder, *octree.Node) {
	t.Helper()
	ns := octree.NewNodeStore(storage.NewMemStore())
	b, err := octree.NewBuilder(ns, splitLimit, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	root, err := b.BuildChunk(ctx, pointcloud.NewChunk(positions))
	test.That(t, err, test.ShouldBeNil)
	return b, root
}

func drain(t *testing.T, ctx context.Context, it *Iterator) []r3.Vector {
	t.Helper()
	var out []r3.Vector
	for {
		chunk, err := it.Next(ctx)
		test.That(t, err, test.ShouldBeNil)
		if chunk == nil {
			return out
		}
		out = append(out, chunk.Positions...)
	}
}

func sortVectors(vs []r3.Vector) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].Cmp(vs[j]) < 0
	})
}

func TestFilterPlaneComplementPartition(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(3000, 101, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 100)

	plane, err := NewPlane(r3.Vector{0, 0, 1}, r3.Vector{0, 0, 0.5})
	test.That(t, err, test.ShouldBeNil)
	near := NearPlane(plane, 0.1)

	inside := drain(t, ctx, Filter(root, near, NoMinExponent))
	outside := drain(t, ctx, Filter(root, Complement{near}, NoMinExponent))
	test.That(t, len(inside)+len(outside), test.ShouldEqual, len(positions))

	for _, p := range inside {
		test.That(t, near.ContainsPoint(p), test.ShouldBeTrue)
	}
	for _, p := range outside {
		test.That(t, near.ContainsPoint(p), test.ShouldBeFalse)
	}

	// together they are exactly the input multiset
	all := append(append([]r3.Vector{}, inside...), outside...)
	want := append([]r3.Vector{}, positions...)
	sortVectors(all)
	sortVectors(want)
	test.That(t, all, test.ShouldResemble, want)
}

func TestFilterBoxComplementPartition(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(2000, 102, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 64)

	region := InsideBox(pointcloud.NewBox(r3.Vector{0.25, 0.25, 0.25}, r3.Vector{0.75, 0.75, 0.75}))
	inside := drain(t, ctx, Filter(root, region, NoMinExponent))
	outside := drain(t, ctx, Filter(root, Complement{region}, NoMinExponent))
	test.That(t, len(inside)+len(outside), test.ShouldEqual, len(positions))

	wantInside := 0
	for _, p := range positions {
		if region.ContainsPoint(p) {
			wantInside++
		}
	}
	test.That(t, len(inside), test.ShouldEqual, wantInside)
}

func TestFilterHullComplementPartition(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(2000, 103, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 64)

	// a tetrahedral-ish hull cut out of the unit cube
	var planes []Plane
	for _, pn := range []struct{ n, p r3.Vector }{
		{r3.Vector{1, 1, 1}, r3.Vector{0.9, 0.9, 0.9}},
		{r3.Vector{-1, 0, 0}, r3.Vector{0.1, 0, 0}},
		{r3.Vector{0, -1, 0}, r3.Vector{0, 0.1, 0}},
		{r3.Vector{0, 0, -1}, r3.Vector{0, 0, 0.1}},
	} {
		pl, err := NewPlane(pn.n, pn.p)
		test.That(t, err, test.ShouldBeNil)
		planes = append(planes, pl)
	}
	hull := ConvexHull{Planes: planes}

	inside := drain(t, ctx, Filter(root, hull, NoMinExponent))
	outside := drain(t, ctx, Filter(root, Complement{hull}, NoMinExponent))
	test.That(t, len(inside)+len(outside), test.ShouldEqual, len(positions))
	test.That(t, len(inside), test.ShouldBeGreaterThan, 0)
	for _, p := range inside {
		test.That(t, hull.ContainsPoint(p), test.ShouldBeTrue)
	}
}

func TestFilterEarlyStop(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(2000, 104, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 64)

	region := InsideBox(pointcloud.NewBox(r3.Vector{0, 0, 0}, r3.Vector{1, 1, 1}))
	it := Filter(root, region, NoMinExponent)
	chunk, err := it.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chunk, test.ShouldNotBeNil)
	// the caller simply stops pulling; no teardown required
}

func TestFilterAtLodFloor(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(3000, 105, r3.Vector{})
	b, root := buildTree(t, ctx, positions, 64)
	root, err := b.GenerateLod(ctx, root)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, root.IsLeaf(), test.ShouldBeFalse)

	// flooring the traversal at the root cell answers from the root's
	// LoD sample
	region := InsideBox(pointcloud.NewBox(r3.Vector{0, 0, 0}, r3.Vector{1, 1, 1}))
	got := drain(t, ctx, Filter(root, region, root.Cell().E))
	sample, err := root.LodPositions(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got), test.ShouldEqual, len(sample))
	test.That(t, len(got), test.ShouldBeLessThan, len(positions))
}

func TestKNearestAgainstBruteForce(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(2000, 106, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 64)

	r := rand.New(rand.NewSource(107))
	for trial := 0; trial < 20; trial++ {
		q := r3.Vector{r.Float64(), r.Float64(), r.Float64()}
		radius := 0.05 + r.Float64()*0.3
		k := 1 + r.Intn(12)

		got, err := KNearest(ctx, root, q, radius, k)
		test.That(t, err, test.ShouldBeNil)

		type hit struct {
			d float64
			p r3.Vector
		}
		var want []hit
		for _, p := range positions {
			if d := q.Sub(p).Norm(); d <= radius {
				want = append(want, hit{d, p})
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i].d < want[j].d })
		if len(want) > k {
			want = want[:k]
		}

		test.That(t, len(got), test.ShouldEqual, len(want))
		for i := range got {
			test.That(t, got[i].Distance, test.ShouldAlmostEqual, want[i].d, 1e-9)
			if i > 0 {
				test.That(t, got[i].Distance, test.ShouldBeGreaterThanOrEqualTo, got[i-1].Distance)
			}
		}
	}
}

func TestKNearestAttributes(t *testing.T) {
	ctx := context.Background()
	ns := octree.NewNodeStore(storage.NewMemStore())
	b, err := octree.NewBuilder(ns, 10, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	chunk := &pointcloud.Chunk{
		Positions:   []r3.Vector{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}},
		Intensities: []int32{10, 20, 30},
	}
	root, err := b.BuildChunk(ctx, chunk)
	test.That(t, err, test.ShouldBeNil)

	got, err := KNearest(ctx, root, r3.Vector{1.1, 0, 0}, 0.5, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got), test.ShouldEqual, 1)
	test.That(t, got[0].Position, test.ShouldResemble, r3.Vector{1, 0, 0})
	test.That(t, got[0].Intensity, test.ShouldNotBeNil)
	test.That(t, *got[0].Intensity, test.ShouldEqual, int32(20))
	// absent columns stay nil
	test.That(t, got[0].Color, test.ShouldBeNil)
	test.That(t, got[0].Normal, test.ShouldBeNil)
}

func TestNearRay(t *testing.T) {
	ctx := context.Background()
	positions := []r3.Vector{
		{0.5, 0.504, 0.5},
		{0.25, 0.5, 0.5},
		{0.5, 0.9, 0.9},
	}
	_, root := buildTree(t, ctx, positions, 2)

	// a ray along x at y=z=0.5 passes near the first two points
	got, err := NearRay(ctx, root, r3.Vector{-1, 0.5, 0.5}, r3.Vector{1, 0, 0}, 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].Position, test.ShouldResemble, r3.Vector{0.25, 0.5, 0.5})
	test.That(t, got[0].Distance, test.ShouldAlmostEqual, 0)
	test.That(t, got[1].Position.X, test.ShouldAlmostEqual, 0.5)

	// ray starting inside the box
	got, err = NearRay(ctx, root, r3.Vector{0.4, 0.5, 0.5}, r3.Vector{1, 0, 0}, 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got), test.ShouldEqual, 1)
	test.That(t, got[0].Position.X, test.ShouldAlmostEqual, 0.5)

	// ray missing the box entirely
	got, err = NearRay(ctx, root, r3.Vector{-1, 5, 5}, r3.Vector{1, 0, 0}, 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeNil)

	// ray pointing away from the box
	got, err = NearRay(ctx, root, r3.Vector{-1, 0.5, 0.5}, r3.Vector{-1, 0, 0}, 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeNil)
}

func TestNearRayAgainstBruteForce(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(1500, 108, r3.Vector{})
	_, root := buildTree(t, ctx, positions, 64)

	origin := r3.Vector{-0.5, 0.3, 0.4}
	dir := r3.Vector{1, 0.2, 0.1}
	radius := 0.05

	got, err := NearRay(ctx, root, origin, dir, radius)
	test.That(t, err, test.ShouldBeNil)

	end := origin.Add(dir.Mul(100))
	want := 0
	for _, p := range positions {
		if distanceToSegment(p, origin, end) <= radius {
			want++
		}
	}
	test.That(t, len(got), test.ShouldEqual, want)
	for i := 1; i < len(got); i++ {
		test.That(t, got[i].Distance, test.ShouldBeGreaterThanOrEqualTo, got[i-1].Distance)
	}
}

func distanceToSegment(p, a, b r3.Vector) float64 {
	ab := b.Sub(a)
	s := p.Sub(a).Dot(ab) / ab.Norm2()
	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	return p.Sub(a.Add(ab.Mul(s))).Norm()
}

func TestClipRayDegenerateCases(t *testing.T) {
	box := pointcloud.NewBox(r3.Vector{0, 0, 0}, r3.Vector{1, 1, 1})

	// tangent to the top face: degenerate but valid interval
	t0, t1, ok := clipRay(box, r3.Vector{-1, 0.5, 1}, r3.Vector{1, 0, 0})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, t0, test.ShouldBeLessThanOrEqualTo, t1)

	// axis-parallel ray outside its slab
	_, _, ok = clipRay(box, r3.Vector{-1, 2, 0.5}, r3.Vector{1, 0, 0})
	test.That(t, ok, test.ShouldBeFalse)

	// starting inside
	t0, t1, ok = clipRay(box, r3.Vector{0.5, 0.5, 0.5}, r3.Vector{1, 0, 0})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, t0, test.ShouldBeLessThan, 0)
	test.That(t, t1, test.ShouldAlmostEqual, 0.5)
}

func TestAtLevelAndCount(t *testing.T) {
	ctx := context.Background()
	positions := dyadicCloud(3000, 109, r3.Vector{})
	b, root := buildTree(t, ctx, positions, 64)
	root, err := b.GenerateLod(ctx, root)
	test.That(t, err, test.ShouldBeNil)

	// depth 0 answers from the root LoD alone
	chunks, err := AtLevel(ctx, root, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(chunks), test.ShouldEqual, 1)
	test.That(t, chunks[0].Len(), test.ShouldBeLessThanOrEqualTo, 64)

	// a deep level yields at least as many points as a shallow one
	shallow, err := AtLevel(ctx, root, 1)
	test.That(t, err, test.ShouldBeNil)
	deep, err := AtLevel(ctx, root, 20)
	test.That(t, err, test.ShouldBeNil)
	countOf := func(cs []*pointcloud.Chunk) int {
		n := 0
		for _, c := range cs {
			n += c.Len()
		}
		return n
	}
	test.That(t, countOf(deep), test.ShouldEqual, len(positions))
	test.That(t, countOf(shallow), test.ShouldBeGreaterThanOrEqualTo, chunks[0].Len())

	// counting over the whole root is exact
	whole := InsideBox(pointcloud.NewBox(r3.Vector{-1, -1, -1}, r3.Vector{2, 2, 2}))
	count, err := CountInRegion(ctx, root, whole, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count, test.ShouldEqual, int64(len(positions)))

	// counting a partial region is at least the exact answer
	partial := InsideBox(pointcloud.NewBox(r3.Vector{0.1, 0.1, 0.1}, r3.Vector{0.6, 0.6, 0.6}))
	count, err = CountInRegion(ctx, root, partial, 3)
	test.That(t, err, test.ShouldBeNil)
	exact := int64(0)
	for _, p := range positions {
		if partial.ContainsPoint(p) {
			exact++
		}
	}
	test.That(t, count, test.ShouldBeGreaterThanOrEqualTo, exact)

	// a disjoint region counts zero
	count, err = CountInRegion(ctx, root, InsideBox(pointcloud.NewBox(r3.Vector{5, 5, 5}, r3.Vector{6, 6, 6})), 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count, test.ShouldEqual, 0)
}
