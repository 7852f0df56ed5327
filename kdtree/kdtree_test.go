package kdtree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func randomPoints(n int, seed int64) []r3.Vector {
	r := rand.New(rand.NewSource(seed))
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r3.Vector{r.Float64() * 10, r.Float64() * 10, r.Float64() * 10}
	}
	return out
}

func bruteKNearest(points []r3.Vector, q r3.Vector, radius float64, k int) []Neighbor {
	var hits []Neighbor
	for i, p := range points {
		d := q.Sub(p).Norm()
		if d <= radius {
			hits = append(hits, Neighbor{Index: i, Dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Dist != hits[j].Dist {
			return hits[i].Dist < hits[j].Dist
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func TestKNearestAgainstBruteForce(t *testing.T) {
	points := randomPoints(500, 1)
	tree := Build(points)
	test.That(t, tree.Size(), test.ShouldEqual, 500)

	r := rand.New(rand.NewSource(2))
	for trial := 0; trial < 50; trial++ {
		q := r3.Vector{r.Float64() * 10, r.Float64() * 10, r.Float64() * 10}
		radius := r.Float64() * 4
		k := 1 + r.Intn(20)

		got := tree.KNearest(q, radius, k)
		want := bruteKNearest(points, q, radius, k)
		test.That(t, got, test.ShouldResemble, want)

		// distances are monotone non-decreasing
		for i := 1; i < len(got); i++ {
			test.That(t, got[i].Dist, test.ShouldBeGreaterThanOrEqualTo, got[i-1].Dist)
		}
	}
}

func TestKNearestExactHit(t *testing.T) {
	points := []r3.Vector{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}
	tree := Build(points)

	got := tree.KNearest(r3.Vector{1, 0, 0}, 0.5, 3)
	test.That(t, len(got), test.ShouldEqual, 1)
	test.That(t, got[0].Index, test.ShouldEqual, 1)
	test.That(t, got[0].Dist, test.ShouldEqual, 0)

	got = tree.KNearest(r3.Vector{1, 0, 0}, 10, 2)
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].Index, test.ShouldEqual, 1)
	// points 0 and 2 tie at distance 1; lower index wins
	test.That(t, got[1].Index, test.ShouldEqual, 0)
}

func TestKNearestEmptyAndDegenerate(t *testing.T) {
	tree := Build(nil)
	test.That(t, tree.KNearest(r3.Vector{}, 1, 4), test.ShouldBeNil)

	tree = Build([]r3.Vector{{1, 1, 1}})
	got := tree.KNearest(r3.Vector{1, 1, 1}, 0, 1)
	test.That(t, len(got), test.ShouldEqual, 1)

	test.That(t, tree.KNearest(r3.Vector{}, 1, 0), test.ShouldBeNil)
}

func TestKNearestCoincidentPoints(t *testing.T) {
	points := make([]r3.Vector, 10)
	for i := range points {
		points[i] = r3.Vector{5, 5, 5}
	}
	tree := Build(points)
	got := tree.KNearest(r3.Vector{5, 5, 5}, 1, 4)
	test.That(t, len(got), test.ShouldEqual, 4)
	// ties broken by lower index
	for i, n := range got {
		test.That(t, n.Index, test.ShouldEqual, i)
		test.That(t, n.Dist, test.ShouldEqual, 0)
	}
}

func TestNearSegment(t *testing.T) {
	points := []r3.Vector{
		{0, 1, 0},
		{5, 0.1, 0},
		{9, 2, 0},
		{5, 5, 5},
	}
	tree := Build(points)

	got := tree.NearSegment(r3.Vector{0, 0, 0}, r3.Vector{10, 0, 0}, 1.5, 10)
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].Index, test.ShouldEqual, 1)
	test.That(t, got[0].Dist, test.ShouldAlmostEqual, 0.1)
	test.That(t, got[1].Index, test.ShouldEqual, 0)
	test.That(t, got[1].Dist, test.ShouldAlmostEqual, 1)
}

func TestNearSegmentAgainstBruteForce(t *testing.T) {
	points := randomPoints(300, 3)
	tree := Build(points)
	r := rand.New(rand.NewSource(4))
	for trial := 0; trial < 30; trial++ {
		p0 := r3.Vector{r.Float64() * 10, r.Float64() * 10, r.Float64() * 10}
		p1 := r3.Vector{r.Float64() * 10, r.Float64() * 10, r.Float64() * 10}
		radius := r.Float64() * 2

		got := tree.NearSegment(p0, p1, radius, len(points))

		var want []Neighbor
		for i, p := range points {
			d := DistanceToSegment(p, p0, p1)
			if d <= radius {
				want = append(want, Neighbor{Index: i, Dist: d})
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if want[i].Dist != want[j].Dist {
				return want[i].Dist < want[j].Dist
			}
			return want[i].Index < want[j].Index
		})
		test.That(t, got, test.ShouldResemble, want)
	}
}

func TestDistanceToSegment(t *testing.T) {
	a, b := r3.Vector{0, 0, 0}, r3.Vector{10, 0, 0}
	test.That(t, DistanceToSegment(r3.Vector{5, 3, 0}, a, b), test.ShouldEqual, 3)
	test.That(t, DistanceToSegment(r3.Vector{-4, 0, 0}, a, b), test.ShouldEqual, 4)
	test.That(t, DistanceToSegment(r3.Vector{13, 4, 0}, a, b), test.ShouldEqual, 5)
	// degenerate segment
	test.That(t, DistanceToSegment(r3.Vector{1, 0, 0}, a, a), test.ShouldEqual, 1)
}

func TestMarshalRoundTrip(t *testing.T) {
	points := randomPoints(128, 5)
	tree := Build(points)
	blob := tree.Marshal()

	loaded, err := Unmarshal(blob, points)
	test.That(t, err, test.ShouldBeNil)

	q := r3.Vector{5, 5, 5}
	test.That(t, loaded.KNearest(q, 3, 7), test.ShouldResemble, tree.KNearest(q, 3, 7))

	_, err = Unmarshal(blob[:5], points)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Unmarshal(blob, points[:10])
	test.That(t, err, test.ShouldNotBeNil)
}
