package octree

import (
	"context"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pointtree/pointcloud"
)

func buildFrom(t *testing.T, ctx context.Context, b *Builder, positions []r3.Vector) *Node {
	t.Helper()
	root, err := b.BuildChunk(ctx, pointcloud.NewChunk(positions))
	test.That(t, err, test.ShouldBeNil)
	return root
}

func dyadicCloud(n int, seed int64, offset r3.Vector) []r3.Vector {
	r := rand.New(rand.NewSource(seed))
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = dyadicPoint(r).Add(offset)
	}
	return out
}

func TestMergeOverlappingClouds(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 1000)

	// two overlapping clouds, offset by a dyadic shift
	pa := dyadicCloud(42000, 31, r3.Vector{})
	pb := dyadicCloud(42000, 32, r3.Vector{0.3125, 0.3125, 0.3125})

	a := buildFrom(t, ctx, b, pa)
	bb := buildFrom(t, ctx, b, pb)

	merged, err := b.Merge(ctx, a, bb)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.PointCountTree(), test.ShouldEqual, 84000)
	checkInvariants(t, ctx, merged, 1000)

	got := collectPoints(t, ctx, merged)
	want := append(append([]r3.Vector{}, pa...), pb...)
	sortVectors(got)
	sortVectors(want)
	test.That(t, got, test.ShouldResemble, want)
}

func TestMergeDisjointCells(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 50)

	// clouds in different origin octants force a centered root
	pa := dyadicCloud(200, 41, r3.Vector{2, 2, 2})
	pb := dyadicCloud(200, 42, r3.Vector{-4, -4, -4})

	merged, err := b.Merge(ctx, buildFrom(t, ctx, b, pa), buildFrom(t, ctx, b, pb))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Cell().IsCentered(), test.ShouldBeTrue)
	test.That(t, merged.PointCountTree(), test.ShouldEqual, 400)
	checkInvariants(t, ctx, merged, 50)

	got := collectPoints(t, ctx, merged)
	want := append(append([]r3.Vector{}, pa...), pb...)
	sortVectors(got)
	sortVectors(want)
	test.That(t, got, test.ShouldResemble, want)
}

func TestMergeCenteredRoots(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 64)

	// both clouds straddle the origin at different scales, so both roots
	// are centered cells of different exponents
	pa := dyadicCloud(300, 45, r3.Vector{-0.5, -0.5, -0.5})
	pb := dyadicCloud(300, 46, r3.Vector{-0.5, -0.5, -0.5})
	for i := range pb {
		pb[i] = pb[i].Mul(8)
	}

	a := buildFrom(t, ctx, b, pa)
	bb := buildFrom(t, ctx, b, pb)
	test.That(t, a.Cell().IsCentered(), test.ShouldBeTrue)
	test.That(t, bb.Cell().IsCentered(), test.ShouldBeTrue)
	test.That(t, a.Cell().E, test.ShouldNotEqual, bb.Cell().E)

	merged, err := b.Merge(ctx, a, bb)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Cell().IsCentered(), test.ShouldBeTrue)
	test.That(t, merged.PointCountTree(), test.ShouldEqual, 600)
	checkInvariants(t, ctx, merged, 64)

	got := collectPoints(t, ctx, merged)
	want := append(append([]r3.Vector{}, pa...), pb...)
	sortVectors(got)
	sortVectors(want)
	test.That(t, got, test.ShouldResemble, want)
}

func TestMergeLeafIntoInner(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 100)

	big := dyadicCloud(5000, 51, r3.Vector{})
	small := dyadicCloud(10, 52, r3.Vector{})

	inner := buildFrom(t, ctx, b, big)
	test.That(t, inner.IsLeaf(), test.ShouldBeFalse)
	leaf := buildFrom(t, ctx, b, small)
	test.That(t, leaf.IsLeaf(), test.ShouldBeTrue)

	merged, err := b.Merge(ctx, leaf, inner)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.PointCountTree(), test.ShouldEqual, 5010)
	checkInvariants(t, ctx, merged, 100)
}

func TestMergeWithEmpty(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 10)

	tree := buildFrom(t, ctx, b, []r3.Vector{{1, 1, 1}})
	empty, err := b.BuildChunk(ctx, pointcloud.NewChunk(nil))
	test.That(t, err, test.ShouldBeNil)

	merged, err := b.Merge(ctx, tree, empty)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged, test.ShouldEqual, tree)

	merged, err = b.Merge(ctx, empty, tree)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged, test.ShouldEqual, tree)
}

func TestMergeCommutative(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 64)

	pa := dyadicCloud(500, 61, r3.Vector{})
	pb := dyadicCloud(700, 62, r3.Vector{0.5, 0, 0})

	ab, err := b.Merge(ctx, buildFrom(t, ctx, b, pa), buildFrom(t, ctx, b, pb))
	test.That(t, err, test.ShouldBeNil)
	ba, err := b.Merge(ctx, buildFrom(t, ctx, b, pb), buildFrom(t, ctx, b, pa))
	test.That(t, err, test.ShouldBeNil)

	gotAB := collectPoints(t, ctx, ab)
	gotBA := collectPoints(t, ctx, ba)
	sortVectors(gotAB)
	sortVectors(gotBA)
	test.That(t, gotAB, test.ShouldResemble, gotBA)
}

func TestMergeAssociative(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 64)

	pa := dyadicCloud(300, 71, r3.Vector{})
	pb := dyadicCloud(400, 72, r3.Vector{1, 0, 0})
	pc := dyadicCloud(500, 73, r3.Vector{0, 1, 0})

	build := func(ps []r3.Vector) *Node { return buildFrom(t, ctx, b, ps) }

	left, err := b.Merge(ctx, build(pa), build(pb))
	test.That(t, err, test.ShouldBeNil)
	left, err = b.Merge(ctx, left, build(pc))
	test.That(t, err, test.ShouldBeNil)

	right, err := b.Merge(ctx, build(pb), build(pc))
	test.That(t, err, test.ShouldBeNil)
	right, err = b.Merge(ctx, build(pa), right)
	test.That(t, err, test.ShouldBeNil)

	gotLeft := collectPoints(t, ctx, left)
	gotRight := collectPoints(t, ctx, right)
	sortVectors(gotLeft)
	sortVectors(gotRight)
	test.That(t, gotLeft, test.ShouldResemble, gotRight)
	checkInvariants(t, ctx, left, 64)
	checkInvariants(t, ctx, right, 64)
}

func TestMergeKeepsAttributes(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 4)

	withIntensity := &pointcloud.Chunk{
		Positions:   []r3.Vector{{0.25, 0.25, 0.25}, {0.75, 0.75, 0.75}},
		Intensities: []int32{7, 8},
	}
	bare := pointcloud.NewChunk([]r3.Vector{{0.5, 0.25, 0.5}, {0.25, 0.75, 0.25}, {0.125, 0.125, 0.5}})

	x, err := b.BuildChunk(ctx, withIntensity)
	test.That(t, err, test.ShouldBeNil)
	y, err := b.BuildChunk(ctx, bare)
	test.That(t, err, test.ShouldBeNil)

	merged, err := b.Merge(ctx, x, y)
	test.That(t, err, test.ShouldBeNil)

	total := 0
	sum := int32(0)
	err = merged.Enumerate(ctx, func(c *pointcloud.Chunk) bool {
		test.That(t, c.Validate(), test.ShouldBeNil)
		total += c.Len()
		for _, v := range c.Intensities {
			sum += v
		}
		return true
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, total, test.ShouldEqual, 5)
	// the bare side's intensities pad with zeros
	test.That(t, sum, test.ShouldEqual, int32(15))
}
