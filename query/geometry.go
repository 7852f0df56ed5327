// Package query implements streaming spatial queries over persisted
// octrees: region filters driven by node-level early accept and reject,
// k-nearest-neighbour and near-ray lookups backed by the per-leaf
// kd-trees, and level-of-detail reads with approximate counting.
package query

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pointtree/kdtree"
	"go.viam.com/pointtree/pointcloud"
)

// Region is a solid the query engine can classify nodes against: a box
// fully inside, fully outside, or straddling the region boundary.
type Region interface {
	// ContainsBox reports whether box lies entirely inside the region.
	ContainsBox(box pointcloud.Box) bool

	// DisjointBox reports whether box lies entirely outside the region.
	DisjointBox(box pointcloud.Box) bool

	// ContainsPoint reports whether p lies inside the region.
	ContainsPoint(p r3.Vector) bool
}

// Complement inverts a region: inside becomes outside. Both sides of a
// complementary query pair partition the same tree.
type Complement struct {
	Region Region
}

// ContainsBox reports whether box avoids the wrapped region entirely.
func (c Complement) ContainsBox(box pointcloud.Box) bool {
	return c.Region.DisjointBox(box)
}

// DisjointBox reports whether box lies entirely inside the wrapped region.
func (c Complement) DisjointBox(box pointcloud.Box) bool {
	return c.Region.ContainsBox(box)
}

// ContainsPoint reports whether p lies outside the wrapped region.
func (c Complement) ContainsPoint(p r3.Vector) bool {
	return !c.Region.ContainsPoint(p)
}

// Plane is the oriented plane of all points p with Normal·p = Offset.
type Plane struct {
	Normal r3.Vector
	Offset float64
}

// NewPlane creates a plane from a (not necessarily unit) normal and a
// point on the plane.
func NewPlane(normal, point r3.Vector) (Plane, error) {
	n := normal.Norm()
	if n == 0 {
		return Plane{}, errors.New("plane normal must not be zero")
	}
	unit := normal.Mul(1 / n)
	return Plane{Normal: unit, Offset: unit.Dot(point)}, nil
}

// Height returns the signed distance of p from the plane.
func (pl Plane) Height(p r3.Vector) float64 {
	return pl.Normal.Dot(p) - pl.Offset
}

// heightRange returns the center height and radius of box projected onto
// the plane normal: every corner height lies in [c-r, c+r].
func (pl Plane) heightRange(box pointcloud.Box) (float64, float64) {
	hs := box.HalfSize()
	c := pl.Height(box.Center())
	r := math.Abs(pl.Normal.X)*hs.X + math.Abs(pl.Normal.Y)*hs.Y + math.Abs(pl.Normal.Z)*hs.Z
	return c, r
}

// Slab is the region of all points within MaxDist of a plane.
type Slab struct {
	Plane   Plane
	MaxDist float64
}

// NearPlane builds the slab region around plane.
func NearPlane(plane Plane, maxDist float64) Slab {
	return Slab{Plane: plane, MaxDist: maxDist}
}

// ContainsBox reports whether every point of box is within MaxDist.
func (s Slab) ContainsBox(box pointcloud.Box) bool {
	c, r := s.Plane.heightRange(box)
	return math.Abs(c)+r <= s.MaxDist
}

// DisjointBox reports whether no point of box is within MaxDist.
func (s Slab) DisjointBox(box pointcloud.Box) bool {
	c, r := s.Plane.heightRange(box)
	return math.Abs(c)-r > s.MaxDist
}

// ContainsPoint reports whether p is within MaxDist of the plane.
func (s Slab) ContainsPoint(p r3.Vector) bool {
	return math.Abs(s.Plane.Height(p)) <= s.MaxDist
}

// AnySlab is the union of several slabs: near any of the planes.
type AnySlab struct {
	Slabs []Slab
}

// NearAnyPlane builds the union region over planes.
func NearAnyPlane(planes []Plane, maxDist float64) AnySlab {
	slabs := make([]Slab, len(planes))
	for i, pl := range planes {
		slabs[i] = Slab{Plane: pl, MaxDist: maxDist}
	}
	return AnySlab{Slabs: slabs}
}

// ContainsBox reports whether some single slab contains all of box.
func (a AnySlab) ContainsBox(box pointcloud.Box) bool {
	for _, s := range a.Slabs {
		if s.ContainsBox(box) {
			return true
		}
	}
	return false
}

// DisjointBox reports whether no slab intersects box.
func (a AnySlab) DisjointBox(box pointcloud.Box) bool {
	for _, s := range a.Slabs {
		if !s.DisjointBox(box) {
			return false
		}
	}
	return true
}

// ContainsPoint reports whether p is within range of any plane.
func (a AnySlab) ContainsPoint(p r3.Vector) bool {
	for _, s := range a.Slabs {
		if s.ContainsPoint(p) {
			return true
		}
	}
	return false
}

// ConvexHull is an intersection of half spaces: a point is inside when it
// is at non-positive height relative to every bounding plane.
type ConvexHull struct {
	Planes []Plane
}

// ContainsBox reports whether box is inside every half space.
func (h ConvexHull) ContainsBox(box pointcloud.Box) bool {
	for _, pl := range h.Planes {
		c, r := pl.heightRange(box)
		if c+r > 0 {
			return false
		}
	}
	return true
}

// DisjointBox reports whether some half space excludes all of box.
func (h ConvexHull) DisjointBox(box pointcloud.Box) bool {
	for _, pl := range h.Planes {
		c, r := pl.heightRange(box)
		if c-r > 0 {
			return true
		}
	}
	return false
}

// ContainsPoint reports whether p is inside every half space.
func (h ConvexHull) ContainsPoint(p r3.Vector) bool {
	for _, pl := range h.Planes {
		if pl.Height(p) > 0 {
			return false
		}
	}
	return true
}

// InsideBox is the hull form of an axis-aligned box.
func InsideBox(box pointcloud.Box) ConvexHull {
	return ConvexHull{Planes: []Plane{
		{Normal: r3.Vector{X: 1}, Offset: box.Max.X},
		{Normal: r3.Vector{X: -1}, Offset: -box.Min.X},
		{Normal: r3.Vector{Y: 1}, Offset: box.Max.Y},
		{Normal: r3.Vector{Y: -1}, Offset: -box.Min.Y},
		{Normal: r3.Vector{Z: 1}, Offset: box.Max.Z},
		{Normal: r3.Vector{Z: -1}, Offset: -box.Min.Z},
	}}
}

// canonical NDC corners, near face first.
var ndcCorners = [8]r3.Vector{
	{-1, -1, -1}, {1, -1, -1}, {1, 1, -1}, {-1, 1, -1},
	{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1},
}

// the six frustum faces as NDC corner indices, wound so their normals
// point out of the frustum.
var frustumFaces = [6][3]int{
	{0, 2, 1}, // near
	{4, 5, 6}, // far
	{0, 4, 7}, // left
	{1, 2, 6}, // right
	{0, 1, 5}, // bottom
	{3, 7, 6}, // top
}

// InFrustum derives the 6-plane hull of a view frustum from its 4x4
// view-projection matrix (row major, length 16): the inverse maps the
// canonical NDC cube corners to world space.
func InFrustum(viewProj []float64) (ConvexHull, error) {
	if len(viewProj) != 16 {
		return ConvexHull{}, errors.Errorf("view projection needs 16 entries, got %d", len(viewProj))
	}
	m := mat.NewDense(4, 4, viewProj)
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return ConvexHull{}, errors.Wrap(err, "view projection is singular")
	}

	var corners [8]r3.Vector
	var centroid r3.Vector
	for i, ndc := range ndcCorners {
		x := inv.At(0, 0)*ndc.X + inv.At(0, 1)*ndc.Y + inv.At(0, 2)*ndc.Z + inv.At(0, 3)
		y := inv.At(1, 0)*ndc.X + inv.At(1, 1)*ndc.Y + inv.At(1, 2)*ndc.Z + inv.At(1, 3)
		z := inv.At(2, 0)*ndc.X + inv.At(2, 1)*ndc.Y + inv.At(2, 2)*ndc.Z + inv.At(2, 3)
		w := inv.At(3, 0)*ndc.X + inv.At(3, 1)*ndc.Y + inv.At(3, 2)*ndc.Z + inv.At(3, 3)
		if w == 0 {
			return ConvexHull{}, errors.New("view projection maps a corner to infinity")
		}
		corners[i] = r3.Vector{X: x / w, Y: y / w, Z: z / w}
		centroid = centroid.Add(corners[i].Mul(1.0 / 8))
	}

	hull := ConvexHull{Planes: make([]Plane, 0, 6)}
	for _, face := range frustumFaces {
		a, b, c := corners[face[0]], corners[face[1]], corners[face[2]]
		normal := b.Sub(a).Cross(c.Sub(a))
		pl, err := NewPlane(normal, a)
		if err != nil {
			return ConvexHull{}, errors.Wrap(err, "degenerate frustum face")
		}
		if pl.Height(centroid) > 0 {
			pl = Plane{Normal: pl.Normal.Mul(-1), Offset: -pl.Offset}
		}
		hull.Planes = append(hull.Planes, pl)
	}
	return hull, nil
}

// Polygon is the region of all points within MaxDist of a planar polygon.
type Polygon struct {
	Vertices []r3.Vector
	MaxDist  float64

	plane  Plane
	bounds pointcloud.Box
}

// NearPolygon builds the padded polygon region. Vertices must be coplanar
// and at least three.
func NearPolygon(vertices []r3.Vector, maxDist float64) (Polygon, error) {
	if len(vertices) < 3 {
		return Polygon{}, errors.Errorf("polygon needs at least 3 vertices, got %d", len(vertices))
	}
	normal := r3.Vector{}
	for i := 2; i < len(vertices); i++ {
		n := vertices[i-1].Sub(vertices[0]).Cross(vertices[i].Sub(vertices[0]))
		if n.Norm() > normal.Norm() {
			normal = n
		}
	}
	pl, err := NewPlane(normal, vertices[0])
	if err != nil {
		return Polygon{}, errors.New("polygon is degenerate")
	}
	bounds := pointcloud.EmptyBox()
	for _, v := range vertices {
		bounds = bounds.Extend(v)
	}
	pad := r3.Vector{X: maxDist, Y: maxDist, Z: maxDist}
	bounds = pointcloud.NewBox(bounds.Min.Sub(pad), bounds.Max.Add(pad))
	return Polygon{Vertices: vertices, MaxDist: maxDist, plane: pl, bounds: bounds}, nil
}

// ContainsBox always reports false: polygons have no interior volume, so
// early accept never fires.
func (pg Polygon) ContainsBox(pointcloud.Box) bool {
	return false
}

// DisjointBox reports whether box avoids the polygon's padded bounds.
func (pg Polygon) DisjointBox(box pointcloud.Box) bool {
	return box.Max.X < pg.bounds.Min.X || box.Min.X > pg.bounds.Max.X ||
		box.Max.Y < pg.bounds.Min.Y || box.Min.Y > pg.bounds.Max.Y ||
		box.Max.Z < pg.bounds.Min.Z || box.Min.Z > pg.bounds.Max.Z
}

// ContainsPoint reports whether p is within MaxDist of the polygon.
func (pg Polygon) ContainsPoint(p r3.Vector) bool {
	return pg.Distance(p) <= pg.MaxDist
}

// Distance returns the distance from p to the polygon.
func (pg Polygon) Distance(p r3.Vector) float64 {
	height := pg.plane.Height(p)
	projected := p.Sub(pg.plane.Normal.Mul(height))
	if pg.containsProjected(projected) {
		return math.Abs(height)
	}
	best := math.Inf(1)
	for i := range pg.Vertices {
		a := pg.Vertices[i]
		b := pg.Vertices[(i+1)%len(pg.Vertices)]
		if d := kdtree.DistanceToSegment(p, a, b); d < best {
			best = d
		}
	}
	return best
}

// containsProjected runs a crossing test in the polygon plane's dominant
// 2D projection.
func (pg Polygon) containsProjected(p r3.Vector) bool {
	u, v := dominantAxes(pg.plane.Normal)
	px, py := axis(p, u), axis(p, v)
	inside := false
	n := len(pg.Vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := axis(pg.Vertices[i], u), axis(pg.Vertices[i], v)
		xj, yj := axis(pg.Vertices[j], u), axis(pg.Vertices[j], v)
		if (yi > py) != (yj > py) &&
			px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// dominantAxes picks the two coordinate axes spanning the plane's widest
// projection.
func dominantAxes(normal r3.Vector) (int, int) {
	ax, ay, az := math.Abs(normal.X), math.Abs(normal.Y), math.Abs(normal.Z)
	switch {
	case az >= ax && az >= ay:
		return 0, 1
	case ay >= ax:
		return 0, 2
	default:
		return 1, 2
	}
}

func axis(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}
