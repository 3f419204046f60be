package provenance

import (
	"errors"
	"fmt"
	"math"

	polyclip "github.com/ctessum/polyclip-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/dieynaba77/datacube-core/output"
)

// ErrReprojection is returned when a geometry cannot be moved between
// reference systems.
var ErrReprojection = errors.New("cannot reproject geometry")

// Reprojector moves polygons from one reference system to another.
type Reprojector interface {
	Reproject(p orb.Polygon, from, to string) (orb.Polygon, error)
}

// Identity reprojects only between equal reference systems. An empty source
// reference system is taken to be the target's.
type Identity struct{}

func (Identity) Reproject(p orb.Polygon, from, to string) (orb.Polygon, error) {
	if from != "" && from != to {
		return nil, fmt.Errorf("%w: %q to %q", ErrReprojection, from, to)
	}
	return p, nil
}

// Tolerance is the simplification tolerance for a grid: one percent of its
// smallest absolute resolution.
func Tolerance(g output.GeoBox) float64 {
	return 0.01 * math.Min(math.Abs(g.Resolution.X), math.Abs(g.Resolution.Y))
}

// ValidData returns the part of the grid covered by the sources: the union
// of their extents in the grid's reference system intersected with the grid
// extent, simplified by Tolerance.
func ValidData(g output.GeoBox, sources []output.SourceDataset, rp Reprojector) (orb.MultiPolygon, error) {
	if rp == nil {
		rp = Identity{}
	}
	var union polyclip.Polygon
	for _, ds := range sources {
		ext, err := rp.Reproject(ds.Extent, ds.CRS, g.CRS)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.ID, err)
		}
		p := toClip(ext)
		if len(p) == 0 {
			continue
		}
		if union == nil {
			union = p
			continue
		}
		union = union.Construct(polyclip.UNION, p)
	}
	if len(union) == 0 {
		return orb.MultiPolygon{}, nil
	}

	valid := union.Construct(polyclip.INTERSECTION, toClip(g.Extent()))
	mp := fromClip(valid)
	if len(mp) == 0 {
		return mp, nil
	}
	return simplify.DouglasPeucker(Tolerance(g)).MultiPolygon(mp), nil
}

func toClip(p orb.Polygon) polyclip.Polygon {
	var out polyclip.Polygon
	for _, r := range p {
		n := len(r)
		if n > 1 && r[0] == r[n-1] {
			n--
		}
		if n < 3 {
			continue
		}
		c := make(polyclip.Contour, n)
		for i := 0; i < n; i++ {
			c[i] = polyclip.Point{X: r[i][0], Y: r[i][1]}
		}
		out = append(out, c)
	}
	return out
}

// fromClip turns clipper contours, which carry no outer/hole marking, into
// polygons. A contour nested inside an odd number of other contours is a
// hole of the smallest contour containing it. Outer rings are counter
// clockwise and holes clockwise.
func fromClip(p polyclip.Polygon) orb.MultiPolygon {
	rings := make([]orb.Ring, 0, len(p))
	for _, c := range p {
		if len(c) < 3 {
			continue
		}
		r := make(orb.Ring, 0, len(c)+1)
		for _, pt := range c {
			r = append(r, orb.Point{pt.X, pt.Y})
		}
		r = append(r, r[0])
		if r.Orientation() == 0 {
			continue
		}
		rings = append(rings, r)
	}

	depth := make([]int, len(rings))
	parent := make([]int, len(rings))
	for i, r := range rings {
		parent[i] = -1
		for j, o := range rings {
			if i == j || !contains(o, r) {
				continue
			}
			depth[i]++
			if parent[i] < 0 || math.Abs(planar.Area(o)) < math.Abs(planar.Area(rings[parent[i]])) {
				parent[i] = j
			}
		}
	}

	var mp orb.MultiPolygon
	index := map[int]int{}
	for i, r := range rings {
		if depth[i]%2 != 0 {
			continue
		}
		if r.Orientation() != orb.CCW {
			r.Reverse()
		}
		index[i] = len(mp)
		mp = append(mp, orb.Polygon{r})
	}
	for i, r := range rings {
		if depth[i]%2 == 0 {
			continue
		}
		k, ok := index[parent[i]]
		if !ok {
			continue
		}
		if r.Orientation() != orb.CW {
			r.Reverse()
		}
		mp[k] = append(mp[k], r)
	}
	return mp
}

// contains reports whether every vertex of inner lies in outer. Clipper
// output rings never cross, so vertices on the boundary are counted as in.
func contains(outer, inner orb.Ring) bool {
	if !outer.Bound().Contains(inner.Bound().Min) || !outer.Bound().Contains(inner.Bound().Max) {
		return false
	}
	for _, pt := range inner[:len(inner)-1] {
		if !planar.RingContains(outer, pt) {
			return false
		}
	}
	return true
}
