// Package overlay draws site boundaries, labels and legends over a composed map.
package overlay

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Hill-climb parameters for VisualCenter.
const (
	climbIterations = 24
	initialStepDiv  = 10
)

var (
	errZeroArea   = errors.New("polygon has zero area")
	errNoInterior = errors.New("no interior point found")
)

// directions are the eight compass moves tried on every climb step.
var directions = [8][2]float64{
	{0, 1}, {1, 1}, {1, 0}, {1, -1},
	{0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
}

// VisualCenter approximates the pole of inaccessibility of poly: starting
// from an interior point it climbs in eight directions, accepting a move
// only if it stays inside and gets strictly farther from the boundary. The
// step halves whenever no move improves. The result lies strictly inside
// any simple polygon.
func VisualCenter(poly orb.Polygon) (orb.Point, error) {
	if len(poly) == 0 || !domain.ValidRing(poly[0]) {
		return orb.Point{}, &domain.GeometryError{Op: "label", Feature: -1, Err: domain.ErrInvalidGeometry}
	}
	if planar.Area(poly) == 0 {
		return orb.Point{}, &domain.GeometryError{Op: "label", Feature: -1, Err: errZeroArea}
	}

	best, err := interiorPoint(poly)
	if err != nil {
		return orb.Point{}, err
	}
	bestDist := planar.DistanceFrom(poly, best)

	b := poly.Bound()
	step := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]) / initialStepDiv

	for i := 0; i < climbIterations; i++ {
		moved := false
		for _, d := range directions {
			cand := orb.Point{best[0] + d[0]*step, best[1] + d[1]*step}
			if !planar.PolygonContains(poly, cand) {
				continue
			}
			if dist := planar.DistanceFrom(poly, cand); dist > bestDist {
				best, bestDist = cand, dist
				moved = true
			}
		}
		if !moved {
			step /= 2
		}
	}
	return best, nil
}

// interiorPoint returns the centroid when it is strictly inside, otherwise
// the midpoint of the widest interior span along a few horizontal scan lines.
func interiorPoint(poly orb.Polygon) (orb.Point, error) {
	if c, _ := planar.CentroidArea(poly); strictlyInside(poly, c) {
		return c, nil
	}

	b := poly.Bound()
	h := b.Max[1] - b.Min[1]
	for _, frac := range []float64{0.5, 0.25, 0.75, 0.375, 0.625, 0.125, 0.875} {
		y := b.Min[1] + h*frac
		if p, ok := scanLineMidpoint(poly, y); ok && strictlyInside(poly, p) {
			return p, nil
		}
	}
	return orb.Point{}, &domain.GeometryError{Op: "label", Feature: -1, Err: errNoInterior}
}

func strictlyInside(poly orb.Polygon, p orb.Point) bool {
	return planar.PolygonContains(poly, p) && planar.DistanceFrom(poly, p) > 0
}

// scanLineMidpoint intersects the horizontal line at y with every ring and
// returns the midpoint of the widest inside interval.
func scanLineMidpoint(poly orb.Polygon, y float64) (orb.Point, bool) {
	var xs []float64
	for _, ring := range poly {
		for i := 1; i < len(ring); i++ {
			a, b := ring[i-1], ring[i]
			if (a[1] > y) == (b[1] > y) {
				continue
			}
			t := (y - a[1]) / (b[1] - a[1])
			xs = append(xs, a[0]+t*(b[0]-a[0]))
		}
	}
	if len(xs) < 2 {
		return orb.Point{}, false
	}
	sort.Float64s(xs)

	bestWidth := 0.0
	var mid float64
	for i := 0; i+1 < len(xs); i += 2 {
		if w := xs[i+1] - xs[i]; w > bestWidth {
			bestWidth = w
			mid = (xs[i] + xs[i+1]) / 2
		}
	}
	if bestWidth == 0 {
		return orb.Point{}, false
	}
	return orb.Point{mid, y}, true
}

// LetterLabel returns the badge label for a zero-based feature index:
// A..Z, then AA, AB and so on.
func LetterLabel(i int) string {
	if i < 0 {
		return ""
	}
	if i < 26 {
		return string(rune('A' + i))
	}
	return LetterLabel(i/26-1) + string(rune('A'+i%26))
}

// largestPolygon picks the polygon with the biggest area.
func largestPolygon(polys []orb.Polygon) (orb.Polygon, error) {
	var (
		best     orb.Polygon
		bestArea float64
	)
	for _, p := range polys {
		if a := math.Abs(planar.Area(p)); a > bestArea {
			best, bestArea = p, a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no polygon with area", domain.ErrInvalidGeometry)
	}
	return best, nil
}
