package domain

import (
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

// Fallback viewport centered on the Sydney CBD.
const (
	DefaultCenterX = 151.2093
	DefaultCenterY = -33.8688
	DefaultSize    = 0.02

	// PointPadding is the synthetic half-width given to point geometries.
	PointPadding = 0.001
)

// Bounds is a square viewport in GDA94 degrees, already inflated by padding.
type Bounds struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Size    float64 `json:"size"`
}

// DefaultBounds returns the fallback viewport.
func DefaultBounds() Bounds {
	return Bounds{CenterX: DefaultCenterX, CenterY: DefaultCenterY, Size: DefaultSize}
}

// Mercator returns the Mercator viewport for the bounds.
func (b Bounds) Mercator() MercatorParams {
	return NewMercatorParams(b.CenterX, b.CenterY, b.Size)
}

// Extent returns the viewport as a GDA94 extent.
func (b Bounds) Extent() Extent {
	half := b.Size / 2
	return Extent{
		MinX: b.CenterX - half,
		MinY: b.CenterY - half,
		MaxX: b.CenterX + half,
		MaxY: b.CenterY + half,
		SRID: SRIDGDA94,
	}
}

// CacheKey returns the availability key of the viewport.
func (b Bounds) CacheKey() string {
	return CacheKey(b.CenterX, b.CenterY, b.Size)
}

// CacheKey rounds each part to four decimal places and joins them, so
// near-duplicate viewports across themes share one availability entry.
func CacheKey(centerX, centerY, size float64) string {
	return round4(centerX) + "_" + round4(centerY) + "_" + round4(size)
}

func round4(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}

// IsValid reports whether the bounds are finite with a positive size.
func (b Bounds) IsValid() bool {
	return finite(b.CenterX) && finite(b.CenterY) && finite(b.Size) && b.Size > 0
}

// CalculateBounds derives the viewport for a site. The developable area
// drives the bounds only when useDevelopable is set and it has features;
// otherwise it never affects them. Empty or invalid geometry yields
// DefaultBounds.
func CalculateBounds(site *Site, padding float64, developable *Site, useDevelopable bool) Bounds {
	source := site
	if useDevelopable && developable.Len() > 0 {
		source = developable
	}
	if source == nil {
		return DefaultBounds()
	}

	box, ok := siteBound(source)
	if !ok {
		return DefaultBounds()
	}

	if padding < 0 || !finite(padding) {
		padding = 0
	}
	extent := math.Max(box.Max[0]-box.Min[0], box.Max[1]-box.Min[1])
	b := Bounds{
		CenterX: (box.Min[0] + box.Max[0]) / 2,
		CenterY: (box.Min[1] + box.Max[1]) / 2,
		Size:    extent * (1 + padding),
	}
	if !b.IsValid() {
		return DefaultBounds()
	}
	return b
}

// siteBound unions the outer-ring bounds of every polygon, plus padded boxes
// for points and plain bounds for lines.
func siteBound(s *Site) (orb.Bound, bool) {
	var (
		box   orb.Bound
		found bool
	)
	extend := func(b orb.Bound) {
		if !found {
			box = b
			found = true
			return
		}
		box = box.Union(b)
	}

	for _, f := range s.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		for _, b := range geometryBounds(f.Geometry) {
			extend(b)
		}
	}
	return box, found
}

func geometryBounds(g orb.Geometry) []orb.Bound {
	switch geom := g.(type) {
	case orb.Point:
		if !finitePoint(geom) {
			return nil
		}
		return []orb.Bound{pointBound(geom)}
	case orb.MultiPoint:
		var out []orb.Bound
		for _, p := range geom {
			if finitePoint(p) {
				out = append(out, pointBound(p))
			}
		}
		return out
	case orb.LineString:
		if len(geom) < 2 || !finitePath(geom) {
			return nil
		}
		return []orb.Bound{geom.Bound()}
	case orb.MultiLineString:
		var out []orb.Bound
		for _, ls := range geom {
			out = append(out, geometryBounds(ls)...)
		}
		return out
	case orb.Collection:
		var out []orb.Bound
		for _, child := range geom {
			out = append(out, geometryBounds(child)...)
		}
		return out
	default:
		var out []orb.Bound
		for _, poly := range NormalizePolygons(g) {
			out = append(out, poly[0].Bound())
		}
		return out
	}
}

func pointBound(p orb.Point) orb.Bound {
	return orb.Bound{
		Min: orb.Point{p[0] - PointPadding, p[1] - PointPadding},
		Max: orb.Point{p[0] + PointPadding, p[1] + PointPadding},
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finitePoint(p orb.Point) bool {
	return finite(p[0]) && finite(p[1])
}

func finitePath(ls orb.LineString) bool {
	for _, p := range ls {
		if !finitePoint(p) {
			return false
		}
	}
	return true
}
