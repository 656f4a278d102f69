package domain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Site is a property of interest: one feature or a collection of features in
// GDA94 longitude/latitude. Vector results discovered while rendering are
// attached onto its feature properties.
type Site struct {
	mu         sync.Mutex
	Features   []*geojson.Feature
	Collection bool
}

// NewSite wraps features into a Site. More than one feature marks it as a
// collection.
func NewSite(features ...*geojson.Feature) *Site {
	return &Site{Features: features, Collection: len(features) > 1}
}

// ParseSite decodes a GeoJSON Feature, FeatureCollection or bare geometry.
// Every vertex must be a finite GDA94 longitude/latitude.
func ParseSite(data []byte) (*Site, error) {
	site, err := decodeSite(data)
	if err != nil {
		return nil, err
	}
	for i, f := range site.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if err := validateVertices(f.Geometry); err != nil {
			return nil, &GeometryError{Op: "parse", Feature: i, Err: err}
		}
	}
	return site, nil
}

// validateVertices checks every vertex of g as a GDA94 coordinate.
func validateVertices(g orb.Geometry) error {
	switch geom := g.(type) {
	case orb.Point:
		return NewGDA94Coordinate(geom[0], geom[1]).Validate()
	case orb.MultiPoint:
		return validatePoints(geom)
	case orb.LineString:
		return validatePoints(geom)
	case orb.Ring:
		return validatePoints(geom)
	case orb.MultiLineString:
		for _, ls := range geom {
			if err := validatePoints(ls); err != nil {
				return err
			}
		}
	case orb.Polygon:
		for _, r := range geom {
			if err := validatePoints(r); err != nil {
				return err
			}
		}
	case orb.MultiPolygon:
		for _, p := range geom {
			if err := validateVertices(p); err != nil {
				return err
			}
		}
	case orb.Collection:
		for _, child := range geom {
			if err := validateVertices(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePoints(points []orb.Point) error {
	for _, p := range points {
		if err := NewGDA94Coordinate(p[0], p[1]).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func decodeSite(data []byte) (*Site, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &GeometryError{Op: "parse", Feature: -1, Err: fmt.Errorf("%w: %v", ErrInvalidGeometry, err)}
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, &GeometryError{Op: "parse", Feature: -1, Err: fmt.Errorf("%w: %v", ErrInvalidGeometry, err)}
		}
		return &Site{Features: fc.Features, Collection: true}, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, &GeometryError{Op: "parse", Feature: -1, Err: fmt.Errorf("%w: %v", ErrInvalidGeometry, err)}
		}
		return NewSite(f), nil
	case "":
		return nil, &GeometryError{Op: "parse", Feature: -1, Err: fmt.Errorf("%w: missing type", ErrInvalidGeometry)}
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, &GeometryError{Op: "parse", Feature: -1, Err: fmt.Errorf("%w: %v", ErrInvalidGeometry, err)}
		}
		return NewSite(geojson.NewFeature(g.Geometry())), nil
	}
}

// Len returns the number of features.
func (s *Site) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Features)
}

// IsEmpty reports whether the site has no usable geometry.
func (s *Site) IsEmpty() bool {
	if s.Len() == 0 {
		return true
	}
	for _, f := range s.Features {
		if f != nil && f.Geometry != nil {
			return false
		}
	}
	return true
}

// Multiple reports whether per-feature lettered labels apply.
func (s *Site) Multiple() bool {
	return s.Len() > 1
}

// Polygons returns the canonical polygon list of every feature, in feature
// order. Features without polygonal geometry yield an empty entry.
func (s *Site) Polygons() [][]orb.Polygon {
	if s == nil {
		return nil
	}
	out := make([][]orb.Polygon, len(s.Features))
	for i, f := range s.Features {
		if f == nil {
			continue
		}
		out[i] = NormalizePolygons(f.Geometry)
	}
	return out
}

// AllPolygons flattens Polygons.
func (s *Site) AllPolygons() []orb.Polygon {
	var out []orb.Polygon
	for _, polys := range s.Polygons() {
		out = append(out, polys...)
	}
	return out
}

// SetProperty attaches value under key on every feature.
func (s *Site) SetProperty(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.Features {
		if f == nil {
			continue
		}
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		f.Properties[key] = value
	}
}

// Property returns a property of the feature at index i.
func (s *Site) Property(i int, key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.Features) || s.Features[i] == nil {
		return nil, false
	}
	v, ok := s.Features[i].Properties[key]
	return v, ok
}

// FeatureCollection returns the site as a GeoJSON FeatureCollection.
func (s *Site) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if s == nil {
		return fc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.Features {
		if f != nil {
			fc.Append(f)
		}
	}
	return fc
}

// NormalizePolygons turns any supported geometry into a canonical list of
// closed polygons. Rings with fewer than three distinct vertices are dropped;
// a polygon whose outer ring is dropped is dropped entirely.
func NormalizePolygons(g orb.Geometry) []orb.Polygon {
	switch geom := g.(type) {
	case orb.Polygon:
		if p, ok := normalizePolygon(geom); ok {
			return []orb.Polygon{p}
		}
		return nil
	case orb.MultiPolygon:
		var out []orb.Polygon
		for _, poly := range geom {
			if p, ok := normalizePolygon(poly); ok {
				out = append(out, p)
			}
		}
		return out
	case orb.Collection:
		var out []orb.Polygon
		for _, child := range geom {
			out = append(out, NormalizePolygons(child)...)
		}
		return out
	case orb.Bound:
		return NormalizePolygons(geom.ToPolygon())
	case orb.Ring:
		return NormalizePolygons(orb.Polygon{geom})
	default:
		return nil
	}
}

func normalizePolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 || !ValidRing(p[0]) {
		return nil, false
	}
	out := orb.Polygon{closeRing(p[0])}
	for _, hole := range p[1:] {
		if ValidRing(hole) {
			out = append(out, closeRing(hole))
		}
	}
	return out, true
}

// ValidRing reports whether r has at least three distinct finite vertices.
func ValidRing(r orb.Ring) bool {
	distinct := make(map[orb.Point]struct{}, len(r))
	for _, p := range r {
		if !finitePoint(p) {
			return false
		}
		distinct[p] = struct{}{}
		if len(distinct) >= 3 {
			return true
		}
	}
	return false
}

func closeRing(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	if !out.Closed() {
		out = append(out, out[0])
	}
	return out
}

// Intersects reports whether geometry g touches any of the polygons.
func Intersects(g orb.Geometry, polys []orb.Polygon) bool {
	if g == nil || len(polys) == 0 {
		return false
	}
	gb := g.Bound()
	for _, poly := range polys {
		if !gb.Intersects(poly.Bound()) {
			continue
		}
		if intersectsPolygon(g, poly) {
			return true
		}
	}
	return false
}

func intersectsPolygon(g orb.Geometry, poly orb.Polygon) bool {
	switch geom := g.(type) {
	case orb.Point:
		return planar.PolygonContains(poly, geom)
	case orb.MultiPoint:
		for _, p := range geom {
			if planar.PolygonContains(poly, p) {
				return true
			}
		}
		return false
	case orb.LineString:
		return pathIntersects([]orb.Point(geom), poly)
	case orb.MultiLineString:
		for _, ls := range geom {
			if pathIntersects([]orb.Point(ls), poly) {
				return true
			}
		}
		return false
	case orb.Polygon, orb.MultiPolygon, orb.Collection, orb.Bound, orb.Ring:
		for _, other := range NormalizePolygons(geom) {
			if pathIntersects([]orb.Point(other[0]), poly) {
				return true
			}
			if planar.PolygonContains(other, poly[0][0]) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// pathIntersects reports whether any vertex of path lies in poly or any
// segment of path crosses the outer ring of poly.
func pathIntersects(path []orb.Point, poly orb.Polygon) bool {
	for _, p := range path {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	ring := poly[0]
	for i := 1; i < len(path); i++ {
		for j := 1; j < len(ring); j++ {
			if segmentsIntersect(path[i-1], path[i], ring[j-1], ring[j]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(c, d, a)) ||
		(d2 == 0 && onSegment(c, d, b)) ||
		(d3 == 0 && onSegment(a, b, c)) ||
		(d4 == 0 && onSegment(a, b, d))
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func onSegment(a, b, p orb.Point) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}
