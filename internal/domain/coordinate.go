// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"
)

// MetersPerDegree is the equatorial Web Mercator scale applied uniformly to
// degree-space viewports.
const MetersPerDegree = 20037508.34 / 180

// Coordinate represents a geographic coordinate.
type Coordinate struct {
	X    float64 // Longitude or Easting
	Y    float64 // Latitude or Northing
	SRID int     // Spatial Reference ID
}

// NewGDA94Coordinate creates a GDA94 (EPSG:4283) coordinate.
func NewGDA94Coordinate(lon, lat float64) Coordinate {
	return Coordinate{X: lon, Y: lat, SRID: SRIDGDA94}
}

// Validate checks that the coordinate is finite and, for geographic SRIDs,
// within longitude/latitude range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.X) || math.IsNaN(c.Y) || math.IsInf(c.X, 0) || math.IsInf(c.Y, 0) {
		return &ValidationError{
			Field:      "coordinate",
			Value:      c,
			Constraint: "finite",
			Message:    "coordinate must be finite",
		}
	}
	if c.SRID == SRIDGDA94 || c.SRID == SRIDWGS84 {
		if c.X < -180 || c.X > 180 {
			return &ValidationError{
				Field:      "longitude",
				Value:      c.X,
				Constraint: "[-180, 180]",
				Message:    "longitude must be between -180 and 180",
			}
		}
		if c.Y < -90 || c.Y > 90 {
			return &ValidationError{
				Field:      "latitude",
				Value:      c.Y,
				Constraint: "[-90, 90]",
				Message:    "latitude must be between -90 and 90",
			}
		}
	}
	return nil
}

// Common SRID constants.
const (
	SRIDGDA94       = 4283 // GDA94 geographic
	SRIDWGS84       = 4326 // WGS 84
	SRIDWebMercator = 3857 // Web Mercator
	SRIDWebMercEsri = 102100
)

// IsMercatorSRID reports whether srid denotes Web Mercator, including the
// legacy Esri code.
func IsMercatorSRID(srid int) bool {
	return srid == SRIDWebMercator || srid == SRIDWebMercEsri
}

// ToMercator converts GDA94 longitude/latitude to Web Mercator meters.
// GDA94 and WGS84 are treated as equivalent; no datum shift is applied.
func ToMercator(lon, lat float64) (x, y float64) {
	x = lon * MetersPerDegree
	y = math.Log(math.Tan((90+lat)*math.Pi/360)) / (math.Pi / 180)
	y *= MetersPerDegree
	return x, y
}

// FromMercator is the inverse of ToMercator.
func FromMercator(x, y float64) (lon, lat float64) {
	lon = x / MetersPerDegree
	lat = math.Atan(math.Exp(y/MetersPerDegree*math.Pi/180))*360/math.Pi - 90
	return lon, lat
}

// MercatorParams is a square Mercator viewport derived from Bounds.
type MercatorParams struct {
	CenterMercX  float64
	CenterMercY  float64
	SizeInMeters float64
	BBox         string // minx,miny,maxx,maxy
}

// NewMercatorParams converts a degree-space viewport into a square bbox in
// Mercator meters centered on the projected center.
func NewMercatorParams(centerX, centerY, sizeDeg float64) MercatorParams {
	cx, cy := ToMercator(centerX, centerY)
	size := sizeDeg * MetersPerDegree
	p := MercatorParams{CenterMercX: cx, CenterMercY: cy, SizeInMeters: size}
	p.BBox = p.Extent().BBoxString()
	return p
}

// Extent returns the Mercator extent of the viewport.
func (p MercatorParams) Extent() Extent {
	half := p.SizeInMeters / 2
	return Extent{
		MinX: p.CenterMercX - half,
		MinY: p.CenterMercY - half,
		MaxX: p.CenterMercX + half,
		MaxY: p.CenterMercY + half,
		SRID: SRIDWebMercator,
	}
}

// Extent represents a spatial bounding box.
type Extent struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	SRID int
}

// BBoxString formats the extent as the comma-joined bbox used in GIS requests.
func (e Extent) BBoxString() string {
	return fmt.Sprintf("%s,%s,%s,%s",
		formatOrdinate(e.MinX), formatOrdinate(e.MinY),
		formatOrdinate(e.MaxX), formatOrdinate(e.MaxY))
}

// EsriEnvelope formats the extent as an ArcGIS envelope geometry parameter.
func (e Extent) EsriEnvelope() string {
	return fmt.Sprintf(`{"xmin":%s,"ymin":%s,"xmax":%s,"ymax":%s,"spatialReference":{"wkid":%d}}`,
		formatOrdinate(e.MinX), formatOrdinate(e.MinY),
		formatOrdinate(e.MaxX), formatOrdinate(e.MaxY), e.SRID)
}

func formatOrdinate(v float64) string {
	return fmt.Sprintf("%.10g", v)
}
