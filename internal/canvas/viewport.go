// Package canvas implements the raster surface maps are composed on.
package canvas

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Viewport maps GDA94 coordinates onto a square pixel canvas. It is the only
// geographic to pixel projection in the renderer.
type Viewport struct {
	Merc   domain.MercatorParams
	Pixels float64
}

// NewViewport builds the viewport for bounds on a canvas of pixels edge length.
func NewViewport(b domain.Bounds, pixels int) Viewport {
	return Viewport{Merc: b.Mercator(), Pixels: float64(pixels)}
}

// ToPixel projects a GDA94 longitude/latitude to pixel space. Rows grow
// downward while northing grows upward, hence the flip on y.
func (v Viewport) ToPixel(lon, lat float64) (px, py float64) {
	mx, my := domain.ToMercator(lon, lat)
	half := v.Merc.SizeInMeters / 2
	px = (mx - (v.Merc.CenterMercX - half)) / v.Merc.SizeInMeters * v.Pixels
	py = v.Pixels - (my-(v.Merc.CenterMercY-half))/v.Merc.SizeInMeters*v.Pixels
	return px, py
}

// Point projects an orb point.
func (v Viewport) Point(p orb.Point) (px, py float64) {
	return v.ToPixel(p[0], p[1])
}

// ToGeo is the inverse of ToPixel.
func (v Viewport) ToGeo(px, py float64) (lon, lat float64) {
	half := v.Merc.SizeInMeters / 2
	mx := px/v.Pixels*v.Merc.SizeInMeters + v.Merc.CenterMercX - half
	my := (v.Pixels-py)/v.Pixels*v.Merc.SizeInMeters + v.Merc.CenterMercY - half
	return domain.FromMercator(mx, my)
}

// DefaultStrokeWidth scales boundary strokes with the canvas so they stay
// visible at any output resolution.
func (v Viewport) DefaultStrokeWidth() float64 {
	return DefaultStrokeWidth(int(v.Pixels))
}

// DefaultStrokeWidth returns max(pixels/256, 5).
func DefaultStrokeWidth(pixels int) float64 {
	return math.Max(float64(pixels)/256, 5)
}

// IsValid reports whether the viewport can project.
func (v Viewport) IsValid() bool {
	return v.Pixels > 0 && v.Merc.SizeInMeters > 0 &&
		!math.IsNaN(v.Merc.CenterMercX) && !math.IsNaN(v.Merc.CenterMercY)
}
