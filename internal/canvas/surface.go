package canvas

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

var errEmptyPath = errors.New("path has too few vertices")

// Surface is a mutable RGBA pixel buffer owned by a single render. It is not
// safe for concurrent use.
type Surface struct {
	img   *image.RGBA
	dc    *gg.Context
	faces map[faceKey]font.Face
}

// NewSurface creates a white surface of the given pixel dimensions.
func NewSurface(width, height int) *Surface {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(img, img.Bounds(), image.White, image.Point{}, xdraw.Src)
	return &Surface{
		img:   img,
		dc:    gg.NewContextForRGBA(img),
		faces: make(map[faceKey]font.Face),
	}
}

// Width returns the surface width in pixels.
func (s *Surface) Width() int { return s.img.Bounds().Dx() }

// Height returns the surface height in pixels.
func (s *Surface) Height() int { return s.img.Bounds().Dy() }

// Image returns the underlying pixel buffer.
func (s *Surface) Image() *image.RGBA { return s.img }

// DrawImage scales src onto the whole surface and composites it over the
// existing pixels at opacity, clamped to [0, 1].
func (s *Surface) DrawImage(src image.Image, opacity float64) {
	if src == nil {
		return
	}
	opacity = math.Max(0, math.Min(1, opacity))
	if opacity == 0 {
		return
	}

	dst := s.img.Bounds()
	var scaled image.Image = src
	if src.Bounds().Size() != dst.Size() {
		tmp := image.NewRGBA(dst)
		xdraw.CatmullRom.Scale(tmp, dst, src, src.Bounds(), xdraw.Src, nil)
		scaled = tmp
	}

	sp := scaled.Bounds().Min
	if opacity >= 1 {
		xdraw.Draw(s.img, dst, scaled, sp, xdraw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})
	xdraw.DrawMask(s.img, dst, scaled, sp, mask, image.Point{}, xdraw.Over)
}

// DrawBoundary draws a closed ring given in GDA94 degrees. The path is filled
// when the style has a fill color and always stroked.
func (s *Surface) DrawBoundary(vp Viewport, ring orb.Ring, style Style) error {
	if err := s.tracePath(vp, []orb.Point(ring), true); err != nil {
		return err
	}
	s.finish(style, true)
	return nil
}

// DrawPolygon draws a polygon with holes using the even-odd rule.
func (s *Surface) DrawPolygon(vp Viewport, poly orb.Polygon, style Style) error {
	if len(poly) == 0 {
		return &domain.GeometryError{Op: "draw", Feature: -1, Err: errEmptyPath}
	}
	s.dc.ClearPath()
	for _, ring := range poly {
		if err := s.appendPath(vp, []orb.Point(ring), true); err != nil {
			s.dc.ClearPath()
			return err
		}
	}
	s.finish(style, true)
	return nil
}

// DrawPolyline draws an open path for linear features.
func (s *Surface) DrawPolyline(vp Viewport, line orb.LineString, style Style) error {
	if err := s.tracePath(vp, []orb.Point(line), false); err != nil {
		return err
	}
	s.finish(style, false)
	return nil
}

// DrawPoint draws a circular marker.
func (s *Surface) DrawPoint(vp Viewport, p orb.Point, style Style) error {
	x, y := vp.Point(p)
	if !finite(x) || !finite(y) {
		return &domain.GeometryError{Op: "draw", Feature: -1, Err: domain.ErrInvalidCoordinate}
	}
	s.DrawMarker(x, y, style)
	return nil
}

// DrawGeometry dispatches on the geometry type.
func (s *Surface) DrawGeometry(vp Viewport, g orb.Geometry, style Style) error {
	switch geom := g.(type) {
	case orb.Point:
		return s.DrawPoint(vp, geom, style)
	case orb.MultiPoint:
		return eachErr(len(geom), func(i int) error { return s.DrawPoint(vp, geom[i], style) })
	case orb.LineString:
		return s.DrawPolyline(vp, geom, style)
	case orb.MultiLineString:
		return eachErr(len(geom), func(i int) error { return s.DrawPolyline(vp, geom[i], style) })
	case orb.Collection:
		return eachErr(len(geom), func(i int) error { return s.DrawGeometry(vp, geom[i], style) })
	default:
		polys := domain.NormalizePolygons(g)
		if len(polys) == 0 {
			return &domain.GeometryError{Op: "draw", Feature: -1, Err: domain.ErrInvalidGeometry}
		}
		return eachErr(len(polys), func(i int) error { return s.DrawPolygon(vp, polys[i], style) })
	}
}

func eachErr(n int, fn func(int) error) error {
	var errs []error
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Surface) tracePath(vp Viewport, pts []orb.Point, closed bool) error {
	s.dc.ClearPath()
	if err := s.appendPath(vp, pts, closed); err != nil {
		s.dc.ClearPath()
		return err
	}
	return nil
}

func (s *Surface) appendPath(vp Viewport, pts []orb.Point, closed bool) error {
	if len(pts) < 2 {
		return &domain.GeometryError{Op: "draw", Feature: -1, Err: errEmptyPath}
	}
	s.dc.NewSubPath()
	for i, p := range pts {
		x, y := vp.Point(p)
		if !finite(x) || !finite(y) {
			return &domain.GeometryError{Op: "draw", Feature: -1, Err: domain.ErrInvalidCoordinate}
		}
		if i == 0 {
			s.dc.MoveTo(x, y)
		} else {
			s.dc.LineTo(x, y)
		}
	}
	if closed {
		s.dc.ClosePath()
	}
	return nil
}

func (s *Surface) finish(style Style, closed bool) {
	if closed && style.Fill != nil {
		s.dc.SetFillRuleEvenOdd()
		s.dc.SetColor(style.Fill)
		s.dc.FillPreserve()
	}
	s.applyStroke(style)
	s.dc.Stroke()
}

func (s *Surface) applyStroke(style Style) {
	c := style.Stroke
	if c == nil {
		c = color.Black
	}
	s.dc.SetColor(c)
	s.dc.SetLineWidth(style.Width)
	s.dc.SetLineJoinRound()
	s.dc.SetLineCapRound()
	s.dc.SetDash(style.Dash...)
}

// DrawMarker draws a filled circle marker in pixel space.
func (s *Surface) DrawMarker(x, y float64, style Style) {
	r := style.PointRadius
	if r <= 0 {
		r = 6
	}
	fill := style.Fill
	if fill == nil {
		fill = style.Stroke
	}
	s.dc.ClearPath()
	s.dc.DrawCircle(x, y, r)
	if fill != nil {
		s.dc.SetColor(fill)
		s.dc.FillPreserve()
	}
	s.dc.SetColor(color.White)
	s.dc.SetLineWidth(math.Max(1, r/4))
	s.dc.SetDash()
	s.dc.Stroke()
}

// DrawSegment strokes a straight line in pixel space.
func (s *Surface) DrawSegment(x1, y1, x2, y2 float64, style Style) {
	s.dc.ClearPath()
	s.dc.MoveTo(x1, y1)
	s.dc.LineTo(x2, y2)
	s.applyStroke(style)
	s.dc.Stroke()
}

// FillRect draws a rectangle in pixel space with optional rounded corners.
// A nil fill or stroke skips that step.
func (s *Surface) FillRect(x, y, w, h, radius float64, fill, stroke color.Color, strokeWidth float64) {
	s.dc.ClearPath()
	if radius > 0 {
		s.dc.DrawRoundedRectangle(x, y, w, h, radius)
	} else {
		s.dc.DrawRectangle(x, y, w, h)
	}
	if fill != nil {
		s.dc.SetColor(fill)
		s.dc.FillPreserve()
	}
	if stroke != nil && strokeWidth > 0 {
		s.dc.SetColor(stroke)
		s.dc.SetLineWidth(strokeWidth)
		s.dc.SetDash()
		s.dc.Stroke()
	}
	s.dc.ClearPath()
}

// DrawCircleBadge draws a white circle with a colored outline and a
// centered label.
func (s *Surface) DrawCircleBadge(x, y, radius float64, label string, stroke color.Color, strokeWidth float64) error {
	s.dc.ClearPath()
	s.dc.DrawCircle(x, y, radius)
	s.dc.SetColor(color.White)
	s.dc.FillPreserve()
	s.dc.SetColor(stroke)
	s.dc.SetLineWidth(strokeWidth)
	s.dc.SetDash()
	s.dc.Stroke()

	return s.DrawText(label, x, y, 0.5, 0.5, radius*1.1, true, stroke)
}

// MeasureText returns the rendered width and height of text.
func (s *Surface) MeasureText(text string, size float64, isBold bool) (w, h float64, err error) {
	f, err := s.face(size, isBold)
	if err != nil {
		return 0, 0, err
	}
	s.dc.SetFontFace(f)
	w, h = s.dc.MeasureString(text)
	return w, h, nil
}

// DrawText draws text anchored at (x, y); ax and ay are anchor fractions of
// the text box.
func (s *Surface) DrawText(text string, x, y, ax, ay, size float64, isBold bool, c color.Color) error {
	f, err := s.face(size, isBold)
	if err != nil {
		return err
	}
	s.dc.SetFontFace(f)
	s.dc.SetColor(c)
	s.dc.DrawStringAnchored(text, x, y, ax, ay)
	return nil
}

// TextBox configures DrawTextBox.
type TextBox struct {
	FontSize    float64
	Padding     float64
	Radius      float64
	Fill        color.Color
	Stroke      color.Color
	StrokeWidth float64
	TextColor   color.Color
}

// DrawTextBox draws text inside a rounded rectangle centered on (cx, cy),
// shifted to stay on the surface. It returns the box rectangle.
func (s *Surface) DrawTextBox(cx, cy float64, text string, box TextBox) (image.Rectangle, error) {
	w, h, err := s.MeasureText(text, box.FontSize, true)
	if err != nil {
		return image.Rectangle{}, err
	}
	bw, bh := w+2*box.Padding, h+2*box.Padding
	x := math.Max(0, math.Min(cx-bw/2, float64(s.Width())-bw))
	y := math.Max(0, math.Min(cy-bh/2, float64(s.Height())-bh))

	s.FillRect(x, y, bw, bh, box.Radius, box.Fill, box.Stroke, box.StrokeWidth)
	if err := s.DrawText(text, x+bw/2, y+bh/2, 0.5, 0.5, box.FontSize, true, box.TextColor); err != nil {
		return image.Rectangle{}, err
	}
	return image.Rect(int(x), int(y), int(math.Ceil(x+bw)), int(math.Ceil(y+bh))), nil
}

// EncodePNG encodes the surface as PNG.
func (s *Surface) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
