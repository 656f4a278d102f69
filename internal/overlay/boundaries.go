package overlay

import (
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/jobrunner/parcelmaps/internal/canvas"
	"github.com/jobrunner/parcelmaps/internal/domain"
)

// BoundaryOptions configures boundary drawing.
type BoundaryOptions struct {
	Style canvas.Style

	// Caption labels a single feature; CaptionProperty is read from the
	// feature when Caption is empty.
	Caption         string
	CaptionProperty string

	// Numbered switches multi-feature badges from letters to numbers.
	Numbered bool
}

// BoundaryReport summarizes what was drawn.
type BoundaryReport struct {
	Drawn    int
	Labels   []string
	Failures []error
}

// Renderer draws boundaries and labels. Geometry problems never escape it:
// a failing boundary or label is recorded in the report and skipped.
type Renderer struct {
	logger *slog.Logger
}

// NewRenderer creates a new Renderer.
func NewRenderer(logger *slog.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// DrawFeatureBoundaries strokes every polygon of site. Collections with more
// than one member get a lettered badge per feature at its visual center; a
// single feature gets a rounded caption box when a caption is available.
func (r *Renderer) DrawFeatureBoundaries(s *canvas.Surface, vp canvas.Viewport, site *domain.Site, opts BoundaryOptions) BoundaryReport {
	var report BoundaryReport
	if site.IsEmpty() {
		return report
	}

	perFeature := site.Polygons()
	for i, polys := range perFeature {
		for _, poly := range polys {
			if err := s.DrawPolygon(vp, poly, opts.Style); err != nil {
				report.Failures = append(report.Failures, &domain.GeometryError{Op: "draw", Feature: i, Err: err})
				continue
			}
			report.Drawn++
		}
	}

	// Labels go on top of every boundary so neighbours cannot overdraw them.
	if site.Multiple() {
		radius := badgeRadius(vp)
		for i, polys := range perFeature {
			label := LetterLabel(i)
			if opts.Numbered {
				label = strconv.Itoa(i + 1)
			}
			if err := r.drawBadge(s, vp, polys, label, radius, opts.Style); err != nil {
				report.Failures = append(report.Failures, &domain.GeometryError{Op: "label", Feature: i, Err: err})
				r.logger.Debug("skipping label", "label", label, "error", err)
				continue
			}
			report.Labels = append(report.Labels, label)
		}
		return report
	}

	caption := opts.Caption
	if caption == "" && opts.CaptionProperty != "" {
		if v, ok := site.Property(0, opts.CaptionProperty); ok && v != nil {
			caption = fmt.Sprint(v)
		}
	}
	if caption != "" && len(perFeature) > 0 {
		if err := r.drawCaption(s, vp, perFeature[0], caption, opts.Style); err != nil {
			report.Failures = append(report.Failures, &domain.GeometryError{Op: "label", Feature: 0, Err: err})
			r.logger.Debug("skipping caption", "caption", caption, "error", err)
		} else {
			report.Labels = append(report.Labels, caption)
		}
	}
	return report
}

// DrawDevelopableAreaBoundaries draws developable areas with the fixed
// dashed teal style. Multiple areas get numbered badges.
func (r *Renderer) DrawDevelopableAreaBoundaries(s *canvas.Surface, vp canvas.Viewport, area *domain.Site, style canvas.Style) BoundaryReport {
	return r.DrawFeatureBoundaries(s, vp, area, BoundaryOptions{Style: style, Numbered: true})
}

// DrawEnvelope strokes the axis-aligned envelope around all site polygons.
func (r *Renderer) DrawEnvelope(s *canvas.Surface, vp canvas.Viewport, site *domain.Site, style canvas.Style) error {
	polys := site.AllPolygons()
	if len(polys) == 0 {
		return &domain.GeometryError{Op: "envelope", Feature: -1, Err: domain.ErrInvalidGeometry}
	}
	b := polys[0].Bound()
	for _, p := range polys[1:] {
		b = b.Union(p.Bound())
	}
	return s.DrawBoundary(vp, b.ToRing(), style)
}

func badgeRadius(vp canvas.Viewport) float64 {
	return math.Max(vp.Pixels/48, 12)
}

func (r *Renderer) drawBadge(s *canvas.Surface, vp canvas.Viewport, polys []orb.Polygon, label string, radius float64, style canvas.Style) error {
	anchor, err := labelAnchor(polys)
	if err != nil {
		return err
	}
	x, y := vp.Point(anchor)
	stroke := style.Stroke
	if stroke == nil {
		stroke = color.Black
	}
	return s.DrawCircleBadge(x, y, radius, label, stroke, math.Max(2, radius/8))
}

func (r *Renderer) drawCaption(s *canvas.Surface, vp canvas.Viewport, polys []orb.Polygon, caption string, style canvas.Style) error {
	anchor, err := labelAnchor(polys)
	if err != nil {
		return err
	}
	x, y := vp.Point(anchor)
	size := math.Max(vp.Pixels/64, 10)
	stroke := style.Stroke
	if stroke == nil {
		stroke = color.Black
	}
	_, err = s.DrawTextBox(x, y, caption, canvas.TextBox{
		FontSize:    size,
		Padding:     size / 2,
		Radius:      size / 3,
		Fill:        color.NRGBA{R: 255, G: 255, B: 255, A: 230},
		Stroke:      stroke,
		StrokeWidth: math.Max(1, size/12),
		TextColor:   color.Black,
	})
	return err
}

// labelAnchor computes the visual center of the largest polygon. Panics from
// pathological input are converted into errors.
func labelAnchor(polys []orb.Polygon) (anchor orb.Point, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidGeometry, rec)
		}
	}()
	poly, err := largestPolygon(polys)
	if err != nil {
		return orb.Point{}, err
	}
	return VisualCenter(poly)
}
