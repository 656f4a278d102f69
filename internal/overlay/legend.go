package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/jobrunner/parcelmaps/internal/canvas"
	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Legend positions.
const (
	TopLeft     = "top-left"
	TopRight    = "top-right"
	BottomLeft  = "bottom-left"
	BottomRight = "bottom-right"
)

// DrawLegend draws static legend swatches and labels in a corner, sized
// from the measured label widths. It returns the legend rectangle.
func (r *Renderer) DrawLegend(s *canvas.Surface, legend *domain.Legend) (image.Rectangle, error) {
	if legend == nil || len(legend.Items) == 0 {
		return image.Rectangle{}, nil
	}

	pixels := float64(s.Width())
	fontSize := math.Max(pixels/64, 10)
	pad := fontSize * 0.75
	swatch := fontSize * 1.2
	rowH := swatch + pad/2
	margin := fontSize

	titleW, titleH := 0.0, 0.0
	if legend.Title != "" {
		w, h, err := s.MeasureText(legend.Title, fontSize, true)
		if err != nil {
			return image.Rectangle{}, err
		}
		titleW, titleH = w, h+pad/2
	}

	labelW := 0.0
	for _, item := range legend.Items {
		w, _, err := s.MeasureText(item.Label, fontSize, false)
		if err != nil {
			return image.Rectangle{}, err
		}
		labelW = math.Max(labelW, w)
	}

	boxW := math.Max(titleW, swatch+pad+labelW) + 2*pad
	boxH := titleH + float64(len(legend.Items))*rowH + 2*pad - pad/2
	boxW = math.Min(boxW, pixels-2*margin)

	x, y := corner(legend.Position, float64(s.Width()), float64(s.Height()), boxW, boxH, margin)
	s.FillRect(x, y, boxW, boxH, pad/2, color.NRGBA{R: 255, G: 255, B: 255, A: 235}, color.NRGBA{R: 60, G: 60, B: 60, A: 255}, math.Max(1, fontSize/16))

	cy := y + pad
	if legend.Title != "" {
		if err := s.DrawText(legend.Title, x+pad, cy, 0, 0.8, fontSize, true, color.Black); err != nil {
			return image.Rectangle{}, err
		}
		cy += titleH
	}

	for _, item := range legend.Items {
		style, err := canvas.Resolve(item.Style, s.Width())
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("legend item %q: %w", item.Label, err)
		}
		style.Width = math.Min(style.Width, swatch/3)
		drawSwatch(s, item.Kind, x+pad, cy, swatch, style)
		if err := s.DrawText(item.Label, x+pad+swatch+pad, cy+swatch/2, 0, 0.35, fontSize, false, color.Black); err != nil {
			return image.Rectangle{}, err
		}
		cy += rowH
	}

	return image.Rect(int(x), int(y), int(math.Ceil(x+boxW)), int(math.Ceil(y+boxH))), nil
}

func drawSwatch(s *canvas.Surface, kind string, x, y, size float64, style canvas.Style) {
	switch kind {
	case domain.SwatchLine:
		style.Dash = nil
		s.DrawSegment(x, y+size/2, x+size, y+size/2, style)
	case domain.SwatchDashed:
		// Configured dash lengths are in map pixels; a swatch needs shorter ones.
		style.Dash = []float64{size / 4, size / 6}
		s.DrawSegment(x, y+size/2, x+size, y+size/2, style)
	case domain.SwatchPoint:
		style.PointRadius = size / 3
		s.DrawMarker(x+size/2, y+size/2, style)
	default:
		s.FillRect(x, y, size, size, 0, style.Fill, style.Stroke, style.Width)
	}
}

// corner returns the top-left position of a w by h box in the requested
// corner of the surface. Unknown positions fall back to bottom-left.
func corner(position string, sw, sh, w, h, margin float64) (x, y float64) {
	switch position {
	case TopLeft:
		return margin, margin
	case TopRight:
		return sw - w - margin, margin
	case BottomRight:
		return sw - w - margin, sh - h - margin
	default:
		return margin, sh - h - margin
	}
}

// DrawAttribution writes a small source credit in the bottom-right corner.
func (r *Renderer) DrawAttribution(s *canvas.Surface, text string) error {
	if text == "" {
		return nil
	}
	size := math.Max(float64(s.Width())/96, 9)
	w, h, err := s.MeasureText(text, size, false)
	if err != nil {
		return err
	}
	pad := size / 3
	x := float64(s.Width()) - w - 2*pad
	y := float64(s.Height()) - h - 2*pad
	s.FillRect(x, y, w+2*pad, h+2*pad, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 200}, nil, 0)
	return s.DrawText(text, x+pad, y+pad+h/2, 0, 0.35, size, false, color.NRGBA{R: 40, G: 40, B: 40, A: 255})
}
