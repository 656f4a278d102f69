package canvas

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Style is a resolved drawing style.
type Style struct {
	Stroke      color.Color
	Fill        color.Color // nil disables filling
	Width       float64
	Dash        []float64
	PointRadius float64
}

// Resolve converts a configured style into a drawing style for a canvas of
// pixels edge length. Unset stroke widths use DefaultStrokeWidth.
func Resolve(s domain.Style, pixels int) (Style, error) {
	out := Style{Width: s.StrokeWidth, Dash: s.Dash, PointRadius: s.PointRadius}
	if out.Width <= 0 {
		out.Width = DefaultStrokeWidth(pixels)
	}
	if out.PointRadius <= 0 {
		out.PointRadius = out.Width * 1.5
	}

	stroke := s.Stroke
	if stroke == "" {
		stroke = "#000000"
	}
	c, err := ParseColor(stroke)
	if err != nil {
		return Style{}, err
	}
	out.Stroke = c

	if s.HasFill() {
		f, err := ParseColor(s.Fill)
		if err != nil {
			return Style{}, err
		}
		out.Fill = f
	}
	return out, nil
}

var namedColors = map[string]color.NRGBA{
	"black":       {0, 0, 0, 255},
	"white":       {255, 255, 255, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"yellow":      {255, 255, 0, 255},
	"orange":      {255, 165, 0, 255},
	"purple":      {128, 0, 128, 255},
	"cyan":        {0, 255, 255, 255},
	"teal":        {0, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"gray":        {128, 128, 128, 255},
	"transparent": {0, 0, 0, 0},
}

// ParseColor parses #rgb, #rgba, #rrggbb, #rrggbbaa, rgb(r,g,b),
// rgba(r,g,b,a) with a in [0,1], and a few color names.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}

	if strings.HasPrefix(s, "#") {
		return parseHex(s[1:])
	}

	if args, ok := functionArgs(s, "rgba"); ok {
		return parseRGB(s, args, true)
	}
	if args, ok := functionArgs(s, "rgb"); ok {
		return parseRGB(s, args, false)
	}
	return color.NRGBA{}, fmt.Errorf("color %q: %w", s, domain.ErrInvalidInput)
}

func parseHex(h string) (color.NRGBA, error) {
	switch len(h) {
	case 3, 4:
		var expanded strings.Builder
		for _, r := range h {
			expanded.WriteRune(r)
			expanded.WriteRune(r)
		}
		h = expanded.String()
	case 6, 8:
	default:
		return color.NRGBA{}, fmt.Errorf("color #%s: %w", h, domain.ErrInvalidInput)
	}
	if len(h) == 6 {
		h += "ff"
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("color #%s: %w", h, domain.ErrInvalidInput)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func functionArgs(s, name string) ([]string, bool) {
	if !strings.HasPrefix(s, name+"(") || !strings.HasSuffix(s, ")") {
		return nil, false
	}
	inner := s[len(name)+1 : len(s)-1]
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

func parseRGB(s string, args []string, withAlpha bool) (color.NRGBA, error) {
	want := 3
	if withAlpha {
		want = 4
	}
	if len(args) != want {
		return color.NRGBA{}, fmt.Errorf("color %q: %w", s, domain.ErrInvalidInput)
	}
	var c color.NRGBA
	channels := []*uint8{&c.R, &c.G, &c.B}
	for i, ch := range channels {
		v, err := strconv.Atoi(args[i])
		if err != nil || v < 0 || v > 255 {
			return color.NRGBA{}, fmt.Errorf("color %q: %w", s, domain.ErrInvalidInput)
		}
		*ch = uint8(v)
	}
	c.A = 255
	if withAlpha {
		a, err := strconv.ParseFloat(args[3], 64)
		if err != nil || a < 0 || a > 1 {
			return color.NRGBA{}, fmt.Errorf("color %q: %w", s, domain.ErrInvalidInput)
		}
		c.A = uint8(a*255 + 0.5)
	}
	return c, nil
}
