package domain

import (
	"fmt"
	"strings"
	"time"
)

// LayerKind identifies the fetcher family serving a layer.
type LayerKind string

// Layer kinds.
const (
	LayerWMS    LayerKind = "wms"
	LayerExport LayerKind = "export"
	LayerQuery  LayerKind = "query"
)

// IsRaster reports whether the layer produces an image.
func (k LayerKind) IsRaster() bool {
	return k == LayerWMS || k == LayerExport
}

// Layer fetch timeouts.
const (
	DefaultLayerTimeout = 30 * time.Second
	MaxLayerTimeout     = 300 * time.Second
)

// Legend swatch kinds.
const (
	SwatchFill   = "fill"
	SwatchLine   = "line"
	SwatchDashed = "dashed"
	SwatchPoint  = "point"
)

// Style describes how vector geometry is stroked and filled. Colors are CSS
// hex (#rgb, #rrggbb, #rrggbbaa) or rgb()/rgba() strings.
type Style struct {
	Stroke      string    `yaml:"stroke" json:"stroke,omitempty"`
	StrokeWidth float64   `yaml:"stroke_width" json:"stroke_width,omitempty"`
	Dash        []float64 `yaml:"dash" json:"dash,omitempty"`
	Fill        string    `yaml:"fill" json:"fill,omitempty"`
	PointRadius float64   `yaml:"point_radius" json:"point_radius,omitempty"`
}

// HasFill reports whether the style fills closed paths.
func (s Style) HasFill() bool {
	return s.Fill != ""
}

// Merge returns s with empty fields taken from fallback.
func (s Style) Merge(fallback Style) Style {
	if s.Stroke == "" {
		s.Stroke = fallback.Stroke
	}
	if s.StrokeWidth == 0 {
		s.StrokeWidth = fallback.StrokeWidth
	}
	if s.Dash == nil {
		s.Dash = fallback.Dash
	}
	if s.Fill == "" {
		s.Fill = fallback.Fill
	}
	if s.PointRadius == 0 {
		s.PointRadius = fallback.PointRadius
	}
	return s
}

// LayerConfig describes one remote layer. It is treated as an immutable
// value once loaded.
type LayerConfig struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title,omitempty"`
	Kind        LayerKind `yaml:"kind" json:"kind"`
	URL         string    `yaml:"url" json:"url"`
	FallbackURL string    `yaml:"fallback_url" json:"fallback_url,omitempty"`

	// Layers is the WMS LAYERS value or the ArcGIS export layer id list.
	Layers  string `yaml:"layers" json:"layers,omitempty"`
	LayerID int    `yaml:"layer_id" json:"layer_id,omitempty"`
	Styles  string `yaml:"styles" json:"styles,omitempty"`

	Width       int    `yaml:"width" json:"width,omitempty"`
	Height      int    `yaml:"height" json:"height,omitempty"`
	DPI         int    `yaml:"dpi" json:"dpi,omitempty"`
	Format      string `yaml:"format" json:"format,omitempty"`
	Transparent bool   `yaml:"transparent" json:"transparent"`

	BBoxSR  int `yaml:"bbox_sr" json:"bbox_sr,omitempty"`
	ImageSR int `yaml:"image_sr" json:"image_sr,omitempty"`
	InSR    int `yaml:"in_sr" json:"in_sr,omitempty"`
	OutSR   int `yaml:"out_sr" json:"out_sr,omitempty"` // GeoJSON responses without a crs member are read in this SR

	Where          string `yaml:"where" json:"where,omitempty"`
	OutFields      string `yaml:"out_fields" json:"out_fields,omitempty"`
	ResponseFormat string `yaml:"response_format" json:"response_format,omitempty"`

	Opacity    float64          `yaml:"opacity" json:"opacity"`
	Style      Style            `yaml:"style" json:"style,omitempty"`
	StyleBy    string           `yaml:"style_by" json:"style_by,omitempty"`
	Categories map[string]Style `yaml:"categories" json:"categories,omitempty"`

	PropertyKey   string `yaml:"property_key" json:"property_key,omitempty"`
	IntersectSite bool   `yaml:"intersect_site" json:"intersect_site,omitempty"`

	Token        TokenStrategy `yaml:"token" json:"token,omitempty"`
	TokenService string        `yaml:"token_service" json:"token_service,omitempty"`
	LayerTreeID  int           `yaml:"layer_tree_id" json:"layer_tree_id,omitempty"`
	UseProxy     bool          `yaml:"use_proxy" json:"use_proxy,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// WithDefaults fills unset fields for a surface of size pixels.
func (l LayerConfig) WithDefaults(size int) LayerConfig {
	if l.Width == 0 {
		l.Width = size
	}
	if l.Height == 0 {
		l.Height = size
	}
	if l.DPI == 0 {
		l.DPI = 96
	}
	if l.Format == "" {
		switch l.Kind {
		case LayerWMS:
			l.Format = "image/png"
		case LayerExport:
			l.Format = "png32"
		}
	}
	if l.Kind == LayerQuery {
		if l.InSR == 0 {
			l.InSR = SRIDGDA94
		}
		if l.OutSR == 0 {
			l.OutSR = SRIDGDA94
		}
		if l.OutFields == "" {
			l.OutFields = "*"
		}
		if l.Where == "" {
			l.Where = "1=1"
		}
		if l.ResponseFormat == "" {
			l.ResponseFormat = "geojson"
		}
	}
	if l.Kind == LayerExport {
		if l.BBoxSR == 0 {
			l.BBoxSR = SRIDWebMercator
		}
		if l.ImageSR == 0 {
			l.ImageSR = SRIDWebMercator
		}
	}
	if l.Opacity == 0 {
		l.Opacity = 1
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultLayerTimeout
	}
	if l.Timeout > MaxLayerTimeout {
		l.Timeout = MaxLayerTimeout
	}
	return l
}

// Validate checks the layer definition.
func (l LayerConfig) Validate() error {
	if l.ID == "" {
		return &ValidationError{Field: "layer.id", Value: l.ID, Constraint: "required", Message: "layer id is required"}
	}
	switch l.Kind {
	case LayerWMS, LayerExport, LayerQuery:
	default:
		return &ValidationError{
			Field:      "layer.kind",
			Value:      l.Kind,
			Constraint: "wms|export|query",
			Message:    fmt.Sprintf("layer %s has unknown kind", l.ID),
		}
	}
	if l.URL == "" {
		return &ValidationError{Field: "layer.url", Value: l.URL, Constraint: "required", Message: fmt.Sprintf("layer %s has no url", l.ID)}
	}
	if l.Opacity < 0 || l.Opacity > 1 {
		return &ValidationError{Field: "layer.opacity", Value: l.Opacity, Constraint: "[0, 1]", Message: fmt.Sprintf("layer %s opacity out of range", l.ID)}
	}
	if !l.Token.IsValid() {
		return &ValidationError{Field: "layer.token", Value: l.Token, Constraint: "service|layertree|static", Message: fmt.Sprintf("layer %s has unknown token strategy", l.ID)}
	}
	if l.Token == TokenLayerTree && l.LayerTreeID == 0 {
		return &ValidationError{Field: "layer.layer_tree_id", Value: l.LayerTreeID, Constraint: "required", Message: fmt.Sprintf("layer %s needs a layer tree id", l.ID)}
	}
	if l.Kind == LayerQuery && l.PropertyKey == "" {
		return &ValidationError{Field: "layer.property_key", Value: l.PropertyKey, Constraint: "required", Message: fmt.Sprintf("query layer %s needs a property key", l.ID)}
	}
	return nil
}

// StyleFor returns the style for a feature's properties, honouring
// categorical styling.
func (l LayerConfig) StyleFor(props map[string]interface{}) Style {
	if l.StyleBy == "" || len(l.Categories) == 0 {
		return l.Style
	}
	v, ok := props[l.StyleBy]
	if !ok || v == nil {
		return l.Style
	}
	key := strings.TrimSpace(fmt.Sprint(v))
	if s, ok := l.Categories[key]; ok {
		return s.Merge(l.Style)
	}
	return l.Style
}

// LegendItem is one swatch and label.
type LegendItem struct {
	Label string `yaml:"label" json:"label"`
	Kind  string `yaml:"kind" json:"kind"`
	Style Style  `yaml:"style" json:"style"`
}

// Legend is static, theme-specific legend content.
type Legend struct {
	Title    string       `yaml:"title" json:"title,omitempty"`
	Position string       `yaml:"position" json:"position,omitempty"` // top-left, top-right, bottom-left, bottom-right
	Items    []LegendItem `yaml:"items" json:"items"`
}

// ThemeConfig is the data record driving one themed render.
type ThemeConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Title       string  `yaml:"title" json:"title"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Size        int     `yaml:"size" json:"size"`
	Padding     float64 `yaml:"padding" json:"padding"`

	UseDevelopableAreaForBounds bool `yaml:"use_developable_area_for_bounds" json:"use_developable_area_for_bounds"`
	ShowDevelopableArea         bool `yaml:"show_developable_area" json:"show_developable_area"`
	ShowEnvelope                bool `yaml:"show_envelope" json:"show_envelope,omitempty"`

	Base   *LayerConfig  `yaml:"base" json:"base,omitempty"`
	Layers []LayerConfig `yaml:"layers" json:"layers"`

	SiteStyle        Style  `yaml:"site_style" json:"site_style"`
	DevelopableStyle Style  `yaml:"developable_style" json:"developable_style,omitempty"`
	CaptionProperty  string `yaml:"caption_property" json:"caption_property,omitempty"`

	Legend      *Legend `yaml:"legend" json:"legend,omitempty"`
	Attribution string  `yaml:"attribution" json:"attribution,omitempty"`
}

// Theme defaults.
const (
	DefaultThemeSize    = 2048
	DefaultThemePadding = 0.3
	DefaultBaseOpacity  = 0.5
	MinThemeSize        = 64
	MaxThemeSize        = 8192
)

// DefaultSiteStyle is the solid red property boundary.
var DefaultSiteStyle = Style{Stroke: "#ff0000"}

// DevelopableAreaStyle is the fixed dashed teal developable-area boundary.
var DevelopableAreaStyle = Style{Stroke: "#00b3b3", Dash: []float64{12, 8}}

// WithDefaults fills unset theme fields and applies layer defaults.
func (t ThemeConfig) WithDefaults() ThemeConfig {
	if t.Size == 0 {
		t.Size = DefaultThemeSize
	}
	if t.Padding == 0 {
		t.Padding = DefaultThemePadding
	}
	if t.Title == "" {
		t.Title = t.Name
	}
	t.SiteStyle = t.SiteStyle.Merge(DefaultSiteStyle)
	t.DevelopableStyle = t.DevelopableStyle.Merge(DevelopableAreaStyle)
	if t.Base != nil {
		base := t.Base.WithDefaults(t.Size)
		if t.Base.Opacity == 0 {
			base.Opacity = DefaultBaseOpacity
		}
		t.Base = &base
	}
	layers := make([]LayerConfig, len(t.Layers))
	for i, l := range t.Layers {
		layers[i] = l.WithDefaults(t.Size)
	}
	t.Layers = layers
	return t
}

// Validate checks the theme definition.
func (t ThemeConfig) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "theme.name", Value: t.Name, Constraint: "required", Message: "theme name is required"}
	}
	if t.Size != 0 && (t.Size < MinThemeSize || t.Size > MaxThemeSize) {
		return &ValidationError{
			Field:      "theme.size",
			Value:      t.Size,
			Constraint: fmt.Sprintf("[%d, %d]", MinThemeSize, MaxThemeSize),
			Message:    fmt.Sprintf("theme %s size out of range", t.Name),
		}
	}
	if t.Padding < 0 {
		return &ValidationError{Field: "theme.padding", Value: t.Padding, Constraint: ">= 0", Message: fmt.Sprintf("theme %s padding must not be negative", t.Name)}
	}
	if t.Base != nil {
		if t.Base.Kind == LayerQuery {
			return &ValidationError{Field: "theme.base.kind", Value: t.Base.Kind, Constraint: "wms|export", Message: fmt.Sprintf("theme %s base layer must be raster", t.Name)}
		}
		if err := t.Base.Validate(); err != nil {
			return fmt.Errorf("theme %s base: %w", t.Name, err)
		}
	}
	seen := make(map[string]bool, len(t.Layers))
	for _, l := range t.Layers {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("theme %s: %w", t.Name, err)
		}
		if seen[l.ID] {
			return &ValidationError{Field: "layer.id", Value: l.ID, Constraint: "unique", Message: fmt.Sprintf("theme %s has duplicate layer %s", t.Name, l.ID)}
		}
		seen[l.ID] = true
	}
	return nil
}

// RasterLayers returns thematic image layers in configured order.
func (t ThemeConfig) RasterLayers() []LayerConfig {
	var out []LayerConfig
	for _, l := range t.Layers {
		if l.Kind.IsRaster() {
			out = append(out, l)
		}
	}
	return out
}

// VectorLayers returns thematic query layers in configured order.
func (t ThemeConfig) VectorLayers() []LayerConfig {
	var out []LayerConfig
	for _, l := range t.Layers {
		if l.Kind == LayerQuery {
			out = append(out, l)
		}
	}
	return out
}
