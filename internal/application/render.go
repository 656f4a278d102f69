package application

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/parcelmaps/internal/canvas"
	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/overlay"
	"github.com/jobrunner/parcelmaps/internal/ports/input"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// RenderConfig holds configuration for the render service.
type RenderConfig struct {
	// Deadline bounds one whole render; outstanding fetches are abandoned.
	Deadline time.Duration
	// MaxConcurrentFetches bounds in-flight layer fetches per render.
	MaxConcurrentFetches int
}

// DefaultRenderConfig returns the default render configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Deadline:             2 * time.Minute,
		MaxConcurrentFetches: 4,
	}
}

// RenderService composes themed map images. Every theme runs through the
// same pipeline; themes differ only in their ThemeConfig.
type RenderService struct {
	themes  input.ThemeCatalog
	layers  output.LayerSource
	overlay *overlay.Renderer
	metrics output.MetricsCollector
	logger  *slog.Logger
	config  RenderConfig
}

// NewRenderService creates a new render service.
func NewRenderService(
	themes input.ThemeCatalog,
	layers output.LayerSource,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	config RenderConfig,
) *RenderService {
	if config.MaxConcurrentFetches <= 0 {
		config.MaxConcurrentFetches = DefaultRenderConfig().MaxConcurrentFetches
	}
	return &RenderService{
		themes:  themes,
		layers:  layers,
		overlay: overlay.NewRenderer(logger),
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// layerResult is the outcome of one fetch, kept in theme order.
type layerResult struct {
	layer    domain.LayerConfig
	img      image.Image
	features *geojson.FeatureCollection
	source   domain.ServiceType
	err      error
	duration time.Duration
}

// Render composes one themed map using a fresh availability cache.
func (s *RenderService) Render(ctx context.Context, req domain.RenderRequest) (*domain.RenderResult, error) {
	return s.RenderWithCache(ctx, NewServiceCache(), req)
}

// RenderWithCache composes one themed map sharing cache with the other
// renders of a session.
func (s *RenderService) RenderWithCache(ctx context.Context, cache output.AvailabilityCache, req domain.RenderRequest) (*domain.RenderResult, error) {
	start := time.Now()

	if req.Site == nil || req.Site.IsEmpty() {
		return nil, domain.ErrNoSite
	}

	theme, err := s.themes.GetTheme(ctx, req.Theme)
	if err != nil {
		return nil, err
	}
	t, err := applyOverrides(*theme, req)
	if err != nil {
		return nil, err
	}

	if s.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Deadline)
		defer cancel()
	}

	bounds := domain.CalculateBounds(req.Site, t.Padding, req.DevelopableArea, t.UseDevelopableAreaForBounds)
	vp := canvas.NewViewport(bounds, t.Size)
	surface := canvas.NewSurface(t.Size, t.Size)

	s.logger.Debug("rendering theme",
		"theme", t.Name,
		"center_x", bounds.CenterX,
		"center_y", bounds.CenterY,
		"size", bounds.Size,
		"pixels", t.Size,
	)

	base, results := s.fetchAll(ctx, cache, t, bounds)

	result := &domain.RenderResult{
		Theme:    t.Name,
		Width:    t.Size,
		Height:   t.Size,
		Bounds:   bounds,
		Features: make(map[string][]*geojson.Feature),
	}

	anyLayer := false
	if base != nil {
		result.Layers = append(result.Layers, s.outcome(t.Name, *base))
		if base.err == nil {
			surface.DrawImage(base.img, base.layer.Opacity)
			anyLayer = true
		}
	}

	for _, r := range results {
		if r.err == nil && r.layer.Kind.IsRaster() {
			surface.DrawImage(r.img, r.layer.Opacity)
			anyLayer = true
		}
	}

	sitePolys := req.Site.AllPolygons()
	for i := range results {
		r := &results[i]
		if r.err != nil || r.layer.Kind != domain.LayerQuery {
			continue
		}
		features := selectFeatures(r.features, r.layer, sitePolys)
		s.drawFeatures(surface, vp, t.Name, r.layer, features)
		req.Site.SetProperty(r.layer.PropertyKey, features)
		result.Features[r.layer.PropertyKey] = features
		anyLayer = true
	}

	for _, r := range results {
		outcome := s.outcome(t.Name, r)
		if r.layer.Kind == domain.LayerQuery && r.err == nil {
			outcome.Features = len(result.Features[r.layer.PropertyKey])
		}
		result.Layers = append(result.Layers, outcome)
	}

	drawn := s.drawOverlays(surface, vp, t, req, result)

	if !anyLayer && drawn == 0 {
		s.metrics.IncRender(t.Name, domain.RenderStatusFailed)
		s.logger.Error("render produced no content", "theme", t.Name, "layers", len(result.Layers))
		return nil, domain.ErrNoRenderableContent
	}

	png, err := surface.EncodePNG()
	if err != nil {
		s.metrics.IncRender(t.Name, domain.RenderStatusFailed)
		return nil, fmt.Errorf("encode %s: %w", t.Name, err)
	}
	result.PNG = png
	result.Duration = time.Since(start)

	status := RenderStatus(result)
	s.metrics.IncRender(t.Name, status)
	s.metrics.ObserveRenderDuration(t.Name, result.Duration)
	s.logger.Info("theme rendered",
		"theme", t.Name,
		"status", status,
		"layers", len(result.Layers),
		"failed_layers", result.FailedLayers(),
		"bytes", len(png),
		"duration", result.Duration,
	)
	return result, nil
}

// RenderStatus classifies a finished render.
func RenderStatus(r *domain.RenderResult) string {
	if r == nil {
		return domain.RenderStatusFailed
	}
	if r.FailedLayers() > 0 {
		return domain.RenderStatusDegraded
	}
	return domain.RenderStatusOK
}

// applyOverrides applies per-request overrides to a registered theme.
func applyOverrides(t domain.ThemeConfig, req domain.RenderRequest) (domain.ThemeConfig, error) {
	if req.Size != 0 && req.Size != t.Size {
		if req.Size < domain.MinThemeSize || req.Size > domain.MaxThemeSize {
			return t, &domain.ValidationError{
				Field:      "size",
				Value:      req.Size,
				Constraint: fmt.Sprintf("[%d, %d]", domain.MinThemeSize, domain.MaxThemeSize),
				Message:    "render size out of range",
			}
		}
		old := t.Size
		t.Size = req.Size
		if t.Base != nil {
			base := resizeLayer(*t.Base, old, req.Size)
			t.Base = &base
		}
		layers := make([]domain.LayerConfig, len(t.Layers))
		for i, l := range t.Layers {
			layers[i] = resizeLayer(l, old, req.Size)
		}
		t.Layers = layers
	}
	if req.Padding != nil {
		if *req.Padding < 0 {
			return t, &domain.ValidationError{Field: "padding", Value: *req.Padding, Constraint: ">= 0", Message: "padding must not be negative"}
		}
		t.Padding = *req.Padding
	}
	if req.UseDevelopableAreaForBounds != nil {
		t.UseDevelopableAreaForBounds = *req.UseDevelopableAreaForBounds
	}
	if req.ShowDevelopableArea != nil {
		t.ShowDevelopableArea = *req.ShowDevelopableArea
	}
	return t, nil
}

// resizeLayer follows a size override for layers sized to the surface.
func resizeLayer(l domain.LayerConfig, from, to int) domain.LayerConfig {
	if l.Width == from {
		l.Width = to
	}
	if l.Height == from {
		l.Height = to
	}
	return l
}

// fetchAll fetches the base and every thematic layer concurrently. Results
// are returned in theme order regardless of completion order.
func (s *RenderService) fetchAll(ctx context.Context, cache output.AvailabilityCache, t domain.ThemeConfig, bounds domain.Bounds) (*layerResult, []layerResult) {
	results := make([]layerResult, len(t.Layers))
	var base *layerResult
	if t.Base != nil {
		base = &layerResult{layer: *t.Base}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentFetches)

	if base != nil {
		g.Go(func() error {
			*base = s.fetchLayer(gctx, cache, base.layer, bounds)
			return nil
		})
	}
	for i, layer := range t.Layers {
		i, layer := i, layer
		g.Go(func() error {
			results[i] = s.fetchLayer(gctx, cache, layer, bounds)
			return nil
		})
	}
	// Fetch failures are recorded per layer, never returned.
	_ = g.Wait()

	for _, r := range results {
		if r.err != nil {
			s.logger.Warn("layer failed", "theme", t.Name, "layer", r.layer.ID, "kind", r.layer.Kind, "error", r.err)
		}
	}
	if base != nil && base.err != nil {
		s.logger.Warn("base layer failed", "theme", t.Name, "layer", base.layer.ID, "error", base.err)
	}
	return base, results
}

func (s *RenderService) fetchLayer(ctx context.Context, cache output.AvailabilityCache, layer domain.LayerConfig, bounds domain.Bounds) layerResult {
	start := time.Now()
	res := layerResult{layer: layer}

	timeout := layer.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultLayerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch layer.Kind {
	case domain.LayerWMS:
		res.img, res.source, res.err = s.layers.FetchWMS(ctx, cache, layer, bounds)
	case domain.LayerExport:
		res.img, res.err = s.layers.FetchExport(ctx, layer, bounds)
	case domain.LayerQuery:
		res.features, res.err = s.layers.QueryFeatures(ctx, layer, bounds)
	default:
		res.err = &domain.LayerFetchError{Layer: layer.ID, Stage: domain.StageRequest, Err: domain.ErrUnsupported}
	}
	if res.err == nil && layer.Kind.IsRaster() && res.img == nil {
		res.err = &domain.LayerFetchError{Layer: layer.ID, Stage: domain.StageDecode, Err: errors.New("no image returned")}
	}
	if res.err == nil && layer.Kind == domain.LayerQuery && res.features == nil {
		res.features = geojson.NewFeatureCollection()
	}
	res.duration = time.Since(start)
	return res
}

func (s *RenderService) outcome(theme string, r layerResult) domain.LayerOutcome {
	s.metrics.IncLayerFetch(theme, r.layer.ID, string(r.layer.Kind), r.err == nil)
	s.metrics.ObserveLayerFetchDuration(string(r.layer.Kind), r.duration)

	o := domain.LayerOutcome{
		Layer:    r.layer.ID,
		Kind:     r.layer.Kind,
		OK:       r.err == nil,
		Source:   r.source,
		Duration: r.duration,
	}
	if r.err != nil {
		o.Error = r.err.Error()
	}
	return o
}

// selectFeatures keeps features with geometry and, for site-scored layers,
// only those intersecting the site.
func selectFeatures(fc *geojson.FeatureCollection, layer domain.LayerConfig, site []orb.Polygon) []*geojson.Feature {
	features := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if layer.IntersectSite && !domain.Intersects(f.Geometry, site) {
			continue
		}
		features = append(features, f)
	}
	return features
}

func (s *RenderService) drawFeatures(surface *canvas.Surface, vp canvas.Viewport, theme string, layer domain.LayerConfig, features []*geojson.Feature) {
	fallback, err := canvas.Resolve(layer.Style, surface.Width())
	if err != nil {
		s.logger.Warn("invalid layer style", "theme", theme, "layer", layer.ID, "error", err)
		fallback, _ = canvas.Resolve(domain.Style{}, surface.Width())
	}
	failed := 0
	for _, f := range features {
		style := fallback
		if layer.StyleBy != "" {
			if st, err := canvas.Resolve(layer.StyleFor(f.Properties), surface.Width()); err == nil {
				style = st
			}
		}
		if err := surface.DrawGeometry(vp, f.Geometry, style); err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("features skipped", "theme", theme, "layer", layer.ID, "skipped", failed, "total", len(features))
	}
}

// drawOverlays draws site and developable boundaries, the envelope, the
// legend and the attribution. It returns the number of boundaries drawn.
func (s *RenderService) drawOverlays(surface *canvas.Surface, vp canvas.Viewport, t domain.ThemeConfig, req domain.RenderRequest, result *domain.RenderResult) int {
	siteStyle, err := canvas.Resolve(t.SiteStyle, t.Size)
	if err != nil {
		s.logger.Warn("invalid site style", "theme", t.Name, "error", err)
		siteStyle, _ = canvas.Resolve(domain.DefaultSiteStyle, t.Size)
	}

	report := s.overlay.DrawFeatureBoundaries(surface, vp, req.Site, overlay.BoundaryOptions{
		Style:           siteStyle,
		Caption:         req.Caption,
		CaptionProperty: t.CaptionProperty,
	})
	s.logFailures(t.Name, "site", report)
	drawn := report.Drawn
	result.Labels = append(result.Labels, report.Labels...)

	if t.ShowDevelopableArea && req.DevelopableArea != nil && !req.DevelopableArea.IsEmpty() {
		devStyle, err := canvas.Resolve(t.DevelopableStyle, t.Size)
		if err != nil {
			s.logger.Warn("invalid developable area style", "theme", t.Name, "error", err)
			devStyle, _ = canvas.Resolve(domain.DevelopableAreaStyle, t.Size)
		}
		dev := s.overlay.DrawDevelopableAreaBoundaries(surface, vp, req.DevelopableArea, devStyle)
		s.logFailures(t.Name, "developable_area", dev)
		drawn += dev.Drawn
		result.Labels = append(result.Labels, dev.Labels...)
	}

	if t.ShowEnvelope {
		env := siteStyle
		env.Fill = nil
		env.Dash = []float64{env.Width * 3, env.Width * 2}
		if err := s.overlay.DrawEnvelope(surface, vp, req.Site, env); err != nil {
			s.logger.Warn("envelope skipped", "theme", t.Name, "error", err)
		}
	}

	if _, err := s.overlay.DrawLegend(surface, t.Legend); err != nil {
		s.logger.Warn("legend skipped", "theme", t.Name, "error", err)
	}
	if err := s.overlay.DrawAttribution(surface, t.Attribution); err != nil {
		s.logger.Warn("attribution skipped", "theme", t.Name, "error", err)
	}
	return drawn
}

func (s *RenderService) logFailures(theme, what string, report overlay.BoundaryReport) {
	for _, err := range report.Failures {
		s.logger.Warn("boundary overlay degraded", "theme", theme, "overlay", what, "error", err)
	}
}
