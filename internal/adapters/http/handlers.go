package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/parcelmaps/internal/application"
	"github.com/jobrunner/parcelmaps/internal/domain"
)

// RenderOptions override theme settings for one request.
type RenderOptions struct {
	Size                        int      `json:"size,omitempty"`
	Padding                     *float64 `json:"padding,omitempty"`
	UseDevelopableAreaForBounds *bool    `json:"use_developable_area_for_bounds,omitempty"`
	ShowDevelopableArea         *bool    `json:"show_developable_area,omitempty"`
}

// RenderBody is the body of a render request.
type RenderBody struct {
	Site            json.RawMessage `json:"site"`
	DevelopableArea json.RawMessage `json:"developable_area,omitempty"`
	Caption         string          `json:"caption,omitempty"`
	Options         RenderOptions   `json:"options"`
}

// ReportBody is the body of a report request.
type ReportBody struct {
	ID              string          `json:"id,omitempty"`
	Themes          []string        `json:"themes"`
	Site            json.RawMessage `json:"site"`
	DevelopableArea json.RawMessage `json:"developable_area,omitempty"`
	Caption         string          `json:"caption,omitempty"`
	IncludeImages   bool            `json:"include_images,omitempty"`
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.services.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":        boolToStatus(details.Healthy),
		"ready":         details.Ready,
		"themes_loaded": details.ThemesLoaded,
		"components":    details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListThemes returns a summary of every registered theme.
func (s *Server) handleListThemes(w http.ResponseWriter, r *http.Request) {
	themes, err := s.services.Themes.ListThemes(r.Context())
	if err != nil {
		s.logger.Error("failed to list themes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list themes")
		return
	}

	response := make([]map[string]interface{}, len(themes))
	for i := range themes {
		t := &themes[i]
		response[i] = map[string]interface{}{
			"name":        t.Name,
			"title":       t.Title,
			"description": t.Description,
			"size":        t.Size,
			"layer_count": len(t.Layers),
			"has_base":    t.Base != nil,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"themes": response,
		"count":  len(themes),
	})
}

// handleGetTheme returns the full definition of a theme.
func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := s.services.Themes.GetTheme(r.Context(), mux.Vars(r)["theme"])
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, theme)
}

// handleRender renders one theme. Clients asking for image/png receive the
// raw image; everyone else gets JSON with a data URI.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var body RenderBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	site, developable, err := parseSites(body.Site, body.DevelopableArea)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	req := domain.RenderRequest{
		Theme:                       mux.Vars(r)["theme"],
		Site:                        site,
		DevelopableArea:             developable,
		Caption:                     body.Caption,
		Size:                        body.Options.Size,
		Padding:                     body.Options.Padding,
		UseDevelopableAreaForBounds: body.Options.UseDevelopableAreaForBounds,
		ShowDevelopableArea:         body.Options.ShowDevelopableArea,
	}

	result, err := s.services.Renderer.Render(r.Context(), req)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	status := application.RenderStatus(result)
	if wantsPNG(r) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(result.PNG)))
		w.Header().Set("X-Render-Status", status)
		w.Header().Set("X-Render-Duration-Ms", strconv.FormatInt(result.Duration.Milliseconds(), 10))
		w.Header().Set("X-Render-Failed-Layers", strconv.Itoa(result.FailedLayers()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.PNG)
		return
	}

	s.writeJSON(w, http.StatusOK, formatRender(result, true))
}

// handleReport renders several themes in one session.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var body ReportBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	site, developable, err := parseSites(body.Site, body.DevelopableArea)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	report, err := s.services.Reports.Generate(r.Context(), domain.ReportRequest{
		ID:              body.ID,
		Themes:          body.Themes,
		Site:            site,
		DevelopableArea: developable,
		Caption:         body.Caption,
	})
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	themes := make([]map[string]interface{}, len(report.Themes))
	for i, tr := range report.Themes {
		entry := map[string]interface{}{"theme": tr.Theme}
		if tr.Key != "" {
			entry["key"] = tr.Key
		}
		if tr.Error != "" {
			entry["error"] = tr.Error
		}
		if tr.Result != nil {
			entry["result"] = formatRender(tr.Result, body.IncludeImages)
		}
		themes[i] = entry
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          report.ID,
		"themes":      themes,
		"started_at":  report.StartedAt,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// handleHistory returns recent render records.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	records, err := s.services.Reports.History(r.Context(), q.Get("theme"), limit)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			s.writeError(w, http.StatusNotFound, "Render history is disabled")
			return
		}
		s.handleServiceError(w, err)
		return
	}

	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		out[i] = map[string]interface{}{
			"id":            rec.ID,
			"report_id":     rec.ReportID,
			"theme":         rec.Theme,
			"status":        rec.Status,
			"key":           rec.Key,
			"bounds":        rec.Bounds,
			"layers":        rec.Layers,
			"failed_layers": rec.FailedLayers,
			"features":      rec.Features,
			"bytes":         rec.Bytes,
			"error":         rec.Error,
			"duration_ms":   rec.Duration.Milliseconds(),
			"created_at":    rec.CreatedAt,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"renders": out,
		"count":   len(out),
	})
}

// handleReload reloads theme definitions.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := s.services.Reloader.TriggerReload(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("theme reload failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Theme reload failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification listing the registered
// themes.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	var names []string
	if themes, err := s.services.Themes.ListThemes(r.Context()); err == nil {
		for _, t := range themes {
			names = append(names, t.Name)
		}
	}
	spec, err := openAPIDocument(names)
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// decodeBody decodes a JSON request body, writing the error response itself.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// parseSites decodes the site and the optional developable area.
func parseSites(siteJSON, developableJSON json.RawMessage) (*domain.Site, *domain.Site, error) {
	if len(siteJSON) == 0 || string(siteJSON) == "null" {
		return nil, nil, domain.ErrNoSite
	}
	site, err := domain.ParseSite(siteJSON)
	if err != nil {
		return nil, nil, err
	}

	var developable *domain.Site
	if len(developableJSON) > 0 && string(developableJSON) != "null" {
		developable, err = domain.ParseSite(developableJSON)
		if err != nil {
			return nil, nil, err
		}
	}
	return site, developable, nil
}

// wantsPNG reports whether the client asked for the raw image.
func wantsPNG(r *http.Request) bool {
	if r.URL.Query().Get("format") == "png" {
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mediaType == "image/png" {
			return true
		}
	}
	return false
}

// formatRender formats a render result for JSON output.
func formatRender(result *domain.RenderResult, withImage bool) map[string]interface{} {
	features := make(map[string]*geojson.FeatureCollection, len(result.Features))
	for key, fs := range result.Features {
		fc := geojson.NewFeatureCollection()
		fc.Features = fs
		features[key] = fc
	}

	layers := make([]map[string]interface{}, len(result.Layers))
	for i, o := range result.Layers {
		layer := map[string]interface{}{
			"layer":       o.Layer,
			"kind":        o.Kind,
			"ok":          o.OK,
			"duration_ms": o.Duration.Milliseconds(),
		}
		if o.Source != "" {
			layer["source"] = o.Source
		}
		if o.Features > 0 {
			layer["features"] = o.Features
		}
		if o.Error != "" {
			layer["error"] = o.Error
		}
		layers[i] = layer
	}

	out := map[string]interface{}{
		"theme":       result.Theme,
		"status":      application.RenderStatus(result),
		"width":       result.Width,
		"height":      result.Height,
		"bounds":      result.Bounds,
		"features":    features,
		"layers":      layers,
		"labels":      result.Labels,
		"bytes":       len(result.PNG),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if withImage {
		out["image"] = result.DataURI()
	}
	return out
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	var geomErr *domain.GeometryError
	switch {
	case errors.As(err, &geomErr):
		s.writeError(w, http.StatusBadRequest, geomErr.Error())
	case errors.Is(err, domain.ErrThemeNotFound):
		s.writeError(w, http.StatusNotFound, "Theme not found")
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoRenderableContent):
		s.writeError(w, http.StatusBadGateway, "No layer could be fetched and no boundary was drawn")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "Render deadline exceeded")
	case errors.Is(err, context.Canceled):
		s.writeError(w, http.StatusServiceUnavailable, "Request canceled")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Request failed")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
