package gis

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// FetchExport fetches a static MapServer export image for bounds. There is no
// fallback; a failure is returned to the caller.
func (c *Client) FetchExport(ctx context.Context, layer domain.LayerConfig, bounds domain.Bounds) (image.Image, error) {
	token, err := c.token(ctx, layer)
	if err != nil {
		return nil, err
	}
	rawURL, err := exportURL(layer, bounds, token)
	if err != nil {
		return nil, c.fetchError(layer, layer.URL, domain.StageRequest, 0, err)
	}
	return c.fetchImage(ctx, layer, rawURL)
}

// exportURL builds a MapServer /export request. The bbox is expressed in
// bboxSR: Mercator meters or GDA94 degrees.
func exportURL(layer domain.LayerConfig, bounds domain.Bounds, token string) (string, error) {
	extent := bounds.Extent()
	if domain.IsMercatorSRID(layer.BBoxSR) {
		extent = bounds.Mercator().Extent()
	}
	params := url.Values{
		"f":           {"image"},
		"bbox":        {extent.BBoxString()},
		"bboxSR":      {strconv.Itoa(layer.BBoxSR)},
		"imageSR":     {strconv.Itoa(layer.ImageSR)},
		"size":        {fmt.Sprintf("%d,%d", layer.Width, layer.Height)},
		"dpi":         {strconv.Itoa(layer.DPI)},
		"format":      {layer.Format},
		"transparent": {boolParam(layer.Transparent)},
	}
	if show := exportLayers(layer); show != "" {
		params.Set("layers", show)
	}
	if token != "" {
		params.Set("token", token)
	}
	return withQuery(layer.URL, "/export", params)
}

// exportLayers returns the layers parameter. An explicit show:/hide:/include:
// prefix is kept as configured.
func exportLayers(layer domain.LayerConfig) string {
	ids := strings.TrimSpace(layer.Layers)
	if ids == "" && layer.LayerID > 0 {
		ids = strconv.Itoa(layer.LayerID)
	}
	if ids == "" {
		return ""
	}
	if strings.Contains(ids, ":") {
		return ids
	}
	return "show:" + ids
}
