package gis

import (
	"context"
	"image"
	"net/url"
	"strconv"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// FetchWMS fetches a GetMap image for bounds. A location the cache has tagged
// as fallback goes straight to the fallback source. Otherwise the primary is
// tried first; a failed or blank primary tags the location as fallback and
// retries against layer.FallbackURL. Blank images are only rejected when a
// fallback exists.
func (c *Client) FetchWMS(ctx context.Context, cache output.AvailabilityCache, layer domain.LayerConfig, bounds domain.Bounds) (image.Image, domain.ServiceType, error) {
	key := bounds.CacheKey()
	hasFallback := layer.FallbackURL != ""

	token, err := c.token(ctx, layer)
	if err != nil {
		return nil, "", err
	}

	useFallback := false
	if cache != nil && hasFallback {
		if t, ok := cache.GetServiceType(key); ok && t == domain.ServiceFallback {
			useFallback = true
		}
	}

	if !useFallback {
		img, err := c.wmsOnce(ctx, layer, layer.URL, bounds, token, hasFallback)
		if err == nil {
			if cache != nil {
				cache.SetServiceType(key, domain.ServicePrimary)
			}
			return img, domain.ServicePrimary, nil
		}
		if !hasFallback || ctx.Err() != nil {
			return nil, "", err
		}
		c.logger.Warn("primary imagery failed, switching to fallback",
			"layer", layer.ID,
			"location", key,
			"error", err,
		)
		c.metrics.IncFallback(layer.ID)
		if cache != nil {
			cache.SetServiceType(key, domain.ServiceFallback)
		}
	}

	img, err := c.wmsOnce(ctx, layer, layer.FallbackURL, bounds, token, false)
	if err != nil {
		return nil, "", err
	}
	return img, domain.ServiceFallback, nil
}

func (c *Client) wmsOnce(ctx context.Context, layer domain.LayerConfig, base string, bounds domain.Bounds, token string, rejectBlank bool) (image.Image, error) {
	rawURL, err := wmsURL(base, layer, bounds, token)
	if err != nil {
		return nil, c.fetchError(layer, base, domain.StageRequest, 0, err)
	}
	img, err := c.fetchImage(ctx, layer, rawURL)
	if err != nil {
		return nil, err
	}
	if rejectBlank && IsBlank(img, c.config.BlankStride) {
		c.metrics.IncBlankImage(layer.ID)
		return nil, c.fetchError(layer, rawURL, domain.StageBlank, 0, domain.ErrBlankImage)
	}
	return img, nil
}

// wmsURL builds a WMS 1.3.0 GetMap request in Web Mercator.
func wmsURL(base string, layer domain.LayerConfig, bounds domain.Bounds, token string) (string, error) {
	transparent := "FALSE"
	if layer.Transparent {
		transparent = "TRUE"
	}
	params := url.Values{
		"SERVICE":     {"WMS"},
		"VERSION":     {"1.3.0"},
		"REQUEST":     {"GetMap"},
		"CRS":         {"EPSG:3857"},
		"BBOX":        {bounds.Mercator().BBox},
		"WIDTH":       {strconv.Itoa(layer.Width)},
		"HEIGHT":      {strconv.Itoa(layer.Height)},
		"FORMAT":      {layer.Format},
		"TRANSPARENT": {transparent},
		"LAYERS":      {layer.Layers},
		"STYLES":      {layer.Styles},
		"DPI":         {strconv.Itoa(layer.DPI)},
	}
	if token != "" {
		params.Set("token", token)
	}
	return withQuery(base, "", params)
}
