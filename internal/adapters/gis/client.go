// Package gis implements the remote layer fetchers for WMS and ArcGIS REST
// services.
package gis

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	// Image decoders for remote layers.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// Client defaults.
const (
	DefaultUserAgent   = "parcelmaps/1.0"
	DefaultBlankStride = 10
	DefaultMaxBodySize = 64 << 20
)

// Config holds client settings.
type Config struct {
	UserAgent   string
	Referer     string
	BlankStride int
	MaxBodySize int64
}

// Client fetches layers from remote GIS services. It implements
// output.LayerSource.
type Client struct {
	client  *http.Client
	tokens  output.TokenSource
	proxy   output.Proxy
	metrics output.MetricsCollector
	logger  *slog.Logger
	config  Config
}

// NewClient creates a new GIS client. tokens and proxy may be nil.
func NewClient(httpClient *http.Client, tokens output.TokenSource, proxy output.Proxy, metrics output.MetricsCollector, logger *slog.Logger, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.BlankStride <= 0 {
		cfg.BlankStride = DefaultBlankStride
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return &Client{
		client:  httpClient,
		tokens:  tokens,
		proxy:   proxy,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
}

// token resolves the bearer token for layer.
func (c *Client) token(ctx context.Context, layer domain.LayerConfig) (string, error) {
	if c.tokens == nil || layer.Token == domain.TokenNone {
		return "", nil
	}
	token, err := c.tokens.TokenFor(ctx, layer)
	if err != nil {
		return "", &domain.LayerFetchError{Layer: layer.ID, URL: redact(layer.URL), Stage: domain.StageToken, Err: err}
	}
	return token, nil
}

// get fetches rawURL directly or through the proxy.
func (c *Client) get(ctx context.Context, layer domain.LayerConfig, rawURL string) ([]byte, string, error) {
	if layer.UseProxy {
		if c.proxy != nil {
			return c.viaProxy(ctx, layer, rawURL)
		}
		c.logger.Warn("no proxy configured, fetching directly", "layer", layer.ID)
	}
	return c.direct(ctx, layer, rawURL)
}

func (c *Client) direct(ctx context.Context, layer domain.LayerConfig, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", c.fetchError(layer, rawURL, domain.StageRequest, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Referer != "" {
		req.Header.Set("Referer", c.config.Referer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", c.fetchError(layer, rawURL, domain.StageRequest, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", c.fetchError(layer, rawURL, domain.StageService, resp.StatusCode,
			fmt.Errorf("request failed with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize+1))
	if err != nil {
		return nil, "", c.fetchError(layer, rawURL, domain.StageRequest, 0, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(body)) > c.config.MaxBodySize {
		return nil, "", c.fetchError(layer, rawURL, domain.StageService, 0,
			fmt.Errorf("response exceeds %d bytes", c.config.MaxBodySize))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) viaProxy(ctx context.Context, layer domain.LayerConfig, rawURL string) ([]byte, string, error) {
	resp, err := c.proxy.Forward(ctx, output.ProxyRequest{
		URL:     rawURL,
		Method:  http.MethodGet,
		Timeout: layer.Timeout,
	})
	if err != nil {
		return nil, "", c.fetchError(layer, rawURL, domain.StageProxy, 0, err)
	}
	if resp.ResourceURL != "" {
		c.logger.Debug("fetching proxied resource", "layer", layer.ID)
		return c.direct(ctx, layer, resp.ResourceURL)
	}
	if len(resp.JSON) == 0 {
		return nil, "", c.fetchError(layer, rawURL, domain.StageProxy, 0, errors.New("empty proxy response"))
	}
	return resp.JSON, "application/json", nil
}

// fetchImage fetches and decodes an image response.
func (c *Client) fetchImage(ctx context.Context, layer domain.LayerConfig, rawURL string) (image.Image, error) {
	body, contentType, err := c.get(ctx, layer, rawURL)
	if err != nil {
		return nil, err
	}
	if msg, ok := serviceException(contentType, body); ok {
		return nil, c.fetchError(layer, rawURL, domain.StageService, 0, errors.New(msg))
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, c.fetchError(layer, rawURL, domain.StageDecode, 0, fmt.Errorf("failed to decode image: %w", err))
	}
	return img, nil
}

func (c *Client) fetchError(layer domain.LayerConfig, rawURL, stage string, status int, err error) error {
	return &domain.LayerFetchError{
		Layer:  layer.ID,
		URL:    redact(rawURL),
		Stage:  stage,
		Status: status,
		Err:    err,
	}
}

// esriError is the ArcGIS REST error envelope.
type esriError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *esriError) String() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	if e.Code != 0 {
		return fmt.Sprintf("arcgis error %d: %s", e.Code, msg)
	}
	return "arcgis error: " + msg
}

type serviceExceptionReport struct {
	Exceptions []struct {
		Code string `xml:"code,attr"`
		Text string `xml:",chardata"`
	} `xml:"ServiceException"`
}

// serviceException detects WMS exception reports and ArcGIS error envelopes
// returned in place of an image.
func serviceException(contentType string, body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	switch {
	case strings.Contains(contentType, "xml") || bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<ServiceExceptionReport")):
		var report serviceExceptionReport
		if err := xml.Unmarshal(trimmed, &report); err == nil && len(report.Exceptions) > 0 {
			ex := report.Exceptions[0]
			text := strings.TrimSpace(ex.Text)
			if ex.Code != "" {
				return fmt.Sprintf("service exception %s: %s", ex.Code, text), true
			}
			return "service exception: " + text, true
		}
		return "unexpected xml response", true
	case strings.Contains(contentType, "json") || bytes.HasPrefix(trimmed, []byte("{")):
		var envelope struct {
			Error *esriError `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Error != nil {
			return envelope.Error.String(), true
		}
		return "unexpected json response", true
	case strings.HasPrefix(contentType, "text/"):
		return "unexpected text response", true
	}
	return "", false
}

// redact strips credentials from a request URL.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// withQuery parses base and overlays params onto its existing query.
func withQuery(base, suffix string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid service url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid service url %q", base)
	}
	if suffix != "" && !strings.HasSuffix(u.Path, suffix) {
		u.Path = strings.TrimRight(u.Path, "/") + suffix
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func boolParam(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
