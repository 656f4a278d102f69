package gis

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.ServiceType
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.ServiceType)}
}

func (c *mapCache) GetServiceType(key string) (domain.ServiceType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	return t, ok
}

func (c *mapCache) SetServiceType(key string, t domain.ServiceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = t
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) TokenFor(context.Context, domain.LayerConfig) (string, error) {
	return s.token, s.err
}

type mockProxy struct {
	resp *output.ProxyResponse
	err  error
	reqs []output.ProxyRequest
}

func (p *mockProxy) Forward(_ context.Context, req output.ProxyRequest) (*output.ProxyResponse, error) {
	p.reqs = append(p.reqs, req)
	return p.resp, p.err
}

type countingMetrics struct {
	output.NoOpMetrics
	fallbacks atomic.Int32
	blanks    atomic.Int32
}

func (m *countingMetrics) IncFallback(string)   { m.fallbacks.Add(1) }
func (m *countingMetrics) IncBlankImage(string) { m.blanks.Add(1) }

func solid(c color.Color, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// imageServer serves body as a PNG and counts requests.
func imageServer(t *testing.T, body []byte, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(tokens output.TokenSource, proxy output.Proxy, metrics output.MetricsCollector) *Client {
	return NewClient(nil, tokens, proxy, metrics, testLogger(), Config{})
}

var testBounds = domain.Bounds{CenterX: 151.005, CenterY: -33.005, Size: 0.013}

func wmsLayer(primary, fallback string) domain.LayerConfig {
	return domain.LayerConfig{
		ID:          "aerial",
		Kind:        domain.LayerWMS,
		URL:         primary,
		FallbackURL: fallback,
		Layers:      "imagery",
		Transparent: true,
	}.WithDefaults(64)
}

func TestIsBlank(t *testing.T) {
	white := solid(color.White, 32)
	marked := solid(color.White, 32)
	marked.Set(10, 10, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	faint := solid(color.Transparent, 32)
	faint.Set(0, 0, color.NRGBA{R: 0, G: 0, B: 255, A: 40})

	tests := []struct {
		name   string
		img    image.Image
		stride int
		want   bool
	}{
		{"nil", nil, 1, true},
		{"transparent", solid(color.Transparent, 32), 4, true},
		{"opaque white", white, 1, true},
		{"sampled non-white pixel", marked, 5, false},
		{"unsampled non-white pixel", marked, 3, true},
		{"translucent colour", faint, 8, false},
		{"opaque black", solid(color.Black, 32), 16, false},
		{"zero stride", marked, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBlank(tt.img, tt.stride); got != tt.want {
				t.Errorf("IsBlank() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchWMSPrimary(t *testing.T) {
	var got *http.Request
	body := encodePNG(t, solid(color.NRGBA{R: 255, A: 255}, 8))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	client := newTestClient(nil, nil, nil)
	cache := newMapCache()

	img, source, err := client.FetchWMS(context.Background(), cache, wmsLayer(srv.URL+"/wms?map=aerial", "http://fallback.invalid"), testBounds)
	if err != nil {
		t.Fatalf("FetchWMS() error = %v", err)
	}
	if img == nil || source != domain.ServicePrimary {
		t.Fatalf("source = %s, want primary", source)
	}
	if cached, _ := cache.GetServiceType(testBounds.CacheKey()); cached != domain.ServicePrimary {
		t.Errorf("cache = %q, want primary", cached)
	}

	q := got.URL.Query()
	want := map[string]string{
		"SERVICE":     "WMS",
		"VERSION":     "1.3.0",
		"REQUEST":     "GetMap",
		"CRS":         "EPSG:3857",
		"WIDTH":       "64",
		"HEIGHT":      "64",
		"FORMAT":      "image/png",
		"TRANSPARENT": "TRUE",
		"LAYERS":      "imagery",
		"DPI":         "96",
		"map":         "aerial",
		"BBOX":        testBounds.Mercator().BBox,
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if ua := got.Header.Get("User-Agent"); ua != DefaultUserAgent {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestFetchWMSBlankTriggersOneFallback(t *testing.T) {
	primary, primaryHits := imageServer(t, encodePNG(t, solid(color.Transparent, 1)), http.StatusOK)
	fallback, fallbackHits := imageServer(t, encodePNG(t, solid(color.NRGBA{G: 128, A: 255}, 8)), http.StatusOK)

	metrics := &countingMetrics{}
	client := newTestClient(nil, nil, metrics)
	cache := newMapCache()
	layer := wmsLayer(primary.URL, fallback.URL)

	for i := 0; i < 2; i++ {
		img, source, err := client.FetchWMS(context.Background(), cache, layer, testBounds)
		if err != nil {
			t.Fatalf("call %d: FetchWMS() error = %v", i, err)
		}
		if img == nil || source != domain.ServiceFallback {
			t.Fatalf("call %d: source = %s, want fallback", i, source)
		}
	}

	if n := primaryHits.Load(); n != 1 {
		t.Errorf("primary requests = %d, want 1", n)
	}
	if n := fallbackHits.Load(); n != 2 {
		t.Errorf("fallback requests = %d, want 2", n)
	}
	if cached, _ := cache.GetServiceType(testBounds.CacheKey()); cached != domain.ServiceFallback {
		t.Errorf("cache = %q, want fallback", cached)
	}
	if metrics.blanks.Load() != 1 || metrics.fallbacks.Load() != 1 {
		t.Errorf("blanks = %d, fallbacks = %d, want 1 and 1", metrics.blanks.Load(), metrics.fallbacks.Load())
	}
}

func TestFetchWMSFallbackFailurePropagates(t *testing.T) {
	primary, _ := imageServer(t, nil, http.StatusBadGateway)
	fallback, _ := imageServer(t, nil, http.StatusServiceUnavailable)

	client := newTestClient(nil, nil, nil)
	_, _, err := client.FetchWMS(context.Background(), newMapCache(), wmsLayer(primary.URL, fallback.URL), testBounds)

	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected LayerFetchError, got %v", err)
	}
	if fetchErr.Status != http.StatusServiceUnavailable || fetchErr.Stage != domain.StageService {
		t.Errorf("got stage %s status %d, want fallback service failure", fetchErr.Stage, fetchErr.Status)
	}
}

func TestFetchWMSWithoutFallbackAcceptsBlank(t *testing.T) {
	primary, hits := imageServer(t, encodePNG(t, solid(color.Transparent, 4)), http.StatusOK)

	client := newTestClient(nil, nil, nil)
	img, source, err := client.FetchWMS(context.Background(), nil, wmsLayer(primary.URL, ""), testBounds)
	if err != nil {
		t.Fatalf("FetchWMS() error = %v", err)
	}
	if img == nil || source != domain.ServicePrimary || hits.Load() != 1 {
		t.Errorf("source = %s hits = %d", source, hits.Load())
	}
}

func TestFetchWMSServiceException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><ServiceExceptionReport version="1.3.0"><ServiceException code="LayerNotDefined">unknown layer</ServiceException></ServiceExceptionReport>`))
	}))
	defer srv.Close()

	client := newTestClient(nil, nil, nil)
	_, _, err := client.FetchWMS(context.Background(), newMapCache(), wmsLayer(srv.URL, ""), testBounds)

	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stage != domain.StageService {
		t.Fatalf("expected service stage error, got %v", err)
	}
	if !strings.Contains(err.Error(), "LayerNotDefined") {
		t.Errorf("error should carry the exception code: %v", err)
	}
}

func TestFetchExport(t *testing.T) {
	var got *http.Request
	body := encodePNG(t, solid(color.NRGBA{B: 255, A: 255}, 8))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	layer := domain.LayerConfig{
		ID:          "zoning",
		Kind:        domain.LayerExport,
		URL:         srv.URL + "/arcgis/rest/services/Planning/MapServer",
		Layers:      "2,4",
		Transparent: true,
		Token:       domain.TokenStatic,
	}.WithDefaults(128)

	client := newTestClient(staticTokens{token: "secret"}, nil, nil)
	img, err := client.FetchExport(context.Background(), layer, testBounds)
	if err != nil {
		t.Fatalf("FetchExport() error = %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("decoded width = %d", img.Bounds().Dx())
	}

	if got.URL.Path != "/arcgis/rest/services/Planning/MapServer/export" {
		t.Errorf("path = %s", got.URL.Path)
	}
	q := got.URL.Query()
	want := map[string]string{
		"f":           "image",
		"bbox":        testBounds.Mercator().BBox,
		"bboxSR":      "3857",
		"imageSR":     "3857",
		"size":        "128,128",
		"dpi":         "96",
		"format":      "png32",
		"transparent": "true",
		"layers":      "show:2,4",
		"token":       "secret",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestExportLayers(t *testing.T) {
	tests := []struct {
		layer domain.LayerConfig
		want  string
	}{
		{domain.LayerConfig{Layers: "1"}, "show:1"},
		{domain.LayerConfig{Layers: "hide:3"}, "hide:3"},
		{domain.LayerConfig{LayerID: 7}, "show:7"},
		{domain.LayerConfig{}, ""},
	}
	for _, tt := range tests {
		if got := exportLayers(tt.layer); got != tt.want {
			t.Errorf("exportLayers(%+v) = %q, want %q", tt.layer, got, tt.want)
		}
	}
}

func TestTokenFailure(t *testing.T) {
	client := newTestClient(staticTokens{err: errors.New("issuer down")}, nil, nil)
	layer := domain.LayerConfig{ID: "secure", Kind: domain.LayerExport, URL: "http://gis.invalid/MapServer", Token: domain.TokenService}.WithDefaults(64)

	_, err := client.FetchExport(context.Background(), layer, testBounds)
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stage != domain.StageToken {
		t.Fatalf("expected token stage error, got %v", err)
	}
}

func TestFetchErrorRedactsToken(t *testing.T) {
	srv, _ := imageServer(t, nil, http.StatusForbidden)
	layer := domain.LayerConfig{ID: "secure", Kind: domain.LayerExport, URL: srv.URL, Token: domain.TokenStatic}.WithDefaults(64)

	client := newTestClient(staticTokens{token: "topsecret"}, nil, nil)
	_, err := client.FetchExport(context.Background(), layer, testBounds)
	if err == nil {
		t.Fatal("expected error")
	}
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected LayerFetchError, got %v", err)
	}
	if strings.Contains(fetchErr.URL, "topsecret") {
		t.Errorf("URL leaks token: %s", fetchErr.URL)
	}
}

func TestProxyResourceURL(t *testing.T) {
	resource, hits := imageServer(t, encodePNG(t, solid(color.Black, 4)), http.StatusOK)
	proxy := &mockProxy{resp: &output.ProxyResponse{ResourceURL: resource.URL + "/cache/abc.png"}}

	layer := domain.LayerConfig{ID: "contours", Kind: domain.LayerExport, URL: "http://gis.invalid/MapServer", UseProxy: true}.WithDefaults(64)
	client := newTestClient(nil, proxy, nil)

	if _, err := client.FetchExport(context.Background(), layer, testBounds); err != nil {
		t.Fatalf("FetchExport() error = %v", err)
	}
	if len(proxy.reqs) != 1 || !strings.HasPrefix(proxy.reqs[0].URL, "http://gis.invalid/MapServer/export?") {
		t.Errorf("proxy requests = %+v", proxy.reqs)
	}
	if hits.Load() != 1 {
		t.Errorf("resource fetched %d times, want 1", hits.Load())
	}
}

func TestProxyFailure(t *testing.T) {
	proxy := &mockProxy{err: errors.New("proxy down")}
	layer := domain.LayerConfig{ID: "flood", Kind: domain.LayerQuery, URL: "http://gis.invalid/FeatureServer/0", UseProxy: true, PropertyKey: "floodFeatures"}.WithDefaults(64)

	client := newTestClient(nil, proxy, nil)
	_, err := client.QueryFeatures(context.Background(), layer, testBounds)
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stage != domain.StageProxy {
		t.Fatalf("expected proxy stage error, got %v", err)
	}
}
