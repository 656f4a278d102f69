package application

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockThemeSource implements output.ThemeSource for testing.
type mockThemeSource struct {
	mu     sync.Mutex
	themes []domain.ThemeConfig
	err    error
}

func (m *mockThemeSource) LoadThemes(_ context.Context) ([]domain.ThemeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.ThemeConfig(nil), m.themes...), nil
}

func (m *mockThemeSource) set(themes []domain.ThemeConfig, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.themes = themes
	m.err = err
}

// layerResponse is the canned answer of mockLayerSource for one layer.
type layerResponse struct {
	img      image.Image
	source   domain.ServiceType
	features *geojson.FeatureCollection
	err      error
	delay    time.Duration
	block    bool // wait for context cancellation
}

// mockLayerSource implements output.LayerSource for testing.
type mockLayerSource struct {
	mu        sync.Mutex
	responses map[string]layerResponse
	calls     map[string]int
	inFlight  int
	maxFlight int

	// untagged counts WMS fetches that found no cache entry.
	untagged int
}

func newMockLayerSource(responses map[string]layerResponse) *mockLayerSource {
	return &mockLayerSource{responses: responses, calls: make(map[string]int)}
}

func (m *mockLayerSource) begin(id string) layerResponse {
	m.mu.Lock()
	m.calls[id]++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	resp := m.responses[id]
	m.mu.Unlock()
	return resp
}

func (m *mockLayerSource) end() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *mockLayerSource) wait(ctx context.Context, resp layerResponse) error {
	if resp.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *mockLayerSource) FetchWMS(ctx context.Context, cache output.AvailabilityCache, layer domain.LayerConfig, bounds domain.Bounds) (image.Image, domain.ServiceType, error) {
	resp := m.begin(layer.ID)
	defer m.end()
	if err := m.wait(ctx, resp); err != nil {
		return nil, "", err
	}

	key := bounds.CacheKey()
	if t, ok := cache.GetServiceType(key); ok {
		return resp.img, t, resp.err
	}
	m.mu.Lock()
	m.untagged++
	m.mu.Unlock()
	if resp.err != nil {
		return nil, "", resp.err
	}
	source := resp.source
	if source == "" {
		source = domain.ServicePrimary
	}
	cache.SetServiceType(key, source)
	return resp.img, source, nil
}

func (m *mockLayerSource) FetchExport(ctx context.Context, layer domain.LayerConfig, _ domain.Bounds) (image.Image, error) {
	resp := m.begin(layer.ID)
	defer m.end()
	if err := m.wait(ctx, resp); err != nil {
		return nil, err
	}
	return resp.img, resp.err
}

func (m *mockLayerSource) QueryFeatures(ctx context.Context, layer domain.LayerConfig, _ domain.Bounds) (*geojson.FeatureCollection, error) {
	resp := m.begin(layer.ID)
	defer m.end()
	if err := m.wait(ctx, resp); err != nil {
		return nil, err
	}
	return resp.features, resp.err
}

func (m *mockLayerSource) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// mockStorage implements output.ObjectStorage for testing.
type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *mockStorage) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects := make([]output.StorageObject, 0, len(m.objects))
	for k, v := range m.objects {
		objects = append(objects, output.StorageObject{Key: k, Size: int64(len(v))})
	}
	return objects, nil
}

func (m *mockStorage) GetReader(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// mockHistory implements output.RenderHistory for testing.
type mockHistory struct {
	mu      sync.Mutex
	records []domain.RenderRecord
	limit   int
}

func (m *mockHistory) Record(_ context.Context, rec domain.RenderRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *mockHistory) Recent(_ context.Context, theme string, limit int) ([]domain.RenderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	var out []domain.RenderRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if theme == "" || m.records[i].Theme == theme {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *mockHistory) Close() error { return nil }

// mockEvents implements output.EventPublisher for testing.
type mockEvents struct {
	mu     sync.Mutex
	events []domain.RenderEvent
}

func (m *mockEvents) PublishRender(_ context.Context, event domain.RenderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEvents) Close() error { return nil }

// mockIssuer implements output.TokenIssuer for testing.
type mockIssuer struct {
	mu     sync.Mutex
	calls  int
	token  string
	ttl    time.Duration
	err    error
	delay  time.Duration
	issued time.Time

	// started is closed when the first request begins. release, when set,
	// holds every request until it is closed or the request is cancelled.
	started chan struct{}
	release chan struct{}
	ctxErrs []error
}

func (m *mockIssuer) GenerateToken(ctx context.Context, _, _, _ string, _ time.Duration) (domain.CachedToken, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.release != nil {
		m.mu.Lock()
		if m.started != nil {
			close(m.started)
			m.started = nil
		}
		m.mu.Unlock()
		select {
		case <-m.release:
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return domain.CachedToken{}, err
	}
	if m.err != nil {
		return domain.CachedToken{}, m.err
	}
	issued := m.issued
	if issued.IsZero() {
		issued = time.Now()
	}
	return domain.CachedToken{Token: m.token, ExpiresAt: issued.Add(m.ttl)}, nil
}

func (m *mockIssuer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockLayerTree implements output.LayerTree for testing.
type mockLayerTree struct {
	layers map[int]*output.LayerDescriptor
}

func (m *mockLayerTree) Layer(_ context.Context, id int) (*output.LayerDescriptor, error) {
	d, ok := m.layers[id]
	if !ok {
		return nil, domain.ErrLayerNotFound
	}
	return d, nil
}

// mockTokenResetter records Clear calls.
type mockTokenResetter struct {
	mu      sync.Mutex
	cleared int
}

func (m *mockTokenResetter) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return nil
}

// solidImage returns an opaque single-colour image.
func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// squareSite returns a site with one square parcel of side d degrees
// centered on (cx, cy).
func squareSite(cx, cy, d float64) *domain.Site {
	return domain.NewSite(geojson.NewFeature(square(cx, cy, d)))
}

func square(cx, cy, d float64) orb.Polygon {
	h := d / 2
	return orb.Polygon{{
		{cx - h, cy - h}, {cx + h, cy - h}, {cx + h, cy + h}, {cx - h, cy + h}, {cx - h, cy - h},
	}}
}

func featureCollection(geoms ...orb.Geometry) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, g := range geoms {
		f := geojson.NewFeature(g)
		f.Properties["id"] = i
		fc.Append(f)
	}
	return fc
}
