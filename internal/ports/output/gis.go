package output

import (
	"context"
	"image"
	"net/http"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// AvailabilityCache remembers which imagery source served a location during
// one report session.
type AvailabilityCache interface {
	// GetServiceType returns the recorded source for key.
	GetServiceType(key string) (domain.ServiceType, bool)

	// SetServiceType records the source that served key.
	SetServiceType(key string, t domain.ServiceType)
}

// TokenSource resolves the bearer token a layer needs, if any.
type TokenSource interface {
	// TokenFor returns the token for layer, or "" when none is required.
	TokenFor(ctx context.Context, layer domain.LayerConfig) (string, error)
}

// LayerSource defines the secondary port for remote GIS layers.
type LayerSource interface {
	// FetchWMS fetches a WMS GetMap image with primary/fallback failover.
	FetchWMS(ctx context.Context, cache AvailabilityCache, layer domain.LayerConfig, bounds domain.Bounds) (image.Image, domain.ServiceType, error)

	// FetchExport fetches an ArcGIS MapServer export image.
	FetchExport(ctx context.Context, layer domain.LayerConfig, bounds domain.Bounds) (image.Image, error)

	// QueryFeatures queries vector features intersecting the viewport.
	QueryFeatures(ctx context.Context, layer domain.LayerConfig, bounds domain.Bounds) (*geojson.FeatureCollection, error)
}

// ProxyRequest describes a request forwarded through the proxy service.
type ProxyRequest struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// ProxyResponse is either parsed JSON or a fetchable resource URL.
type ProxyResponse struct {
	JSON        []byte
	ResourceURL string
}

// Proxy forwards requests that cannot be made directly.
type Proxy interface {
	// Forward sends req through the proxy.
	Forward(ctx context.Context, req ProxyRequest) (*ProxyResponse, error)
}

// TokenIssuer issues tokens for authenticated services.
type TokenIssuer interface {
	// GenerateToken issues a token valid for expiration.
	GenerateToken(ctx context.Context, username, password, referer string, expiration time.Duration) (domain.CachedToken, error)
}

// TokenStore persists issued tokens by service name.
type TokenStore interface {
	// Get returns the cached token for service.
	Get(ctx context.Context, service string) (domain.CachedToken, bool, error)

	// Set stores a token for service.
	Set(ctx context.Context, service string, token domain.CachedToken) error

	// Clear removes every cached token.
	Clear(ctx context.Context) error
}

// LayerDescriptor is an entry of the host platform's project layer tree.
type LayerDescriptor struct {
	ID    int               `json:"id" yaml:"id"`
	Title string            `json:"title" yaml:"title"`
	URL   string            `json:"url" yaml:"url"`
	Extra map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// LayerTree looks up layer descriptors by numeric id.
type LayerTree interface {
	// Layer returns the descriptor with id.
	Layer(ctx context.Context, id int) (*LayerDescriptor, error)
}
