package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// HTTPLayerTree implements output.LayerTree by querying the project layer
// tree of the host platform. Descriptors are cached for ttl.
type HTTPLayerTree struct {
	client   *http.Client
	endpoint string
	apiKey   string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[int]treeEntry
}

type treeEntry struct {
	desc    output.LayerDescriptor
	fetched time.Time
}

// NewHTTPLayerTree creates a layer tree client. Layers are fetched from
// endpoint/{id}.
func NewHTTPLayerTree(httpClient *http.Client, endpoint, apiKey string, ttl time.Duration) *HTTPLayerTree {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPLayerTree{
		client:   httpClient,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[int]treeEntry),
	}
}

// Layer returns the descriptor with id.
func (t *HTTPLayerTree) Layer(ctx context.Context, id int) (*output.LayerDescriptor, error) {
	if desc, ok := t.cached(id); ok {
		return &desc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/"+strconv.Itoa(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("layer tree request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	default:
		return nil, fmt.Errorf("layer tree request failed with status %d", resp.StatusCode)
	}

	var desc output.LayerDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to parse layer %d: %w", id, err)
	}
	if desc.ID == 0 {
		desc.ID = id
	}

	if t.ttl > 0 {
		t.mu.Lock()
		t.entries[id] = treeEntry{desc: desc, fetched: t.now()}
		t.mu.Unlock()
	}
	return &desc, nil
}

func (t *HTTPLayerTree) cached(id int) (output.LayerDescriptor, bool) {
	if t.ttl <= 0 {
		return output.LayerDescriptor{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || t.now().Sub(e.fetched) > t.ttl {
		return output.LayerDescriptor{}, false
	}
	return e.desc, true
}

// StaticLayerTree serves descriptors from configuration.
type StaticLayerTree map[int]output.LayerDescriptor

// NewStaticLayerTree indexes descriptors by id.
func NewStaticLayerTree(descs []output.LayerDescriptor) StaticLayerTree {
	tree := make(StaticLayerTree, len(descs))
	for _, d := range descs {
		tree[d.ID] = d
	}
	return tree
}

// Layer returns the descriptor with id.
func (s StaticLayerTree) Layer(_ context.Context, id int) (*output.LayerDescriptor, error) {
	d, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}
	return &d, nil
}
