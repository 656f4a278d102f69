package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// Credentials are the static login details of one token-protected service.
type Credentials struct {
	Username   string
	Password   string
	Referer    string
	Expiration time.Duration
}

// TokenServiceConfig holds configuration for the token service.
type TokenServiceConfig struct {
	RefreshThreshold time.Duration
	RefreshTimeout   time.Duration
	Services         map[string]Credentials
	Static           map[string]string
}

// TokenService issues and caches short-lived bearer tokens. Tokens are
// reissued once less than the refresh threshold remains; if reissuing fails
// the last cached token is returned instead.
type TokenService struct {
	issuer  output.TokenIssuer
	store   output.TokenStore
	tree    *LayerTreeTokens
	metrics output.MetricsCollector
	logger  *slog.Logger
	cfg     TokenServiceConfig
	group   singleflight.Group
	now     func() time.Time
}

// NewTokenService creates a new token service. A nil store selects an
// in-memory one.
func NewTokenService(
	issuer output.TokenIssuer,
	store output.TokenStore,
	tree *LayerTreeTokens,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg TokenServiceConfig,
) *TokenService {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 5 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &TokenService{
		issuer:  issuer,
		store:   store,
		tree:    tree,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// TokenFor resolves the token a layer needs according to its strategy.
func (s *TokenService) TokenFor(ctx context.Context, layer domain.LayerConfig) (string, error) {
	switch layer.Token {
	case domain.TokenNone:
		return "", nil
	case domain.TokenService:
		return s.Token(ctx, layer.TokenService)
	case domain.TokenStatic:
		token, ok := s.cfg.Static[layer.TokenService]
		if !ok || token == "" {
			return "", &domain.AuthError{Service: layer.TokenService, Err: fmt.Errorf("static token: %w", domain.ErrNotFound)}
		}
		return token, nil
	case domain.TokenLayerTree:
		if s.tree == nil {
			return "", &domain.AuthError{Service: layer.ID, Err: fmt.Errorf("layer tree: %w", domain.ErrUnavailable)}
		}
		return s.tree.Token(ctx, layer.LayerTreeID)
	default:
		return "", &domain.AuthError{Service: layer.ID, Err: domain.ErrUnsupported}
	}
}

// Token returns a valid token for the named service, reissuing it when it is
// missing or about to expire. Concurrent refreshes of one service collapse
// into a single request. The request outlives a cancelled caller so that
// callers sharing it still get the token.
func (s *TokenService) Token(ctx context.Context, service string) (string, error) {
	cached, ok, err := s.store.Get(ctx, service)
	if err != nil {
		s.logger.Warn("token store read failed", "service", service, "error", err)
		ok = false
	}
	if ok && !cached.NeedsRefresh(s.now(), s.cfg.RefreshThreshold) {
		return cached.Token, nil
	}

	v, err, _ := s.group.Do(service, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		return s.refresh(rctx, service)
	})
	if err == nil {
		return v.(domain.CachedToken).Token, nil
	}

	if ok && cached.Token != "" {
		s.logger.Warn("token refresh failed, using cached token",
			"service", service,
			"expires_at", cached.ExpiresAt,
			"error", err,
		)
		return cached.Token, nil
	}
	return "", err
}

func (s *TokenService) refresh(ctx context.Context, service string) (domain.CachedToken, error) {
	creds, ok := s.cfg.Services[service]
	if !ok {
		return domain.CachedToken{}, &domain.AuthError{Service: service, Err: fmt.Errorf("credentials: %w", domain.ErrNotFound)}
	}
	if s.issuer == nil {
		return domain.CachedToken{}, &domain.AuthError{Service: service, Err: fmt.Errorf("token issuer: %w", domain.ErrUnavailable)}
	}

	s.logger.Debug("issuing token", "service", service)
	token, err := s.issuer.GenerateToken(ctx, creds.Username, creds.Password, creds.Referer, creds.Expiration)
	s.metrics.IncTokenRefresh(service, err == nil)
	if err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return domain.CachedToken{}, err
		}
		return domain.CachedToken{}, &domain.AuthError{Service: service, Err: err}
	}

	if err := s.store.Set(ctx, service, token); err != nil {
		s.logger.Warn("token store write failed", "service", service, "error", err)
	}
	return token, nil
}

// Clear drops every cached token.
func (s *TokenService) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// LayerTreeTokens extracts tokens embedded in layer descriptors of the host
// platform's layer tree.
type LayerTreeTokens struct {
	tree output.LayerTree
}

// NewLayerTreeTokens creates a new layer tree token strategy.
func NewLayerTreeTokens(tree output.LayerTree) *LayerTreeTokens {
	return &LayerTreeTokens{tree: tree}
}

// Token looks up the descriptor by id and extracts its embedded token.
func (t *LayerTreeTokens) Token(ctx context.Context, id int) (string, error) {
	desc, err := t.tree.Layer(ctx, id)
	if err != nil {
		return "", &domain.AuthError{Service: fmt.Sprintf("layer-tree:%d", id), Err: err}
	}
	token, err := domain.ExtractEmbeddedToken(desc.URL)
	if err != nil {
		return "", &domain.AuthError{Service: fmt.Sprintf("layer-tree:%d", id), Err: err}
	}
	return token, nil
}

// MemoryTokenStore is a process-local TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]domain.CachedToken
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]domain.CachedToken)}
}

// Get implements output.TokenStore.
func (m *MemoryTokenStore) Get(_ context.Context, service string) (domain.CachedToken, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[service]
	return t, ok, nil
}

// Set implements output.TokenStore.
func (m *MemoryTokenStore) Set(_ context.Context, service string, token domain.CachedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[service] = token
	return nil
}

// Clear implements output.TokenStore.
func (m *MemoryTokenStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]domain.CachedToken)
	return nil
}
