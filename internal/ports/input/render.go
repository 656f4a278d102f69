// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Renderer defines the primary port for themed map renders.
type Renderer interface {
	// Render composes one themed map for a site.
	Render(ctx context.Context, req domain.RenderRequest) (*domain.RenderResult, error)
}

// ReportGenerator defines the primary port for multi-theme report sessions.
type ReportGenerator interface {
	// Generate renders every requested theme in one session.
	Generate(ctx context.Context, req domain.ReportRequest) (*domain.Report, error)

	// History returns recent render records.
	History(ctx context.Context, theme string, limit int) ([]domain.RenderRecord, error)
}

// ThemeCatalog defines the primary port for theme lookup.
type ThemeCatalog interface {
	// ListThemes returns all registered themes.
	ListThemes(ctx context.Context) ([]domain.ThemeConfig, error)

	// GetTheme returns a theme by name.
	GetTheme(ctx context.Context, name string) (*domain.ThemeConfig, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy      bool              // Overall health status
	Ready        bool              // Ready to accept requests
	ThemesLoaded int               // Number of loaded themes
	Components   map[string]string // Component statuses
}
