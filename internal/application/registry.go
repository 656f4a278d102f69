package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// ThemeRegistry holds the loaded theme definitions.
type ThemeRegistry struct {
	mu       sync.RWMutex
	themes   map[string]*domain.ThemeConfig
	source   output.ThemeSource
	metrics  output.MetricsCollector
	logger   *slog.Logger
	loadedAt time.Time
}

// NewThemeRegistry creates a new theme registry.
func NewThemeRegistry(
	source output.ThemeSource,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *ThemeRegistry {
	return &ThemeRegistry{
		themes:  make(map[string]*domain.ThemeConfig),
		source:  source,
		metrics: metrics,
		logger:  logger,
	}
}

// ReloadStats contains statistics from a reload.
type ReloadStats struct {
	Added   int
	Updated int
	Removed int
	Invalid int
}

// Load reads every theme from the source and replaces the registered set.
// Invalid themes are skipped and logged; the previous set is kept when the
// source fails or yields no valid theme.
func (r *ThemeRegistry) Load(ctx context.Context) (ReloadStats, error) {
	r.logger.Info("loading themes")

	themes, err := r.source.LoadThemes(ctx)
	if err != nil {
		r.logger.Error("failed to load themes", "error", err)
		return ReloadStats{}, err
	}

	next := make(map[string]*domain.ThemeConfig, len(themes))
	stats := ReloadStats{}
	for _, t := range themes {
		if err := t.Validate(); err != nil {
			r.logger.Warn("skipping invalid theme", "theme", t.Name, "error", err)
			stats.Invalid++
			continue
		}
		if _, dup := next[t.Name]; dup {
			r.logger.Warn("duplicate theme, keeping last definition", "theme", t.Name)
		}
		theme := t.WithDefaults()
		next[t.Name] = &theme
	}

	if len(next) == 0 {
		return stats, errors.New("no valid themes found")
	}

	r.mu.Lock()
	for name := range next {
		if _, ok := r.themes[name]; ok {
			stats.Updated++
		} else {
			stats.Added++
		}
	}
	for name := range r.themes {
		if _, ok := next[name]; !ok {
			stats.Removed++
		}
	}
	r.themes = next
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.metrics.SetThemesLoaded(len(next))
	r.logger.Info("themes loaded",
		"total", len(next),
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"invalid", stats.Invalid,
	)
	return stats, nil
}

// ListThemes returns all registered themes sorted by name.
func (r *ThemeRegistry) ListThemes(_ context.Context) ([]domain.ThemeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	themes := make([]domain.ThemeConfig, 0, len(r.themes))
	for _, t := range r.themes {
		themes = append(themes, *t)
	}
	sort.Slice(themes, func(i, j int) bool { return themes[i].Name < themes[j].Name })
	return themes, nil
}

// GetTheme returns a theme by name.
func (r *ThemeRegistry) GetTheme(_ context.Context, name string) (*domain.ThemeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.themes[name]
	if !ok {
		return nil, domain.ErrThemeNotFound
	}
	theme := *t
	return &theme, nil
}

// ThemeCount returns the number of registered themes.
func (r *ThemeRegistry) ThemeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.themes)
}

// LoadedAt returns the time of the last successful load.
func (r *ThemeRegistry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}
