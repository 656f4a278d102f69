package application

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// ReportConfig holds configuration for report sessions.
type ReportConfig struct {
	// MaxConcurrentThemes bounds themes rendered at once within a session.
	MaxConcurrentThemes int
	// ClearTokensPerSession drops cached tokens when a session starts.
	ClearTokensPerSession bool
	// KeyPrefix is prepended to storage keys of rendered images.
	KeyPrefix string
	// HistoryLimit caps History results.
	HistoryLimit int
}

// DefaultReportConfig returns the default report configuration.
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		MaxConcurrentThemes: 3,
		KeyPrefix:           "renders",
		HistoryLimit:        100,
	}
}

// tokenResetter is implemented by TokenService.
type tokenResetter interface {
	Clear(ctx context.Context) error
}

// ReportService renders several themes for one site in a session. A
// session shares one availability cache across its themes; each finished
// render is stored, recorded and announced.
type ReportService struct {
	renderer *RenderService
	tokens   tokenResetter
	storage  output.ObjectStorage
	history  output.RenderHistory
	events   output.EventPublisher
	metrics  output.MetricsCollector
	logger   *slog.Logger
	config   ReportConfig
	now      func() time.Time
}

// NewReportService creates a new report service. tokens, storage, history
// and events are optional.
func NewReportService(
	renderer *RenderService,
	tokens tokenResetter,
	storage output.ObjectStorage,
	history output.RenderHistory,
	events output.EventPublisher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	config ReportConfig,
) *ReportService {
	defaults := DefaultReportConfig()
	if config.MaxConcurrentThemes <= 0 {
		config.MaxConcurrentThemes = defaults.MaxConcurrentThemes
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	return &ReportService{
		renderer: renderer,
		tokens:   tokens,
		storage:  storage,
		history:  history,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Generate renders every requested theme. A failing theme is reported in
// its ThemeReport and does not affect the others.
func (s *ReportService) Generate(ctx context.Context, req domain.ReportRequest) (*domain.Report, error) {
	if req.Site == nil || req.Site.IsEmpty() {
		return nil, domain.ErrNoSite
	}
	if len(req.Themes) == 0 {
		return nil, &domain.ValidationError{Field: "themes", Value: req.Themes, Constraint: "non-empty", Message: "at least one theme is required"}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	start := s.now()
	cache := NewServiceCache()
	if s.config.ClearTokensPerSession && s.tokens != nil {
		if err := s.tokens.Clear(ctx); err != nil {
			s.logger.Warn("failed to clear token cache", "report", req.ID, "error", err)
		}
	}

	s.logger.Info("report started", "report", req.ID, "themes", len(req.Themes))

	reports := make([]domain.ThemeReport, len(req.Themes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentThemes)
	for i, theme := range req.Themes {
		i, theme := i, theme
		g.Go(func() error {
			reports[i] = s.renderTheme(gctx, cache, req, theme)
			return nil
		})
	}
	_ = g.Wait()

	report := &domain.Report{
		ID:        req.ID,
		Themes:    reports,
		StartedAt: start,
		Duration:  s.now().Sub(start),
	}

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info("report finished",
		"report", req.ID,
		"themes", len(reports),
		"failed", failed,
		"cached_locations", cache.Len(),
		"duration", report.Duration,
	)
	return report, nil
}

func (s *ReportService) renderTheme(ctx context.Context, cache *ServiceCache, req domain.ReportRequest, theme string) domain.ThemeReport {
	tr := domain.ThemeReport{Theme: theme}

	result, err := s.renderer.RenderWithCache(ctx, cache, domain.RenderRequest{
		Theme:           theme,
		Site:            req.Site,
		DevelopableArea: req.DevelopableArea,
		Caption:         req.Caption,
	})

	rec := domain.RenderRecord{
		ReportID:  req.ID,
		Theme:     theme,
		CreatedAt: s.now().UTC(),
	}

	if err != nil {
		s.logger.Warn("theme render failed", "report", req.ID, "theme", theme, "error", err)
		tr.Error = err.Error()
		rec.Status = domain.RenderStatusFailed
		rec.Error = err.Error()
		s.record(ctx, rec)
		return tr
	}

	tr.Result = result
	rec.Status = RenderStatus(result)
	rec.Bounds = result.Bounds
	rec.Layers = len(result.Layers)
	rec.FailedLayers = result.FailedLayers()
	rec.Bytes = len(result.PNG)
	rec.Duration = result.Duration
	for _, fs := range result.Features {
		rec.Features += len(fs)
	}

	if s.storage != nil {
		key := s.objectKey(req.ID, theme)
		if err := s.store(ctx, key, result.PNG); err != nil {
			s.logger.Warn("failed to store render", "report", req.ID, "theme", theme, "key", key, "error", err)
		} else {
			tr.Key = key
			rec.Key = key
		}
	}

	s.record(ctx, rec)
	return tr
}

func (s *ReportService) objectKey(reportID, theme string) string {
	return path.Join(s.config.KeyPrefix, reportID, theme+".png")
}

func (s *ReportService) store(ctx context.Context, key string, png []byte) error {
	start := time.Now()
	err := s.storage.Put(ctx, key, png, "image/png")
	s.metrics.IncStorageOperations("put", err == nil)
	s.metrics.ObserveStorageDuration("put", time.Since(start))
	if err != nil {
		return &domain.StorageError{Operation: "put", Key: key, Err: err}
	}
	return nil
}

// record writes history and publishes the render event. Both are best
// effort.
func (s *ReportService) record(ctx context.Context, rec domain.RenderRecord) {
	if s.history != nil {
		if _, err := s.history.Record(ctx, rec); err != nil {
			s.logger.Warn("failed to record render", "theme", rec.Theme, "error", err)
		}
	}
	if s.events != nil {
		event := domain.RenderEvent{
			ReportID:  rec.ReportID,
			Theme:     rec.Theme,
			Status:    rec.Status,
			Key:       rec.Key,
			Features:  rec.Features,
			Error:     rec.Error,
			Timestamp: rec.CreatedAt,
		}
		if err := s.events.PublishRender(ctx, event); err != nil {
			s.logger.Warn("failed to publish render event", "theme", rec.Theme, "error", err)
		}
	}
}

// History returns recent render records, newest first.
func (s *ReportService) History(ctx context.Context, theme string, limit int) ([]domain.RenderRecord, error) {
	if s.history == nil {
		return nil, fmt.Errorf("render history: %w", domain.ErrUnsupported)
	}
	if limit <= 0 || limit > s.config.HistoryLimit {
		limit = s.config.HistoryLimit
	}
	return s.history.Recent(ctx, theme, limit)
}
