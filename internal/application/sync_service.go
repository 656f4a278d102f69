package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned when the reload API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// reloadCooldown is the minimum gap between API-triggered reloads.
const reloadCooldown = 30 * time.Second

// ReloadResult contains the result of a theme reload.
type ReloadResult struct {
	ThemesAdded     int       `json:"themes_added"`
	ThemesUpdated   int       `json:"themes_updated"`
	ThemesRemoved   int       `json:"themes_removed"`
	ThemesInvalid   int       `json:"themes_invalid"`
	ThemesTotal     int       `json:"themes_total"`
	ReloadedAt      time.Time `json:"reloaded_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// ReloadService periodically reloads theme definitions.
type ReloadService struct {
	registry *ThemeRegistry
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastAPIReload time.Time
	apiMutex      sync.Mutex

	reloadOpMutex sync.Mutex

	nextReload time.Time
	reloadMu   sync.RWMutex
}

// NewReloadService creates a new reload service. A zero interval disables
// the periodic loop; Reload and TriggerReload still work.
func NewReloadService(registry *ThemeRegistry, interval time.Duration, logger *slog.Logger) *ReloadService {
	return &ReloadService{
		registry:      registry,
		interval:      interval,
		logger:        logger,
		stopCh:        make(chan struct{}),
		lastAPIReload: time.Now().Add(-reloadCooldown - time.Second),
	}
}

// Start begins the periodic reload scheduler.
func (s *ReloadService) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic theme reload disabled")
		return
	}
	s.logger.Info("starting theme reload service", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *ReloadService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextReload(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("theme reload service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("theme reload service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled theme reload triggered")
			if _, err := s.Reload(ctx); err != nil {
				s.logger.Error("theme reload failed", "error", err)
			}
			s.setNextReload(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the reload service.
func (s *ReloadService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping theme reload service")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// TriggerReload reloads themes on request, at most once per cooldown.
func (s *ReloadService) TriggerReload(ctx context.Context) (ReloadResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPIReload) < reloadCooldown {
		return ReloadResult{}, ErrRateLimited
	}
	s.lastAPIReload = time.Now()

	return s.Reload(ctx)
}

// Reload reloads themes without rate limiting. It is used by the scheduler
// and the file watcher.
func (s *ReloadService) Reload(ctx context.Context) (ReloadResult, error) {
	s.reloadOpMutex.Lock()
	defer s.reloadOpMutex.Unlock()

	stats, err := s.registry.Load(ctx)
	if err != nil {
		return ReloadResult{}, err
	}

	return ReloadResult{
		ThemesAdded:     stats.Added,
		ThemesUpdated:   stats.Updated,
		ThemesRemoved:   stats.Removed,
		ThemesInvalid:   stats.Invalid,
		ThemesTotal:     s.registry.ThemeCount(),
		ReloadedAt:      time.Now(),
		NextScheduledAt: s.getNextReload(),
	}, nil
}

func (s *ReloadService) setNextReload(t time.Time) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.nextReload = t
}

func (s *ReloadService) getNextReload() time.Time {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.nextReload
}

// Interval returns the reload interval.
func (s *ReloadService) Interval() time.Duration {
	return s.interval
}
