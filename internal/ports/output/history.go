package output

import (
	"context"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// RenderHistory defines the secondary port for render metadata.
type RenderHistory interface {
	// Record stores a render record and returns its id.
	Record(ctx context.Context, rec domain.RenderRecord) (int64, error)

	// Recent returns the latest records, newest first.
	Recent(ctx context.Context, theme string, limit int) ([]domain.RenderRecord, error)

	// Close releases the underlying store.
	Close() error
}

// EventPublisher defines the secondary port for render notifications.
type EventPublisher interface {
	// PublishRender announces a finished render.
	PublishRender(ctx context.Context, event domain.RenderEvent) error

	// Close drains and closes the connection.
	Close() error
}

// ThemeSource loads theme definitions.
type ThemeSource interface {
	// LoadThemes returns every theme definition.
	LoadThemes(ctx context.Context) ([]domain.ThemeConfig, error)
}
