package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncLayerFetch counts a layer fetch by kind and outcome.
	IncLayerFetch(theme, layer string, kind string, success bool)

	// ObserveLayerFetchDuration records layer fetch duration.
	ObserveLayerFetchDuration(kind string, duration time.Duration)

	// IncFallback counts a switch to a fallback imagery source.
	IncFallback(layer string)

	// IncBlankImage counts an image rejected as blank.
	IncBlankImage(layer string)

	// IncRender counts a finished render by status.
	IncRender(theme, status string)

	// ObserveRenderDuration records render duration.
	ObserveRenderDuration(theme string, duration time.Duration)

	// IncTokenRefresh counts token issuance attempts.
	IncTokenRefresh(service string, success bool)

	// SetThemesLoaded sets the number of loaded themes.
	SetThemesLoaded(count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncLayerFetch implements MetricsCollector.
func (n *NoOpMetrics) IncLayerFetch(_, _, _ string, _ bool) {}

// ObserveLayerFetchDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveLayerFetchDuration(_ string, _ time.Duration) {}

// IncFallback implements MetricsCollector.
func (n *NoOpMetrics) IncFallback(_ string) {}

// IncBlankImage implements MetricsCollector.
func (n *NoOpMetrics) IncBlankImage(_ string) {}

// IncRender implements MetricsCollector.
func (n *NoOpMetrics) IncRender(_, _ string) {}

// ObserveRenderDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveRenderDuration(_ string, _ time.Duration) {}

// IncTokenRefresh implements MetricsCollector.
func (n *NoOpMetrics) IncTokenRefresh(_ string, _ bool) {}

// SetThemesLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetThemesLoaded(_ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
