// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	layerFetches        *prometheus.CounterVec
	layerFetchDuration  *prometheus.HistogramVec
	fallbacks           *prometheus.CounterVec
	blankImages         *prometheus.CounterVec
	renders             *prometheus.CounterVec
	renderDuration      *prometheus.HistogramVec
	tokenRefreshes      *prometheus.CounterVec
	themesLoaded        prometheus.Gauge
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// fetchBuckets cover slow remote map services.
var fetchBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90}

// NewCollector creates a collector registered with the default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with reg.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "parcelmaps"
	}
	factory := promauto.With(reg)

	return &Collector{
		layerFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layer_fetches_total",
				Help:      "Total number of remote layer fetches",
			},
			[]string{"theme", "layer", "kind", "status"},
		),

		layerFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "layer_fetch_duration_seconds",
				Help:      "Remote layer fetch duration in seconds",
				Buckets:   fetchBuckets,
			},
			[]string{"kind"},
		),

		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imagery_fallbacks_total",
				Help:      "Total number of switches to a fallback imagery service",
			},
			[]string{"layer"},
		),

		blankImages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blank_images_total",
				Help:      "Total number of images rejected as blank",
			},
			[]string{"layer"},
		),

		renders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total number of themed map renders",
			},
			[]string{"theme", "status"},
		),

		renderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Themed map render duration in seconds",
				Buckets:   fetchBuckets,
			},
			[]string{"theme"},
		),

		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of service token requests",
			},
			[]string{"service", "status"},
		),

		themesLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "themes_loaded",
				Help:      "Number of loaded themes",
			},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncLayerFetch counts a layer fetch by kind and outcome.
func (c *Collector) IncLayerFetch(theme, layer, kind string, success bool) {
	c.layerFetches.WithLabelValues(theme, layer, kind, successLabel(success)).Inc()
}

// ObserveLayerFetchDuration records layer fetch duration.
func (c *Collector) ObserveLayerFetchDuration(kind string, duration time.Duration) {
	c.layerFetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncFallback counts a switch to a fallback imagery source.
func (c *Collector) IncFallback(layer string) {
	c.fallbacks.WithLabelValues(layer).Inc()
}

// IncBlankImage counts an image rejected as blank.
func (c *Collector) IncBlankImage(layer string) {
	c.blankImages.WithLabelValues(layer).Inc()
}

// IncRender counts a finished render by status.
func (c *Collector) IncRender(theme, status string) {
	c.renders.WithLabelValues(theme, status).Inc()
}

// ObserveRenderDuration records render duration.
func (c *Collector) ObserveRenderDuration(theme string, duration time.Duration) {
	c.renderDuration.WithLabelValues(theme).Observe(duration.Seconds())
}

// IncTokenRefresh counts token issuance attempts.
func (c *Collector) IncTokenRefresh(service string, success bool) {
	c.tokenRefreshes.WithLabelValues(service, successLabel(success)).Inc()
}

// SetThemesLoaded sets the number of loaded themes.
func (c *Collector) SetThemesLoaded(count int) {
	c.themesLoaded.Set(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, successLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routePath(r)
		c.IncHTTPRequests(r.Method, path, statusToString(wrapped.statusCode))
		c.ObserveHTTPDuration(r.Method, path, time.Since(start))
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// routePath returns the matched route template so theme names do not
// become label values.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
