// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jobrunner/parcelmaps/internal/adapters/auth"
	"github.com/jobrunner/parcelmaps/internal/adapters/events"
	"github.com/jobrunner/parcelmaps/internal/adapters/gis"
	"github.com/jobrunner/parcelmaps/internal/adapters/history"
	httpAdapter "github.com/jobrunner/parcelmaps/internal/adapters/http"
	"github.com/jobrunner/parcelmaps/internal/adapters/metrics"
	"github.com/jobrunner/parcelmaps/internal/adapters/proxy"
	"github.com/jobrunner/parcelmaps/internal/adapters/storage"
	"github.com/jobrunner/parcelmaps/internal/adapters/themefile"
	tlsAdapter "github.com/jobrunner/parcelmaps/internal/adapters/tls"
	"github.com/jobrunner/parcelmaps/internal/adapters/tokenstore"
	"github.com/jobrunner/parcelmaps/internal/adapters/watcher"
	"github.com/jobrunner/parcelmaps/internal/application"
	"github.com/jobrunner/parcelmaps/internal/config"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Metrics       output.MetricsCollector
	Themes        *themefile.Loader
	Registry      *application.ThemeRegistry
	Reload        *application.ReloadService
	Tokens        *application.TokenService
	Renderer      *application.RenderService
	Reports       *application.ReportService
	HealthService *application.HealthService
	HTTPServer    *httpAdapter.Server
	TLS           *tlsAdapter.Manager
	Watcher       *watcher.Watcher
	MetricsServer *metrics.Server

	closers []func() error
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: &output.NoOpMetrics{},
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("parcelmaps")
		app.Metrics = collector
		app.MetricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	// Themes
	app.Themes = themefile.NewLoader(cfg.Themes.Dir, cfg.Themes.Defaults, logger)
	app.Registry = application.NewThemeRegistry(app.Themes, app.Metrics, logger)
	if _, err := app.Registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading themes: %w", err)
	}
	app.Reload = application.NewReloadService(app.Registry, cfg.Themes.ReloadInterval, logger)
	app.HealthService = application.NewHealthService(app.Registry)

	// Tokens
	tokens, err := app.initTokens(ctx)
	if err != nil {
		return nil, err
	}
	app.Tokens = tokens

	// Remote layers
	layerProxy, err := app.initProxy()
	if err != nil {
		return nil, err
	}
	layers := gis.NewClient(
		&http.Client{Timeout: cfg.GIS.Timeout},
		app.Tokens,
		layerProxy,
		app.Metrics,
		logger,
		gis.Config{
			UserAgent:   cfg.GIS.UserAgent,
			Referer:     cfg.GIS.Referer,
			BlankStride: cfg.GIS.BlankStride,
			MaxBodySize: cfg.GIS.MaxBodySize,
		},
	)

	app.Renderer = application.NewRenderService(
		app.Registry,
		layers,
		app.Metrics,
		logger,
		application.RenderConfig{
			Deadline:             cfg.Render.Deadline,
			MaxConcurrentFetches: cfg.Render.MaxConcurrentFetches,
		},
	)

	// Report sinks
	objects, err := initStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	renderHistory, err := app.initHistory(ctx)
	if err != nil {
		return nil, err
	}
	publisher := app.initEvents()

	app.Reports = application.NewReportService(
		app.Renderer,
		app.Tokens,
		objects,
		renderHistory,
		publisher,
		app.Metrics,
		logger,
		application.ReportConfig{
			MaxConcurrentThemes:   cfg.Render.MaxConcurrentThemes,
			ClearTokensPerSession: cfg.Tokens.ClearPerSession,
			KeyPrefix:             cfg.Storage.KeyPrefix,
		},
	)

	// HTTP
	var opts []httpAdapter.Option
	if collector != nil {
		opts = append(opts, httpAdapter.WithMiddleware(collector.Middleware))
	}
	if cfg.TLS.Enabled {
		manager, err := tlsAdapter.NewManager(tlsAdapter.Config{
			Domains:  cfg.TLS.Domains,
			Email:    cfg.TLS.Email,
			CacheDir: cfg.TLS.CacheDir,
			Staging:  cfg.TLS.Staging,
			DNS: tlsAdapter.DNSConfig{
				SubscriptionID:    cfg.TLS.AzureDNS.SubscriptionID,
				ResourceGroupName: cfg.TLS.AzureDNS.ResourceGroupName,
				ClientID:          cfg.TLS.AzureDNS.ClientID,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLS = manager
		opts = append(opts, httpAdapter.WithTLS(manager.TLSConfig()))
	}

	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		httpAdapter.Services{
			Themes:   app.Registry,
			Renderer: app.Renderer,
			Reports:  app.Reports,
			Health:   app.HealthService,
			Reloader: app.Reload,
		},
		logger,
		opts...,
	)

	// Theme hot reload
	if cfg.Themes.Watch && cfg.Themes.Dir != "" {
		w, err := watcher.New(
			watcher.Config{
				Paths:    []string{cfg.Themes.Dir},
				Debounce: cfg.Themes.Debounce,
				Filter:   themefile.IsThemeFile,
			},
			app.handleThemeChanges,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize theme watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// initTokens wires the token service with its issuer, store and layer tree.
func (a *App) initTokens(ctx context.Context) (*application.TokenService, error) {
	cfg := a.Config.Tokens

	var issuer output.TokenIssuer
	if cfg.IssuerURL != "" {
		issuer = auth.NewIssuer(&http.Client{Timeout: a.Config.GIS.Timeout}, cfg.IssuerURL)
	}

	var store output.TokenStore
	if cfg.Store == "valkey" {
		vs, err := tokenstore.NewValkeyStore(cfg.Valkey.Addr, cfg.Valkey.Password, cfg.Valkey.DB, cfg.Valkey.Prefix)
		if err == nil {
			err = vs.Ping(ctx)
			if err != nil {
				vs.Close()
			}
		}
		if err != nil {
			a.Logger.Warn("valkey token store unavailable, using memory", "addr", cfg.Valkey.Addr, "error", err)
		} else {
			store = vs
			a.HealthService.AddCheck("valkey", vs.Ping)
			a.closers = append(a.closers, func() error { vs.Close(); return nil })
		}
	}

	var tree output.LayerTree
	if a.Config.LayerTree.URL != "" {
		tree = auth.NewHTTPLayerTree(
			&http.Client{Timeout: a.Config.GIS.Timeout},
			a.Config.LayerTree.URL,
			a.Config.LayerTree.APIKey,
			a.Config.LayerTree.TTL,
		)
	} else {
		descs := make([]output.LayerDescriptor, 0, len(a.Config.LayerTree.Static))
		for _, e := range a.Config.LayerTree.Static {
			descs = append(descs, output.LayerDescriptor{ID: e.ID, Title: e.Title, URL: e.URL})
		}
		tree = auth.NewStaticLayerTree(descs)
	}

	services := make(map[string]application.Credentials, len(cfg.Services))
	for name, c := range cfg.Services {
		services[name] = application.Credentials{
			Username:   c.Username,
			Password:   c.Password,
			Referer:    c.Referer,
			Expiration: c.Expiration,
		}
	}

	return application.NewTokenService(
		issuer,
		store,
		application.NewLayerTreeTokens(tree),
		a.Metrics,
		a.Logger,
		application.TokenServiceConfig{
			RefreshThreshold: cfg.RefreshThreshold,
			RefreshTimeout:   cfg.RefreshTimeout,
			Services:         services,
			Static:           cfg.Static,
		},
	), nil
}

// initProxy returns the relay client, or nil when none is configured.
func (a *App) initProxy() (output.Proxy, error) {
	cfg := a.Config.GIS.Proxy
	if cfg.URL == "" {
		return nil, nil
	}
	client, err := proxy.New(&http.Client{Timeout: cfg.Timeout}, proxy.Config{
		Endpoint: cfg.URL,
		APIKey:   cfg.APIKey,
		Timeout:  cfg.Timeout,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("initializing proxy: %w", err)
	}
	return client, nil
}

// initHistory opens the render history, or returns nil when disabled.
func (a *App) initHistory(ctx context.Context) (output.RenderHistory, error) {
	if !a.Config.History.Enabled {
		return nil, nil
	}
	store, err := history.Open(ctx, a.Config.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening render history: %w", err)
	}
	a.HealthService.AddCheck("history", store.Ping)
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// initEvents connects the render event publisher. A broker that is down at
// startup is retried in the background by the client.
func (a *App) initEvents() output.EventPublisher {
	if !a.Config.Events.Enabled {
		return nil
	}
	pub, err := events.NewPublisher(a.Config.Events.URL, a.Config.Events.SubjectPrefix)
	if err != nil {
		a.Logger.Warn("render events disabled", "url", a.Config.Events.URL, "error", err)
		return nil
	}
	a.HealthService.AddCheck("nats", func(context.Context) error {
		if !pub.Connected() {
			return errors.New("not connected")
		}
		return nil
	})
	a.closers = append(a.closers, pub.Close)
	return pub
}

// Start starts all application components.
func (a *App) Start(ctx context.Context) error {
	a.Reload.Start(ctx)

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start theme watcher", "error", err)
		}
	}

	if a.MetricsServer != nil {
		go func() {
			if err := a.MetricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.TLS != nil {
		if err := a.TLS.ManageCertificates(ctx); err != nil {
			return err
		}
	}

	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}
	a.Reload.Stop()

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	errs = append(errs, a.Close())

	return errors.Join(errs...)
}

// Close releases history, event and token store connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// handleThemeChanges reloads the theme table after theme files change.
func (a *App) handleThemeChanges(ctx context.Context, changes []watcher.Event) error {
	for _, c := range changes {
		a.Logger.Debug("theme file changed", "path", c.Path, "operation", c.Operation.String())
	}
	result, err := a.Reload.Reload(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("themes reloaded",
		"added", result.ThemesAdded,
		"updated", result.ThemesUpdated,
		"removed", result.ThemesRemoved,
		"invalid", result.ThemesInvalid,
		"total", result.ThemesTotal,
	)
	return nil
}

// initStorage initializes the render sink. It returns nil when persistence
// is disabled.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "local":
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
