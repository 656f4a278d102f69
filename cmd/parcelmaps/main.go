// Package main provides the entry point for the parcelmaps render service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/parcelmaps/internal/adapters/themefile"
	"github.com/jobrunner/parcelmaps/internal/app"
	"github.com/jobrunner/parcelmaps/internal/config"
	"github.com/jobrunner/parcelmaps/internal/domain"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parcelmaps",
	Short: "parcelmaps - thematic map renderer for land parcels",
	Long: `parcelmaps composes thematic map images around a land parcel.

Each theme stacks raster and vector layers from remote GIS services
(WMS, ArcGIS MapServer export and feature queries), draws the site
boundary on top and adds a legend of the features it intersects.

Features:
  - Configurable theme table with hot reload
  - Cached, auto-refreshed service tokens (memory or Valkey)
  - Imagery fallbacks and blank tile detection
  - Optional persistence of renders (local, AWS S3, Azure, HTTP)
  - Render history in SQLite and events over NATS
  - TLS with automatic certificate management
  - Prometheus metrics`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("parcelmaps %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

var themesCmd = &cobra.Command{
	Use:   "themes",
	Short: "List configured themes",
	RunE:  runThemes,
}

var renderCmd = &cobra.Command{
	Use:   "render THEME SITE.geojson",
	Short: "Render one theme for a site and write a PNG",
	Args:  cobra.ExactArgs(2),
	RunE:  runRender,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("themes-dir", "", "directory of theme definition files")

	// Server flags
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")
	rootCmd.Flags().Bool("tls", false, "enable TLS")
	rootCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	rootCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")

	// Storage flags
	rootCmd.Flags().String("storage-type", "none", "render storage (none, local, s3, azure, http)")
	rootCmd.Flags().String("storage-path", "./renders", "local storage path")

	// CORS flags
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	// Render flags
	renderCmd.Flags().StringP("output", "o", "", "output file (default: THEME.png)")
	renderCmd.Flags().String("developable-area", "", "GeoJSON file with the developable area")
	renderCmd.Flags().String("caption", "", "caption drawn in the legend")
	renderCmd.Flags().Int("size", 0, "image size in pixels (default: theme size)")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("themes.dir", rootCmd.PersistentFlags().Lookup("themes-dir"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("tls.domains", rootCmd.Flags().Lookup("tls-domains"))
	_ = viper.BindPFlag("tls.email", rootCmd.Flags().Lookup("tls-email"))
	_ = viper.BindPFlag("storage.type", rootCmd.Flags().Lookup("storage-type"))
	_ = viper.BindPFlag("storage.local_path", rootCmd.Flags().Lookup("storage-path"))
	_ = viper.BindPFlag("server.cors.allowed_origins", rootCmd.Flags().Lookup("cors"))

	rootCmd.AddCommand(versionCmd, themesCmd, renderCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting parcelmaps",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"storage_type", cfg.Storage.Type,
		"themes_dir", cfg.Themes.Dir,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize application
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := application.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func runThemes(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	themes, err := themefile.NewLoader(cfg.Themes.Dir, cfg.Themes.Defaults, logger).LoadThemes(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTITLE\tSIZE\tLAYERS\tSTATUS")
	for _, t := range themes {
		status := "ok"
		if err := t.Validate(); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", t.Name, t.Title, t.Size, len(t.Layers), status)
	}
	return w.Flush()
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Only the render path is used; skip listeners and background work.
	cfg.TLS.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Themes.Watch = false

	logger := setupLogger(cfg.Logging)
	ctx := cmd.Context()

	site, err := readSite(args[1])
	if err != nil {
		return err
	}
	req := domain.RenderRequest{Theme: args[0], Site: site}
	if path, _ := cmd.Flags().GetString("developable-area"); path != "" {
		if req.DevelopableArea, err = readSite(path); err != nil {
			return err
		}
	}
	req.Caption, _ = cmd.Flags().GetString("caption")
	req.Size, _ = cmd.Flags().GetInt("size")

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = application.Close() }()

	result, err := application.Renderer.Render(ctx, req)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = args[0] + ".png"
	}
	if err := os.WriteFile(out, result.PNG, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	summary := struct {
		Output   string                `json:"output"`
		Width    int                   `json:"width"`
		Height   int                   `json:"height"`
		Bounds   domain.Bounds         `json:"bounds"`
		Layers   []domain.LayerOutcome `json:"layers"`
		Labels   []string              `json:"labels,omitempty"`
		Duration string                `json:"duration"`
	}{out, result.Width, result.Height, result.Bounds, result.Layers, result.Labels, result.Duration.Round(time.Millisecond).String()}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func readSite(path string) (*domain.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	site, err := domain.ParseSite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return site, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
