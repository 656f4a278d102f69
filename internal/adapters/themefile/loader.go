// Package themefile loads theme definitions from YAML files.
package themefile

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

//go:embed defaults.yaml
var defaultThemes []byte

// document is a theme file. Shared holds YAML anchors referenced by themes.
type document struct {
	Shared map[string]yaml.Node  `yaml:"shared"`
	Themes []domain.ThemeConfig `yaml:"themes"`
}

// Loader implements output.ThemeSource. Built-in themes are loaded first;
// files in dir override them by name.
type Loader struct {
	dir          string
	withDefaults bool
	logger       *slog.Logger
}

// NewLoader creates a loader for dir. An empty dir loads only the built-in
// themes.
func NewLoader(dir string, withDefaults bool, logger *slog.Logger) *Loader {
	return &Loader{dir: dir, withDefaults: withDefaults, logger: logger}
}

// Dir returns the watched theme directory.
func (l *Loader) Dir() string {
	return l.dir
}

// LoadThemes returns every theme definition.
func (l *Loader) LoadThemes(ctx context.Context) ([]domain.ThemeConfig, error) {
	var (
		order  []string
		byName = make(map[string]domain.ThemeConfig)
	)
	add := func(themes []domain.ThemeConfig) {
		for _, t := range themes {
			if _, ok := byName[t.Name]; !ok {
				order = append(order, t.Name)
			}
			byName[t.Name] = t
		}
	}

	if l.withDefaults {
		themes, err := Defaults()
		if err != nil {
			return nil, err
		}
		add(themes)
	}

	if l.dir != "" {
		files, err := ThemeFiles(l.dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			themes, err := ParseFile(path)
			if err != nil {
				return nil, err
			}
			l.logger.Debug("loaded theme file", "path", path, "themes", len(themes))
			add(themes)
		}
	}

	out := make([]domain.ThemeConfig, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// Defaults returns the built-in theme table.
func Defaults() ([]domain.ThemeConfig, error) {
	themes, err := Parse(defaultThemes)
	if err != nil {
		return nil, fmt.Errorf("built-in themes: %w", err)
	}
	return themes, nil
}

// ThemeFiles returns the YAML files in dir in name order.
func ThemeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading theme directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsThemeFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// IsThemeFile reports whether name is a YAML theme file.
func IsThemeFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// ParseFile parses the theme file at path.
func ParseFile(path string) ([]domain.ThemeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	themes, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return themes, nil
}

// Parse decodes a theme document: either a `themes:` list or a single theme.
// Unknown fields are rejected.
func Parse(data []byte) ([]domain.ThemeConfig, error) {
	var probe map[string]interface{}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if len(probe) == 0 {
		return nil, nil
	}

	if _, ok := probe["themes"]; ok {
		var doc document
		if err := decodeStrict(data, &doc); err != nil {
			return nil, err
		}
		return doc.Themes, nil
	}

	var theme domain.ThemeConfig
	if err := decodeStrict(data, &theme); err != nil {
		return nil, err
	}
	return []domain.ThemeConfig{theme}, nil
}

func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid theme definition: %w", err)
	}
	return nil
}
