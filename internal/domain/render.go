package domain

import (
	"encoding/base64"
	"time"

	"github.com/paulmach/orb/geojson"
)

// ServiceType records which imagery source served a location.
type ServiceType string

// Service types.
const (
	ServicePrimary  ServiceType = "primary"
	ServiceFallback ServiceType = "fallback"
)

// RenderRequest asks for one themed map of a site.
type RenderRequest struct {
	Theme           string
	Site            *Site
	DevelopableArea *Site
	Caption         string

	// Optional overrides of the theme configuration.
	Size                        int
	Padding                     *float64
	UseDevelopableAreaForBounds *bool
	ShowDevelopableArea         *bool
}

// LayerOutcome reports how one layer fared during a render.
type LayerOutcome struct {
	Layer    string        `json:"layer"`
	Kind     LayerKind     `json:"kind"`
	OK       bool          `json:"ok"`
	Source   ServiceType   `json:"source,omitempty"`
	Features int           `json:"features,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RenderResult is a composed map image and the vector features discovered
// while composing it.
type RenderResult struct {
	Theme    string                        `json:"theme"`
	PNG      []byte                        `json:"-"`
	Width    int                           `json:"width"`
	Height   int                           `json:"height"`
	Bounds   Bounds                        `json:"bounds"`
	Features map[string][]*geojson.Feature `json:"features,omitempty"`
	Layers   []LayerOutcome                `json:"layers"`
	Labels   []string                      `json:"labels,omitempty"`
	Duration time.Duration                 `json:"duration"`
}

// DataURI returns the image as a base64 PNG data URI.
func (r *RenderResult) DataURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(r.PNG)
}

// FailedLayers counts unsuccessful layers.
func (r *RenderResult) FailedLayers() int {
	n := 0
	for _, o := range r.Layers {
		if !o.OK {
			n++
		}
	}
	return n
}

// ReportRequest renders several themes for one site in a single session.
type ReportRequest struct {
	ID              string
	Themes          []string
	Site            *Site
	DevelopableArea *Site
	Caption         string
}

// ThemeReport is the per-theme part of a report.
type ThemeReport struct {
	Theme  string        `json:"theme"`
	Result *RenderResult `json:"result,omitempty"`
	Key    string        `json:"key,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Report is the outcome of a report session.
type Report struct {
	ID        string        `json:"id"`
	Themes    []ThemeReport `json:"themes"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RenderRecord is render metadata kept in the history.
type RenderRecord struct {
	ID           int64         `json:"id"`
	ReportID     string        `json:"report_id,omitempty"`
	Theme        string        `json:"theme"`
	Status       string        `json:"status"`
	Key          string        `json:"key,omitempty"`
	Bounds       Bounds        `json:"bounds"`
	Layers       int           `json:"layers"`
	FailedLayers int           `json:"failed_layers"`
	Features     int           `json:"features"`
	Bytes        int           `json:"bytes"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Render statuses.
const (
	RenderStatusOK       = "ok"
	RenderStatusDegraded = "degraded"
	RenderStatusFailed   = "failed"
)

// RenderEvent is published after each themed render.
type RenderEvent struct {
	ReportID  string    `json:"report_id,omitempty"`
	Theme     string    `json:"theme"`
	Status    string    `json:"status"`
	Key       string    `json:"key,omitempty"`
	Features  int       `json:"features"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
