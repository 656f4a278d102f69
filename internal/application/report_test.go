package application

import (
	"context"
	"errors"
	"testing"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

type reportFixture struct {
	service *ReportService
	source  *mockLayerSource
	storage *mockStorage
	history *mockHistory
	events  *mockEvents
	tokens  *mockTokenResetter
}

func newReportFixture(t *testing.T, cfg ReportConfig) reportFixture {
	t.Helper()
	zoning := floodTheme()
	zoning.Name = "zoning"
	f := reportFixture{
		source:  newMockLayerSource(floodResponses()),
		storage: &mockStorage{},
		history: &mockHistory{},
		events:  &mockEvents{},
		tokens:  &mockTokenResetter{},
	}
	renderer := newTestRenderer(t, f.source, DefaultRenderConfig(), floodTheme(), zoning)
	f.service = NewReportService(renderer, f.tokens, f.storage, f.history, f.events, &output.NoOpMetrics{}, testLogger(), cfg)
	return f
}

func TestReportGenerate(t *testing.T) {
	f := newReportFixture(t, ReportConfig{KeyPrefix: "renders", ClearTokensPerSession: true})

	report, err := f.service.Generate(context.Background(), domain.ReportRequest{
		ID:     "r1",
		Themes: []string{"flood", "missing", "zoning"},
		Site:   squareSite(151.0, -33.0, 0.01),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if report.ID != "r1" {
		t.Errorf("ID = %s, want r1", report.ID)
	}
	if len(report.Themes) != 3 {
		t.Fatalf("got %d theme reports, want 3", len(report.Themes))
	}

	// Theme reports keep request order.
	for i, name := range []string{"flood", "missing", "zoning"} {
		if report.Themes[i].Theme != name {
			t.Errorf("Themes[%d] = %s, want %s", i, report.Themes[i].Theme, name)
		}
	}

	missing := report.Themes[1]
	if missing.Error == "" || missing.Result != nil {
		t.Errorf("unknown theme should fail alone, got %+v", missing)
	}

	flood := report.Themes[0]
	if flood.Error != "" {
		t.Fatalf("flood failed: %s", flood.Error)
	}
	if flood.Key != "renders/r1/flood.png" {
		t.Errorf("Key = %s, want renders/r1/flood.png", flood.Key)
	}
	if ok, _ := f.storage.Exists(context.Background(), flood.Key); !ok {
		t.Error("rendered image not stored")
	}

	if len(f.history.records) != 3 {
		t.Errorf("history records = %d, want 3", len(f.history.records))
	}
	statuses := map[string]string{}
	for _, rec := range f.history.records {
		statuses[rec.Theme] = rec.Status
		if rec.ReportID != "r1" {
			t.Errorf("record %s has report id %q", rec.Theme, rec.ReportID)
		}
	}
	if statuses["missing"] != domain.RenderStatusFailed {
		t.Errorf("missing status = %s, want failed", statuses["missing"])
	}
	if statuses["flood"] != domain.RenderStatusOK {
		t.Errorf("flood status = %s, want ok", statuses["flood"])
	}

	if len(f.events.events) != 3 {
		t.Errorf("events = %d, want 3", len(f.events.events))
	}
	if f.tokens.cleared != 1 {
		t.Errorf("token cache cleared %d times, want 1", f.tokens.cleared)
	}
}

func TestReportGenerateSharesAvailabilityCache(t *testing.T) {
	f := newReportFixture(t, ReportConfig{MaxConcurrentThemes: 1})

	_, err := f.service.Generate(context.Background(), domain.ReportRequest{
		Themes: []string{"flood", "zoning"},
		Site:   squareSite(151.0, -33.0, 0.01),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Both themes share one viewport; only the first probes the source.
	if f.source.untagged != 1 {
		t.Errorf("untagged WMS fetches = %d, want 1", f.source.untagged)
	}

	// A new session starts with an empty cache.
	if _, err := f.service.Generate(context.Background(), domain.ReportRequest{
		Themes: []string{"flood"},
		Site:   squareSite(151.0, -33.0, 0.01),
	}); err != nil {
		t.Fatal(err)
	}
	if f.source.untagged != 2 {
		t.Errorf("untagged WMS fetches = %d, want 2 after a new session", f.source.untagged)
	}
}

func TestReportGenerateAssignsID(t *testing.T) {
	f := newReportFixture(t, DefaultReportConfig())

	report, err := f.service.Generate(context.Background(), domain.ReportRequest{
		Themes: []string{"flood"},
		Site:   squareSite(151.0, -33.0, 0.01),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.ID == "" {
		t.Error("expected a generated report id")
	}
	if f.tokens.cleared != 0 {
		t.Error("token cache should not be cleared unless configured")
	}
}

func TestReportGenerateStorageFailure(t *testing.T) {
	f := newReportFixture(t, DefaultReportConfig())
	f.storage.putErr = errors.New("bucket gone")

	report, err := f.service.Generate(context.Background(), domain.ReportRequest{
		Themes: []string{"flood"},
		Site:   squareSite(151.0, -33.0, 0.01),
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := report.Themes[0]
	if tr.Error != "" || tr.Result == nil {
		t.Errorf("storage failure should not fail the render: %+v", tr)
	}
	if tr.Key != "" {
		t.Errorf("Key = %q, want empty when storing failed", tr.Key)
	}
}

func TestReportGenerateValidation(t *testing.T) {
	f := newReportFixture(t, DefaultReportConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		req     domain.ReportRequest
		wantErr error
	}{
		{"no site", domain.ReportRequest{Themes: []string{"flood"}}, domain.ErrNoSite},
		{"no themes", domain.ReportRequest{Site: squareSite(151.0, -33.0, 0.01)}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.service.Generate(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Generate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReportHistory(t *testing.T) {
	f := newReportFixture(t, ReportConfig{HistoryLimit: 10})
	ctx := context.Background()

	if _, err := f.service.Generate(ctx, domain.ReportRequest{
		Themes: []string{"flood", "zoning"},
		Site:   squareSite(151.0, -33.0, 0.01),
	}); err != nil {
		t.Fatal(err)
	}

	records, err := f.service.History(ctx, "zoning", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 1 || records[0].Theme != "zoning" {
		t.Errorf("History() = %+v, want one zoning record", records)
	}
	if f.history.limit != 10 {
		t.Errorf("limit = %d, want capped to 10", f.history.limit)
	}

	if _, err := f.service.History(ctx, "", 1000); err != nil {
		t.Fatal(err)
	}
	if f.history.limit != 10 {
		t.Errorf("limit = %d, want capped to 10", f.history.limit)
	}
}

func TestReportHistoryDisabled(t *testing.T) {
	renderer := newTestRenderer(t, newMockLayerSource(nil), DefaultRenderConfig(), floodTheme())
	svc := NewReportService(renderer, nil, nil, nil, nil, &output.NoOpMetrics{}, testLogger(), DefaultReportConfig())

	if _, err := svc.History(context.Background(), "", 10); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
