package gis

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/paulmach/orb"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

func queryLayer(rawURL, format string) domain.LayerConfig {
	return domain.LayerConfig{
		ID:             "flood",
		Kind:           domain.LayerQuery,
		URL:            rawURL,
		PropertyKey:    "floodFeatures",
		ResponseFormat: format,
	}.WithDefaults(256)
}

func jsonServer(t *testing.T, body string, got *url.URL) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			*got = *r.URL
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryFeaturesGeoJSON(t *testing.T) {
	var got url.URL
	srv := jsonServer(t, `{
		"type": "FeatureCollection",
		"features": [{
			"type": "Feature",
			"properties": {"LAY_CLASS": "Flood Planning Area"},
			"geometry": {"type": "Polygon", "coordinates": [[[151,-33],[151.01,-33],[151.01,-33.01],[151,-33]]]}
		}]
	}`, &got)

	client := newTestClient(staticTokens{token: "abc"}, nil, nil)
	layer := queryLayer(srv.URL+"/arcgis/rest/services/Hazard/FeatureServer/2", "")
	layer.Token = domain.TokenStatic

	fc, err := client.QueryFeatures(context.Background(), layer, testBounds)
	if err != nil {
		t.Fatalf("QueryFeatures() error = %v", err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties["LAY_CLASS"] != "Flood Planning Area" {
		t.Fatalf("unexpected features: %+v", fc.Features)
	}
	if _, ok := fc.Features[0].Geometry.(orb.Polygon); !ok {
		t.Errorf("geometry = %T, want polygon", fc.Features[0].Geometry)
	}

	if got.Path != "/arcgis/rest/services/Hazard/FeatureServer/2/query" {
		t.Errorf("path = %s", got.Path)
	}
	q := got.Query()
	want := map[string]string{
		"geometryType":   "esriGeometryEnvelope",
		"spatialRel":     "esriSpatialRelIntersects",
		"inSR":           "4283",
		"outSR":          "4283",
		"outFields":      "*",
		"where":          "1=1",
		"returnGeometry": "true",
		"f":              "geojson",
		"token":          "abc",
		"geometry":       testBounds.Extent().EsriEnvelope(),
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestQueryFeaturesEsriJSON(t *testing.T) {
	srv := jsonServer(t, `{
		"spatialReference": {"wkid": 4283},
		"features": [
			{"attributes": {"PTAL": "High"}, "geometry": {"x": 151.001, "y": -33.001}},
			{"attributes": {"NAME": "main"}, "geometry": {"paths": [[[151,-33],[151.01,-33.01]]]}},
			{"attributes": {"NAME": "split"}, "geometry": {"paths": [[[151,-33],[151.01,-33]],[[151,-33.01],[151.01,-33.01]]]}},
			{"attributes": {"ID": 1}, "geometry": {"rings": [
				[[0,0],[0,10],[10,10],[10,0],[0,0]],
				[[2,2],[4,2],[4,4],[2,4],[2,2]],
				[[20,0],[20,5],[25,5],[25,0]]
			]}},
			{"attributes": {"ID": 2}}
		]
	}`, nil)

	client := newTestClient(nil, nil, nil)
	layer := queryLayer(srv.URL, FormatEsri)

	fc, err := client.QueryFeatures(context.Background(), layer, testBounds)
	if err != nil {
		t.Fatalf("QueryFeatures() error = %v", err)
	}
	if len(fc.Features) != 5 {
		t.Fatalf("got %d features, want 5", len(fc.Features))
	}

	if p, ok := fc.Features[0].Geometry.(orb.Point); !ok || p != (orb.Point{151.001, -33.001}) {
		t.Errorf("point = %v", fc.Features[0].Geometry)
	}
	if fc.Features[0].Properties["PTAL"] != "High" {
		t.Errorf("attributes not copied: %v", fc.Features[0].Properties)
	}
	if _, ok := fc.Features[1].Geometry.(orb.LineString); !ok {
		t.Errorf("single path = %T, want LineString", fc.Features[1].Geometry)
	}
	if mls, ok := fc.Features[2].Geometry.(orb.MultiLineString); !ok || len(mls) != 2 {
		t.Errorf("two paths = %T, want MultiLineString", fc.Features[2].Geometry)
	}

	mp, ok := fc.Features[3].Geometry.(orb.MultiPolygon)
	if !ok || len(mp) != 2 {
		t.Fatalf("rings = %#v, want two polygons", fc.Features[3].Geometry)
	}
	if len(mp[0]) != 2 {
		t.Errorf("first polygon has %d rings, want outer plus hole", len(mp[0]))
	}
	if !mp[1][0].Closed() {
		t.Error("open ring should be closed")
	}
	if fc.Features[4].Geometry != nil {
		t.Error("feature without geometry should keep a nil geometry")
	}
}

func TestQueryFeaturesMercatorOutput(t *testing.T) {
	x, y := domain.ToMercator(151.2, -33.8)
	body := `{"spatialReference":{"wkid":102100,"latestWkid":3857},"features":[{"attributes":{},"geometry":{"x":` +
		strconv.FormatFloat(x, 'f', -1, 64) + `,"y":` + strconv.FormatFloat(y, 'f', -1, 64) + `}}]}`
	srv := jsonServer(t, body, nil)

	layer := queryLayer(srv.URL, FormatEsri)
	layer.OutSR = domain.SRIDWebMercator

	fc, err := newTestClient(nil, nil, nil).QueryFeatures(context.Background(), layer, testBounds)
	if err != nil {
		t.Fatalf("QueryFeatures() error = %v", err)
	}
	p := fc.Features[0].Geometry.(orb.Point)
	if math.Abs(p[0]-151.2) > 1e-6 || math.Abs(p[1]+33.8) > 1e-6 {
		t.Errorf("point = %v, want (151.2, -33.8)", p)
	}
}

func TestDecodeFeaturesGeoJSONCRS(t *testing.T) {
	mx, my := domain.ToMercator(151.2, -33.8)
	mercPoint := `{"type":"Point","coordinates":[` +
		strconv.FormatFloat(mx, 'f', -1, 64) + `,` + strconv.FormatFloat(my, 'f', -1, 64) + `]}`
	degPoint := `{"type":"Point","coordinates":[151.2,-33.8]}`
	collection := func(crs, geom string) string {
		body := `{"type":"FeatureCollection",`
		if crs != "" {
			body += `"crs":{"type":"name","properties":{"name":"` + crs + `"}},`
		}
		return body + `"features":[{"type":"Feature","properties":{},"geometry":` + geom + `}]}`
	}

	tests := []struct {
		name  string
		body  string
		outSR int
	}{
		{"no crs, degrees requested", collection("", degPoint), domain.SRIDGDA94},
		{"no crs, mercator requested", collection("", mercPoint), domain.SRIDWebMercator},
		{"epsg mercator overrides degrees request", collection("EPSG:3857", mercPoint), domain.SRIDGDA94},
		{"urn mercator", collection("urn:ogc:def:crs:EPSG::3857", mercPoint), domain.SRIDGDA94},
		{"esri mercator code", collection("EPSG:102100", mercPoint), domain.SRIDGDA94},
		{"crs84 overrides mercator request", collection("urn:ogc:def:crs:OGC:1.3:CRS84", degPoint), domain.SRIDWebMercator},
		{"epsg degrees overrides mercator request", collection("EPSG:4283", degPoint), domain.SRIDWebMercator},
		{"unknown crs falls back to request", collection("local", mercPoint), domain.SRIDWebMercator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, _, err := decodeFeatures([]byte(tt.body), tt.outSR)
			if err != nil {
				t.Fatalf("decodeFeatures() error = %v", err)
			}
			p := fc.Features[0].Geometry.(orb.Point)
			if math.Abs(p[0]-151.2) > 1e-6 || math.Abs(p[1]+33.8) > 1e-6 {
				t.Errorf("point = %v, want (151.2, -33.8)", p)
			}
		})
	}
}

func TestQueryFeaturesServiceError(t *testing.T) {
	srv := jsonServer(t, `{"error":{"code":498,"message":"Invalid token.","details":[]}}`, nil)

	_, err := newTestClient(nil, nil, nil).QueryFeatures(context.Background(), queryLayer(srv.URL, ""), testBounds)
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected LayerFetchError, got %v", err)
	}
	if fetchErr.Stage != domain.StageService {
		t.Errorf("stage = %s, want service", fetchErr.Stage)
	}
}

func TestQueryFeaturesMalformed(t *testing.T) {
	srv := jsonServer(t, `not json`, nil)

	_, err := newTestClient(nil, nil, nil).QueryFeatures(context.Background(), queryLayer(srv.URL, ""), testBounds)
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stage != domain.StageDecode {
		t.Fatalf("expected decode stage error, got %v", err)
	}
}

func TestQueryURLLayerID(t *testing.T) {
	tests := []struct {
		name string
		base string
		id   int
		want string
	}{
		{"appends id", "https://gis.example.test/MapServer", 3, "/MapServer/3/query"},
		{"id already present", "https://gis.example.test/MapServer/3", 3, "/MapServer/3/query"},
		{"no id", "https://gis.example.test/FeatureServer/0", 0, "/FeatureServer/0/query"},
		{"explicit query path", "https://gis.example.test/FeatureServer/0/query", 0, "/FeatureServer/0/query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer := queryLayer(tt.base, "")
			layer.LayerID = tt.id
			raw, err := queryURL(layer, testBounds, "")
			if err != nil {
				t.Fatal(err)
			}
			u, _ := url.Parse(raw)
			if u.Path != tt.want {
				t.Errorf("path = %s, want %s", u.Path, tt.want)
			}
		})
	}
}

func TestQueryURLMercatorEnvelope(t *testing.T) {
	layer := queryLayer("https://gis.example.test/MapServer/1", "")
	layer.InSR = domain.SRIDWebMercator

	raw, err := queryURL(layer, testBounds, "")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(raw)
	want := testBounds.Mercator().Extent().EsriEnvelope()
	if got := u.Query().Get("geometry"); got != want {
		t.Errorf("geometry = %s, want %s", got, want)
	}
}

func TestInvalidServiceURL(t *testing.T) {
	_, err := newTestClient(nil, nil, nil).QueryFeatures(context.Background(), queryLayer("not a url", ""), testBounds)
	var fetchErr *domain.LayerFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stage != domain.StageRequest {
		t.Fatalf("expected request stage error, got %v", err)
	}
}
