package gis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Response formats for feature queries.
const (
	FormatGeoJSON = "geojson"
	FormatEsri    = "json"
)

// QueryFeatures queries the features intersecting the viewport envelope and
// returns them as GeoJSON in GDA94 degrees.
func (c *Client) QueryFeatures(ctx context.Context, layer domain.LayerConfig, bounds domain.Bounds) (*geojson.FeatureCollection, error) {
	token, err := c.token(ctx, layer)
	if err != nil {
		return nil, err
	}
	rawURL, err := queryURL(layer, bounds, token)
	if err != nil {
		return nil, c.fetchError(layer, layer.URL, domain.StageRequest, 0, err)
	}

	body, _, err := c.get(ctx, layer, rawURL)
	if err != nil {
		return nil, err
	}

	fc, truncated, err := decodeFeatures(body, layer.OutSR)
	if err != nil {
		stage := domain.StageDecode
		var svcErr *serviceError
		if errors.As(err, &svcErr) {
			stage = domain.StageService
		}
		return nil, c.fetchError(layer, rawURL, stage, 0, err)
	}
	if truncated {
		c.logger.Warn("feature query exceeded transfer limit",
			"layer", layer.ID,
			"features", len(fc.Features),
		)
	}
	return fc, nil
}

// queryURL builds an ArcGIS /query request with an envelope filter in inSR.
func queryURL(layer domain.LayerConfig, bounds domain.Bounds, token string) (string, error) {
	extent := bounds.Extent()
	if domain.IsMercatorSRID(layer.InSR) {
		extent = bounds.Mercator().Extent()
	}
	extent.SRID = layer.InSR

	format := layer.ResponseFormat
	if format == "" {
		format = FormatGeoJSON
	}
	params := url.Values{
		"geometry":       {extent.EsriEnvelope()},
		"geometryType":   {"esriGeometryEnvelope"},
		"spatialRel":     {"esriSpatialRelIntersects"},
		"inSR":           {strconv.Itoa(layer.InSR)},
		"outSR":          {strconv.Itoa(layer.OutSR)},
		"outFields":      {layer.OutFields},
		"where":          {layer.Where},
		"returnGeometry": {"true"},
		"f":              {format},
	}
	if token != "" {
		params.Set("token", token)
	}

	base := layer.URL
	if layer.LayerID > 0 && !strings.HasSuffix(strings.TrimRight(base, "/"), "/"+strconv.Itoa(layer.LayerID)) {
		base = strings.TrimRight(base, "/") + "/" + strconv.Itoa(layer.LayerID)
	}
	return withQuery(base, "/query", params)
}

// serviceError is an error envelope returned by the service.
type serviceError struct {
	err *esriError
}

func (e *serviceError) Error() string {
	return e.err.String()
}

type esriSpatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

type esriGeometry struct {
	X      *float64      `json:"x"`
	Y      *float64      `json:"y"`
	Points [][]float64   `json:"points"`
	Paths  [][][]float64 `json:"paths"`
	Rings  [][][]float64 `json:"rings"`
}

type esriFeature struct {
	Attributes map[string]interface{} `json:"attributes"`
	Geometry   *esriGeometry          `json:"geometry"`
}

type esriFeatureSet struct {
	Type                  string                `json:"type"`
	Features              json.RawMessage       `json:"features"`
	SpatialReference      *esriSpatialReference `json:"spatialReference"`
	ExceededTransferLimit bool                  `json:"exceededTransferLimit"`
	Properties            *struct {
		ExceededTransferLimit bool `json:"exceededTransferLimit"`
	} `json:"properties"`
	CRS   *geojsonCRS `json:"crs"`
	Error *esriError  `json:"error"`
}

// geojsonCRS is the named crs member of a GeoJSON response.
type geojsonCRS struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

// srid returns the EPSG code of a named crs such as "EPSG:3857",
// "urn:ogc:def:crs:EPSG::3857" or "urn:ogc:def:crs:OGC:1.3:CRS84", or 0 when
// it is not recognised.
func (c *geojsonCRS) srid() int {
	if c == nil || !strings.EqualFold(c.Type, "name") {
		return 0
	}
	name := strings.TrimSpace(c.Properties.Name)
	if strings.HasSuffix(strings.ToUpper(name), "CRS84") {
		return 4326
	}
	i := strings.LastIndex(name, ":")
	if i < 0 {
		return 0
	}
	code, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0
	}
	return code
}

// decodeFeatures parses a GeoJSON or Esri JSON query response. Coordinates in
// Web Mercator are converted back to degrees. A GeoJSON crs member overrides
// outSR; without one the response is taken to be in outSR.
func decodeFeatures(body []byte, outSR int) (*geojson.FeatureCollection, bool, error) {
	var set esriFeatureSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, false, fmt.Errorf("failed to parse query response: %w", err)
	}
	if set.Error != nil {
		return nil, false, &serviceError{err: set.Error}
	}

	mercator := domain.IsMercatorSRID(outSR)
	if set.SpatialReference != nil {
		mercator = domain.IsMercatorSRID(set.SpatialReference.WKID) || domain.IsMercatorSRID(set.SpatialReference.LatestWKID)
	}

	if set.Type == "FeatureCollection" {
		fc, err := geojson.UnmarshalFeatureCollection(body)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse geojson: %w", err)
		}
		projected := domain.IsMercatorSRID(outSR)
		if srid := set.CRS.srid(); srid != 0 {
			projected = domain.IsMercatorSRID(srid)
		}
		if projected {
			for _, f := range fc.Features {
				if f != nil && f.Geometry != nil {
					f.Geometry = unprojectGeometry(f.Geometry)
				}
			}
		}
		truncated := set.Properties != nil && set.Properties.ExceededTransferLimit
		return fc, truncated, nil
	}

	var features []esriFeature
	if len(set.Features) > 0 {
		if err := json.Unmarshal(set.Features, &features); err != nil {
			return nil, false, fmt.Errorf("failed to parse features: %w", err)
		}
	}

	fc := geojson.NewFeatureCollection()
	for _, ef := range features {
		geom := esriToGeometry(ef.Geometry)
		if geom != nil && mercator {
			geom = unprojectGeometry(geom)
		}
		f := &geojson.Feature{Type: "Feature", Geometry: geom, Properties: geojson.Properties{}}
		for k, v := range ef.Attributes {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc, set.ExceededTransferLimit, nil
}

// esriToGeometry converts an Esri JSON geometry. Rings are grouped into
// polygons by orientation: clockwise rings are outer boundaries and
// counter-clockwise rings are holes of the outer ring containing them.
func esriToGeometry(g *esriGeometry) orb.Geometry {
	if g == nil {
		return nil
	}
	switch {
	case g.X != nil && g.Y != nil:
		return orb.Point{*g.X, *g.Y}
	case len(g.Points) > 0:
		mp := make(orb.MultiPoint, 0, len(g.Points))
		for _, p := range g.Points {
			if len(p) >= 2 {
				mp = append(mp, orb.Point{p[0], p[1]})
			}
		}
		return mp
	case len(g.Paths) > 0:
		var mls orb.MultiLineString
		for _, path := range g.Paths {
			if ls := toLineString(path); len(ls) >= 2 {
				mls = append(mls, ls)
			}
		}
		switch len(mls) {
		case 0:
			return nil
		case 1:
			return mls[0]
		}
		return mls
	case len(g.Rings) > 0:
		return ringsToGeometry(g.Rings)
	}
	return nil
}

func ringsToGeometry(rings [][][]float64) orb.Geometry {
	var polys orb.MultiPolygon
	for _, raw := range rings {
		ring := orb.Ring(toLineString(raw))
		if len(ring) < 3 {
			continue
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		if len(ring) < 4 {
			continue
		}

		if ring.Orientation() == orb.CW || len(polys) == 0 {
			polys = append(polys, orb.Polygon{ring})
			continue
		}
		owner := -1
		for i := len(polys) - 1; i >= 0; i-- {
			if planar.RingContains(polys[i][0], ring[0]) {
				owner = i
				break
			}
		}
		if owner < 0 {
			polys = append(polys, orb.Polygon{ring})
			continue
		}
		polys[owner] = append(polys[owner], ring)
	}

	switch len(polys) {
	case 0:
		return nil
	case 1:
		return polys[0]
	}
	return polys
}

func toLineString(coords [][]float64) orb.LineString {
	ls := make(orb.LineString, 0, len(coords))
	for _, c := range coords {
		if len(c) >= 2 {
			ls = append(ls, orb.Point{c[0], c[1]})
		}
	}
	return ls
}

// fromMercator is the orb projection back to degrees.
func fromMercator(p orb.Point) orb.Point {
	lon, lat := domain.FromMercator(p[0], p[1])
	return orb.Point{lon, lat}
}

// unprojectGeometry converts Mercator meters to degrees.
func unprojectGeometry(g orb.Geometry) orb.Geometry {
	return project.Geometry(g, fromMercator)
}
