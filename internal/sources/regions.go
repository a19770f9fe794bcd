package sources

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"census-climate/internal/geo"
	"census-climate/internal/models"
)

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Properties map[string]interface{} `json:"properties"`
	Geometry   *geometry              `json:"geometry"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// LoadRegions reads a GeoJSON FeatureCollection of Census boundaries.
func LoadRegions(path string, level models.Level) ([]models.Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open boundaries: %w", err)
	}
	defer f.Close()

	regions, err := DecodeRegions(f, level)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return regions, nil
}

// DecodeRegions decodes boundaries from r. Subdivision features are keyed
// by CSDUID with their division taken from CDUID, or from the first four
// digits of CSDUID when CDUID is absent. Division features are keyed by
// CDUID. For MultiPolygon geometries the part with the largest area is
// kept. Regions are returned ordered by id.
func DecodeRegions(r io.Reader, level models.Level) ([]models.Region, error) {
	var fc featureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode GeoJSON: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected a FeatureCollection, got %q", fc.Type)
	}

	regions := make([]models.Region, 0, len(fc.Features))
	seen := make(map[int64]bool, len(fc.Features))
	for i, feat := range fc.Features {
		region, err := decodeFeature(feat, level)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		if seen[region.ID] {
			return nil, fmt.Errorf("feature %d: duplicate region id %d", i, region.ID)
		}
		seen[region.ID] = true
		regions = append(regions, region)
	}

	sort.Slice(regions, func(a, b int) bool { return regions[a].ID < regions[b].ID })
	return regions, nil
}

func decodeFeature(feat feature, level models.Level) (models.Region, error) {
	region := models.Region{
		Level:        level,
		ProvinceCode: propString(feat.Properties, "PRUID"),
	}

	var err error
	switch level {
	case models.LevelSubdivision:
		region.Name = propString(feat.Properties, "CSDNAME")
		if region.ID, err = propID(feat.Properties, "CSDUID"); err != nil {
			return region, err
		}
		if _, ok := feat.Properties["CDUID"]; ok {
			region.ParentID, err = propID(feat.Properties, "CDUID")
		} else {
			region.ParentID, err = divisionOf(propString(feat.Properties, "CSDUID"))
		}
		if err != nil {
			return region, err
		}
	case models.LevelDivision:
		region.Name = propString(feat.Properties, "CDNAME")
		if region.ID, err = propID(feat.Properties, "CDUID"); err != nil {
			return region, err
		}
	}
	if region.ProvinceCode == "" {
		id := strconv.FormatInt(region.ID, 10)
		if len(id) >= 2 {
			region.ProvinceCode = id[:2]
		}
	}

	if feat.Geometry == nil {
		return region, fmt.Errorf("region %d has no geometry", region.ID)
	}
	region.Boundary, err = decodeGeometry(feat.Geometry)
	if err != nil {
		return region, fmt.Errorf("region %d: %w", region.ID, err)
	}
	return region, nil
}

func decodeGeometry(g *geometry) (geo.Polygon, error) {
	switch g.Type {
	case "Polygon":
		var coords [][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return geo.Polygon{}, fmt.Errorf("invalid Polygon coordinates: %w", err)
		}
		return toPolygon(coords)
	case "MultiPolygon":
		var coords [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return geo.Polygon{}, fmt.Errorf("invalid MultiPolygon coordinates: %w", err)
		}
		if len(coords) == 0 {
			return geo.Polygon{}, fmt.Errorf("empty MultiPolygon")
		}
		var best geo.Polygon
		bestArea := -1.0
		for _, part := range coords {
			poly, err := toPolygon(part)
			if err != nil {
				return geo.Polygon{}, err
			}
			if a := poly.Area(); a > bestArea {
				best, bestArea = poly, a
			}
		}
		return best, nil
	default:
		return geo.Polygon{}, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}

func toPolygon(rings [][][]float64) (geo.Polygon, error) {
	if len(rings) == 0 {
		return geo.Polygon{}, fmt.Errorf("polygon without rings")
	}
	converted := make([]geo.Ring, len(rings))
	for i, ring := range rings {
		r := make(geo.Ring, len(ring))
		for j, pos := range ring {
			if len(pos) < 2 {
				return geo.Polygon{}, fmt.Errorf("position with %d coordinates", len(pos))
			}
			r[j] = geo.Point{Lon: pos[0], Lat: pos[1]}
		}
		converted[i] = r
	}
	return geo.NewPolygon(converted[0], converted[1:]...), nil
}

func propString(props map[string]interface{}, key string) string {
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func propID(props map[string]interface{}, key string) (int64, error) {
	s := propString(props, key)
	if s == "" {
		return 0, fmt.Errorf("missing property %s", key)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return id, nil
}

// divisionOf derives a CDUID from a CSDUID: the division code is the
// first four digits of the subdivision code.
func divisionOf(csduid string) (int64, error) {
	if len(csduid) < 4 {
		return 0, fmt.Errorf("cannot derive division from CSDUID %q", csduid)
	}
	return strconv.ParseInt(csduid[:4], 10, 64)
}
