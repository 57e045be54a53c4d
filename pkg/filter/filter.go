// Package filter implements the post-filter condition tree evaluated
// against a candidate's metadata after an index search.
package filter

import (
	"math"
	"strings"
)

// EarthRadiusKM is used by GeoRadius's haversine distance check.
const EarthRadiusKM = 6371.0

// Coordinate is a geographic point used by GeoRadius and
// GeoBoundingBox leaves.
type Coordinate struct {
	Lat float64
	Lng float64
}

// Node is one node of the filter condition tree. Exactly one of the
// combinator fields (Must/Should/MustNot/MinShould) or the leaf fields
// should be set.
type Node struct {
	// Combinators
	Must     []Node
	Should   []Node
	MustNot  []Node
	MinCount int  // used together with MinShould
	MinShould []Node

	// Leaves
	MatchKeyword  *MatchKeywordLeaf
	MatchAny      *MatchAnyLeaf
	MatchText     *MatchTextLeaf
	Range         *RangeLeaf
	GeoRadius     *GeoRadiusLeaf
	GeoBoundingBox *GeoBoundingBoxLeaf
	ValuesCount   *ValuesCountLeaf
	IsEmpty       *IsEmptyLeaf
	IsNull        *IsNullLeaf
}

// MatchKeywordLeaf requires field to equal Value exactly.
type MatchKeywordLeaf struct {
	Field string
	Value any
}

// MatchAnyLeaf requires field to equal any of Values.
type MatchAnyLeaf struct {
	Field  string
	Values []any
}

// MatchTextLeaf requires field, as a string, to contain Substr
// case-insensitively.
type MatchTextLeaf struct {
	Field  string
	Substr string
}

// RangeLeaf requires field, as a float64, to satisfy the bounds that
// are non-nil.
type RangeLeaf struct {
	Field string
	Gte   *float64
	Gt    *float64
	Lte   *float64
	Lt    *float64
}

// GeoRadiusLeaf requires field to hold a Coordinate within RadiusKM of
// Center, by haversine distance.
type GeoRadiusLeaf struct {
	Field    string
	Center   Coordinate
	RadiusKM float64
}

// GeoBoundingBoxLeaf requires field to hold a Coordinate inside the box.
type GeoBoundingBoxLeaf struct {
	Field                    string
	MinLat, MaxLat           float64
	MinLng, MaxLng           float64
}

// ValuesCountLeaf requires field, as a slice, to have a length
// satisfying the bounds that are non-nil.
type ValuesCountLeaf struct {
	Field string
	Gte   *int
	Lte   *int
}

// IsEmptyLeaf requires field to be absent, nil, an empty string, or an
// empty slice.
type IsEmptyLeaf struct{ Field string }

// IsNullLeaf requires field to be present and nil.
type IsNullLeaf struct{ Field string }

// Eval evaluates the filter tree against a candidate's metadata,
// short-circuiting left to right.
func Eval(n Node, metadata map[string]any) bool {
	switch {
	case n.Must != nil:
		for _, c := range n.Must {
			if !Eval(c, metadata) {
				return false
			}
		}
		return true

	case n.Should != nil:
		for _, c := range n.Should {
			if Eval(c, metadata) {
				return true
			}
		}
		return false

	case n.MustNot != nil:
		for _, c := range n.MustNot {
			if Eval(c, metadata) {
				return false
			}
		}
		return true

	case n.MinShould != nil:
		count := 0
		for _, c := range n.MinShould {
			if Eval(c, metadata) {
				count++
				if count >= n.MinCount {
					return true
				}
			}
		}
		return count >= n.MinCount

	case n.MatchKeyword != nil:
		v, ok := metadata[n.MatchKeyword.Field]
		return ok && equalAny(v, n.MatchKeyword.Value)

	case n.MatchAny != nil:
		v, ok := metadata[n.MatchAny.Field]
		if !ok {
			return false
		}
		for _, want := range n.MatchAny.Values {
			if equalAny(v, want) {
				return true
			}
		}
		return false

	case n.MatchText != nil:
		v, ok := metadata[n.MatchText.Field]
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(n.MatchText.Substr))

	case n.Range != nil:
		return evalRange(*n.Range, metadata)

	case n.GeoRadius != nil:
		return evalGeoRadius(*n.GeoRadius, metadata)

	case n.GeoBoundingBox != nil:
		return evalGeoBoundingBox(*n.GeoBoundingBox, metadata)

	case n.ValuesCount != nil:
		return evalValuesCount(*n.ValuesCount, metadata)

	case n.IsEmpty != nil:
		v, ok := metadata[n.IsEmpty.Field]
		if !ok || v == nil {
			return true
		}
		switch t := v.(type) {
		case string:
			return t == ""
		case []any:
			return len(t) == 0
		default:
			return false
		}

	case n.IsNull != nil:
		v, ok := metadata[n.IsNull.Field]
		return ok && v == nil
	}

	// An entirely empty node matches everything: convenient as the
	// "no filter" default leaf.
	return true
}

func evalRange(r RangeLeaf, metadata map[string]any) bool {
	v, ok := metadata[r.Field]
	if !ok {
		return false
	}
	f, ok := toFloat64(v)
	if !ok {
		return false
	}
	if r.Gte != nil && f < *r.Gte {
		return false
	}
	if r.Gt != nil && f <= *r.Gt {
		return false
	}
	if r.Lte != nil && f > *r.Lte {
		return false
	}
	if r.Lt != nil && f >= *r.Lt {
		return false
	}
	return true
}

func evalValuesCount(vc ValuesCountLeaf, metadata map[string]any) bool {
	v, ok := metadata[vc.Field]
	if !ok {
		return false
	}
	slice, ok := v.([]any)
	if !ok {
		return false
	}
	n := len(slice)
	if vc.Gte != nil && n < *vc.Gte {
		return false
	}
	if vc.Lte != nil && n > *vc.Lte {
		return false
	}
	return true
}

func evalGeoRadius(gr GeoRadiusLeaf, metadata map[string]any) bool {
	c, ok := coordinateOf(metadata, gr.Field)
	if !ok {
		return false
	}
	return haversineKM(gr.Center, c) <= gr.RadiusKM
}

func evalGeoBoundingBox(bb GeoBoundingBoxLeaf, metadata map[string]any) bool {
	c, ok := coordinateOf(metadata, bb.Field)
	if !ok {
		return false
	}
	return c.Lat >= bb.MinLat && c.Lat <= bb.MaxLat && c.Lng >= bb.MinLng && c.Lng <= bb.MaxLng
}

func coordinateOf(metadata map[string]any, field string) (Coordinate, bool) {
	v, ok := metadata[field]
	if !ok {
		return Coordinate{}, false
	}
	switch t := v.(type) {
	case Coordinate:
		return t, true
	case map[string]any:
		lat, okLat := toFloat64(t["lat"])
		lng, okLng := toFloat64(t["lng"])
		if okLat && okLng {
			return Coordinate{Lat: lat, Lng: lng}, true
		}
	}
	return Coordinate{}, false
}

// haversineKM is the great-circle distance between two coordinates, in
// kilometers.
func haversineKM(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKM * c
}

func equalAny(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
