// Package comparator detects annotation types from opaque results and
// computes pairwise agreement scores and consolidated (merged) results.
//
// Results are Label-Studio-style JSON arrays of regions:
//
//	[{"type": "rectanglelabels", "value": {"x": 1, "y": 2, ...}}, ...]
//
// Scores are on [0,100]. Component breakdowns (IoU, label match, position
// match) are fractions on [0,1]. All comparators are symmetric.
package comparator

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// Type identifies the detected annotation type.
type Type string

const (
	TypeClassification Type = "classification"
	TypeBoundingBox    Type = "bounding_box"
	TypePolygon        Type = "polygon"
	TypeSegmentation   Type = "segmentation"
	TypeText           Type = "text"
	TypeRating         Type = "rating"
	TypeKeypoint       Type = "keypoint"
	TypeGeneric        Type = "generic"
)

// ErrUnsupportedShape reports that a result's type could not be inferred.
// Callers fall back to the generic comparator rather than failing a pipeline.
var ErrUnsupportedShape = errors.New("comparator: unsupported annotation shape")

// Score is the outcome of comparing two results.
type Score struct {
	Overall float64

	// Optional breakdown, fractions on [0,1].
	IoU           *float64
	LabelMatch    *float64
	PositionMatch *float64

	Expected int
	Found    int
	Matched  int

	Type Type
}

var typeByTag = map[string]Type{
	"labels":          TypeClassification,
	"choices":         TypeClassification,
	"taxonomy":        TypeClassification,
	"rectanglelabels": TypeBoundingBox,
	"rectangle":       TypeBoundingBox,
	"polygonlabels":   TypePolygon,
	"polygon":         TypePolygon,
	"brushlabels":     TypeSegmentation,
	"brush":           TypeSegmentation,
	"keypointlabels":  TypeKeypoint,
	"keypoint":        TypeKeypoint,
	"textarea":        TypeText,
	"text":            TypeText,
	"rating":          TypeRating,
}

// DetectStrict infers the annotation type from a result, returning
// ErrUnsupportedShape when no known shape matches.
func DetectStrict(result json.RawMessage) (Type, error) {
	first := firstItem(result)
	if !first.Exists() {
		return TypeGeneric, ErrUnsupportedShape
	}

	if tag := first.Get("type"); tag.Exists() {
		if t, ok := typeByTag[lower(tag.String())]; ok {
			return t, nil
		}
		return TypeGeneric, nil
	}

	value := first.Get("value")
	if value.Exists() {
		switch {
		case value.Get("choices").Exists(), value.Get("labels").Exists():
			return TypeClassification, nil
		case value.Get("x").Exists() && value.Get("y").Exists() && value.Get("width").Exists():
			return TypeBoundingBox, nil
		case value.Get("points").Exists():
			return TypePolygon, nil
		case value.Get("text").Exists():
			return TypeText, nil
		case value.Get("rating").Exists():
			return TypeRating, nil
		}
	}
	return TypeGeneric, ErrUnsupportedShape
}

// Detect infers the annotation type, falling back to generic.
func Detect(result json.RawMessage) Type {
	t, _ := DetectStrict(result)
	return t
}

// Compare scores the agreement between two results. The type is detected
// from the left result, falling back to the right when the left is
// undetectable.
func Compare(a, b json.RawMessage) Score {
	t, err := DetectStrict(a)
	if err != nil {
		if bt, berr := DetectStrict(b); berr == nil {
			t = bt
		}
	}
	return CompareAs(t, a, b)
}

// CompareAs scores the agreement between two results using a fixed type.
func CompareAs(t Type, a, b json.RawMessage) Score {
	var s Score
	switch t {
	case TypeClassification:
		s = compareClassification(a, b)
	case TypeBoundingBox:
		s = compareBoundingBox(a, b)
	case TypePolygon:
		s = comparePolygon(a, b)
	case TypeSegmentation:
		s = compareSegmentation(a, b)
	case TypeText:
		s = compareText(a, b)
	case TypeRating:
		s = compareRating(a, b)
	case TypeKeypoint:
		s = compareKeypoint(a, b)
	default:
		s = compareGeneric(a, b)
		t = TypeGeneric
	}
	s.Type = t
	s.Overall = round2(s.Overall)
	return s
}

func firstItem(result json.RawMessage) gjson.Result {
	parsed := gjson.ParseBytes(result)
	if parsed.IsArray() {
		arr := parsed.Array()
		if len(arr) == 0 {
			return gjson.Result{}
		}
		return arr[0]
	}
	if parsed.IsObject() {
		return parsed
	}
	return gjson.Result{}
}

func items(result json.RawMessage) []gjson.Result {
	parsed := gjson.ParseBytes(result)
	if parsed.IsArray() {
		return parsed.Array()
	}
	if parsed.IsObject() {
		return []gjson.Result{parsed}
	}
	return nil
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func round2(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return float64(int64(v*100+0.5)) / 100
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

func fraction(v float64) *float64 {
	f := round4(v)
	return &f
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, union := 0, 0
	for k := range a {
		union++
		if b[k] {
			inter++
		}
	}
	for k := range b {
		if !a[k] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
