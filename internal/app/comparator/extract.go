package comparator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

func extractLabelSet(result json.RawMessage, keys ...string) map[string]bool {
	labels := map[string]bool{}
	for _, item := range items(result) {
		value := item.Get("value")
		if !value.Exists() {
			continue
		}
		for _, key := range keys {
			arr := value.Get(key)
			if !arr.Exists() {
				continue
			}
			for _, l := range arr.Array() {
				labels[l.String()] = true
			}
		}
	}
	return labels
}

type box struct {
	X, Y, Width, Height float64
	Label               string
}

func extractBoxes(result json.RawMessage) []box {
	var boxes []box
	for _, item := range items(result) {
		tag := lower(item.Get("type").String())
		if tag != "" && tag != "rectanglelabels" && tag != "rectangle" {
			continue
		}
		value := item.Get("value")
		if !value.Exists() || !value.Get("width").Exists() {
			continue
		}
		boxes = append(boxes, box{
			X:      value.Get("x").Float(),
			Y:      value.Get("y").Float(),
			Width:  value.Get("width").Float(),
			Height: value.Get("height").Float(),
			Label:  firstLabel(value, "rectanglelabels", "labels"),
		})
	}
	return boxes
}

type poly struct {
	Points int
	Label  string
}

func extractPolygons(result json.RawMessage) []poly {
	var polys []poly
	for _, item := range items(result) {
		tag := lower(item.Get("type").String())
		if tag != "" && tag != "polygonlabels" && tag != "polygon" {
			continue
		}
		value := item.Get("value")
		if !value.Exists() || !value.Get("points").Exists() {
			continue
		}
		polys = append(polys, poly{
			Points: int(value.Get("points.#").Int()),
			Label:  firstLabel(value, "polygonlabels", "labels"),
		})
	}
	return polys
}

type point struct {
	X, Y  float64
	Label string
}

func extractKeypoints(result json.RawMessage) []point {
	var points []point
	for _, item := range items(result) {
		tag := lower(item.Get("type").String())
		if tag != "" && tag != "keypointlabels" && tag != "keypoint" {
			continue
		}
		value := item.Get("value")
		if !value.Exists() || !value.Get("x").Exists() {
			continue
		}
		points = append(points, point{
			X:     value.Get("x").Float(),
			Y:     value.Get("y").Float(),
			Label: firstLabel(value, "keypointlabels", "labels"),
		})
	}
	return points
}

func extractText(result json.RawMessage) string {
	out := ""
	for _, item := range items(result) {
		text := item.Get("value.text")
		if !text.Exists() {
			continue
		}
		if text.IsArray() {
			for _, t := range text.Array() {
				out = joinSpace(out, t.String())
			}
		} else {
			out = joinSpace(out, text.String())
		}
	}
	return out
}

func extractRating(result json.RawMessage) (int, bool) {
	for _, item := range items(result) {
		rating := item.Get("value.rating")
		if rating.Exists() {
			return int(rating.Int()), true
		}
	}
	return 0, false
}

func extractValues(result json.RawMessage) map[string]bool {
	values := map[string]bool{}
	for _, item := range items(result) {
		value := item.Get("value")
		if value.Exists() {
			values[value.Raw] = true
		}
	}
	return values
}

func firstLabel(value gjson.Result, keys ...string) string {
	for _, key := range keys {
		arr := value.Get(key)
		if arr.Exists() {
			labels := arr.Array()
			if len(labels) > 0 {
				return labels[0].String()
			}
		}
	}
	return ""
}

func joinSpace(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}
