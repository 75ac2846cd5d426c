package comparator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Consolidation method tags recorded on consensus records.
const (
	MethodClassificationMajority = "classification_majority"
	MethodGeometryMean           = "geometry_mean"
	MethodMajoritySubmission     = "majority_submission"
	MethodTextSimilarity         = "text_similarity"
	MethodRatingMedian           = "rating_median"
)

// Consolidate merges redundant results of the same task into a single
// consolidated result. Confidence is the mean pairwise agreement of the
// inputs as a fraction on [0,1].
func Consolidate(results []json.RawMessage) (json.RawMessage, float64, string) {
	if len(results) == 0 {
		return nil, 0, ""
	}
	if len(results) == 1 {
		return results[0], 1, MethodMajoritySubmission
	}

	t := Detect(results[0])
	confidence := meanPairwiseAgreement(t, results)

	switch t {
	case TypeClassification:
		return consolidateClassification(results), confidence, MethodClassificationMajority
	case TypeBoundingBox:
		if merged := consolidateBoxes(results); merged != nil {
			return merged, confidence, MethodGeometryMean
		}
	case TypeKeypoint:
		if merged := consolidateKeypoints(results); merged != nil {
			return merged, confidence, MethodGeometryMean
		}
	case TypeRating:
		if merged := consolidateRating(results); merged != nil {
			return merged, confidence, MethodRatingMedian
		}
	case TypeText:
		return medoid(t, results), confidence, MethodTextSimilarity
	}

	// Polygons, segmentations, and anything non-averagable fall back to the
	// majority annotator's submission.
	return medoid(t, results), confidence, MethodMajoritySubmission
}

func meanPairwiseAgreement(t Type, results []json.RawMessage) float64 {
	total, n := 0.0, 0
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			total += CompareAs(t, results[i], results[j]).Overall
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return round4(total / float64(n) / 100)
}

// medoid returns the input with the highest mean agreement to the others.
func medoid(t Type, results []json.RawMessage) json.RawMessage {
	bestIdx, bestScore := 0, -1.0
	for i := range results {
		total := 0.0
		for j := range results {
			if i == j {
				continue
			}
			total += CompareAs(t, results[i], results[j]).Overall
		}
		if total > bestScore {
			bestScore = total
			bestIdx = i
		}
	}
	return results[bestIdx]
}

func consolidateClassification(results []json.RawMessage) json.RawMessage {
	counts := map[string]int{}
	for _, r := range results {
		for label := range extractLabelSet(r, "choices", "labels") {
			counts[label]++
		}
	}

	majority := (len(results) / 2) + 1
	var kept []string
	for label, n := range counts {
		if n >= majority {
			kept = append(kept, label)
		}
	}
	if len(kept) == 0 && len(counts) > 0 {
		// No majority label: keep the most frequent, ties broken
		// lexicographically.
		best := ""
		bestN := 0
		for label, n := range counts {
			if n > bestN || (n == bestN && (best == "" || label < best)) {
				best, bestN = label, n
			}
		}
		kept = []string{best}
	}
	sort.Strings(kept)

	key := "choices"
	tag := "choices"
	if first := firstItem(results[0]); first.Exists() {
		if t := lower(first.Get("type").String()); t != "" {
			tag = t
		}
		if first.Get("value.labels").Exists() {
			key = "labels"
		}
	}

	quoted := make([]string, len(kept))
	for i, label := range kept {
		b, _ := json.Marshal(label)
		quoted[i] = string(b)
	}
	merged := fmt.Sprintf(`[{"type":%q,"value":{%q:[%s]}}]`, tag, key, strings.Join(quoted, ","))
	return json.RawMessage(merged)
}

func consolidateBoxes(results []json.RawMessage) json.RawMessage {
	type agg struct {
		x, y, w, h float64
		n          int
	}
	byLabel := map[string]*agg{}
	var order []string
	for _, r := range results {
		for _, b := range extractBoxes(r) {
			a, ok := byLabel[b.Label]
			if !ok {
				a = &agg{}
				byLabel[b.Label] = a
				order = append(order, b.Label)
			}
			a.x += b.X
			a.y += b.Y
			a.w += b.Width
			a.h += b.Height
			a.n++
		}
	}
	if len(byLabel) == 0 {
		return nil
	}
	sort.Strings(order)

	parts := make([]string, 0, len(order))
	for _, label := range order {
		a := byLabel[label]
		n := float64(a.n)
		lb, _ := json.Marshal(label)
		parts = append(parts, fmt.Sprintf(
			`{"type":"rectanglelabels","value":{"x":%s,"y":%s,"width":%s,"height":%s,"rectanglelabels":[%s]}}`,
			num(a.x/n), num(a.y/n), num(a.w/n), num(a.h/n), string(lb)))
	}
	return json.RawMessage("[" + strings.Join(parts, ",") + "]")
}

func consolidateKeypoints(results []json.RawMessage) json.RawMessage {
	type agg struct {
		x, y float64
		n    int
	}
	byLabel := map[string]*agg{}
	var order []string
	for _, r := range results {
		for _, p := range extractKeypoints(r) {
			a, ok := byLabel[p.Label]
			if !ok {
				a = &agg{}
				byLabel[p.Label] = a
				order = append(order, p.Label)
			}
			a.x += p.X
			a.y += p.Y
			a.n++
		}
	}
	if len(byLabel) == 0 {
		return nil
	}
	sort.Strings(order)

	parts := make([]string, 0, len(order))
	for _, label := range order {
		a := byLabel[label]
		n := float64(a.n)
		lb, _ := json.Marshal(label)
		parts = append(parts, fmt.Sprintf(
			`{"type":"keypointlabels","value":{"x":%s,"y":%s,"keypointlabels":[%s]}}`,
			num(a.x/n), num(a.y/n), string(lb)))
	}
	return json.RawMessage("[" + strings.Join(parts, ",") + "]")
}

func consolidateRating(results []json.RawMessage) json.RawMessage {
	var ratings []int
	for _, r := range results {
		if v, ok := extractRating(r); ok {
			ratings = append(ratings, v)
		}
	}
	if len(ratings) == 0 {
		return nil
	}
	sort.Ints(ratings)
	median := ratings[len(ratings)/2]
	if len(ratings)%2 == 0 {
		median = (ratings[len(ratings)/2-1] + ratings[len(ratings)/2]) / 2
	}
	return json.RawMessage(fmt.Sprintf(`[{"type":"rating","value":{"rating":%d}}]`, median))
}

func num(v float64) string {
	return fmt.Sprintf("%g", round4(v))
}
