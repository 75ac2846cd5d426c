package comparator

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

func compareClassification(a, b json.RawMessage) Score {
	left := extractLabelSet(a, "choices", "labels")
	right := extractLabelSet(b, "choices", "labels")

	j := jaccard(left, right)
	return Score{
		Overall:    j * 100,
		LabelMatch: fraction(j),
		Expected:   len(right),
		Found:      len(left),
		Matched:    intersectionSize(left, right),
	}
}

// iouMatchThreshold marks a box pair as matched in the breakdown. The overall
// score is independent of it.
const iouMatchThreshold = 0.5

func compareBoundingBox(a, b json.RawMessage) Score {
	left := extractBoxes(a)
	right := extractBoxes(b)

	if len(left) == 0 && len(right) == 0 {
		return Score{Overall: 100, IoU: fraction(1)}
	}
	if len(left) == 0 || len(right) == 0 {
		return Score{Overall: 0, IoU: fraction(0), Expected: len(right), Found: len(left)}
	}

	meanLR, matchedLR := meanBestIoU(left, right)
	meanRL, matchedRL := meanBestIoU(right, left)
	mean := (meanLR + meanRL) / 2

	return Score{
		Overall:  mean * 100,
		IoU:      fraction(mean),
		Expected: len(right),
		Found:    len(left),
		Matched:  (matchedLR + matchedRL) / 2,
	}
}

// meanBestIoU averages, over the reference boxes, the best IoU among
// proposals carrying an identical label.
func meanBestIoU(refs, proposals []box) (float64, int) {
	total := 0.0
	matched := 0
	for _, ref := range refs {
		best := 0.0
		for _, p := range proposals {
			if p.Label != ref.Label {
				continue
			}
			if v := iou(ref, p); v > best {
				best = v
			}
		}
		total += best
		if best >= iouMatchThreshold {
			matched++
		}
	}
	return total / float64(len(refs)), matched
}

func iou(a, b box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.Width, b.X+b.Width)
	y2 := math.Min(a.Y+a.Height, b.Y+b.Height)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func comparePolygon(a, b json.RawMessage) Score {
	left := extractPolygons(a)
	right := extractPolygons(b)

	if len(left) == 0 && len(right) == 0 {
		return Score{Overall: 100, LabelMatch: fraction(1)}
	}
	if len(left) == 0 || len(right) == 0 {
		return Score{Overall: 0, LabelMatch: fraction(0), Expected: len(right), Found: len(left)}
	}

	leftLabels := map[string]bool{}
	for _, p := range left {
		leftLabels[p.Label] = true
	}
	rightLabels := map[string]bool{}
	for _, p := range right {
		rightLabels[p.Label] = true
	}

	j := jaccard(leftLabels, rightLabels)
	if setsEqual(leftLabels, rightLabels) {
		// Same labels: partial credit by count ratio. Geometric overlap is
		// deliberately not scored for polygons.
		ratio := float64(min(len(left), len(right))) / float64(max(len(left), len(right)))
		return Score{
			Overall:    ratio * 100,
			LabelMatch: fraction(1),
			Expected:   len(right),
			Found:      len(left),
		}
	}
	return Score{
		Overall:    j * 100,
		LabelMatch: fraction(j),
		Expected:   len(right),
		Found:      len(left),
	}
}

func compareSegmentation(a, b json.RawMessage) Score {
	left := extractLabelSet(a, "brushlabels")
	right := extractLabelSet(b, "brushlabels")

	j := jaccard(left, right)
	return Score{
		Overall:    j * 100,
		LabelMatch: fraction(j),
		Expected:   len(right),
		Found:      len(left),
		Matched:    intersectionSize(left, right),
	}
}

func compareText(a, b json.RawMessage) Score {
	left := normalizeText(extractText(a))
	right := normalizeText(extractText(b))

	if left == "" && right == "" {
		return Score{Overall: 100}
	}
	if left == "" || right == "" {
		return Score{Overall: 0}
	}
	sim := textSimilarity(left, right)
	return Score{Overall: sim * 100}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// textSimilarity is 1 − levenshtein/max(len). Symmetric by construction.
func textSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1
	}
	d := levenshtein(s1, s2)
	maxLen := max(len(s1), len(s2))
	return 1 - float64(d)/float64(maxLen)
}

func levenshtein(s1, s2 string) int {
	n1, n2 := len(s1), len(s2)
	prev := make([]int, n2+1)
	curr := make([]int, n2+1)
	for j := 0; j <= n2; j++ {
		prev[j] = j
	}
	for i := 1; i <= n1; i++ {
		curr[0] = i
		for j := 1; j <= n2; j++ {
			if s1[i-1] == s2[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = 1 + min(prev[j], min(curr[j-1], prev[j-1]))
			}
		}
		prev, curr = curr, prev
	}
	return prev[n2]
}

// ratingScale is the assumed rating scale for the distance penalty.
const ratingScale = 5

func compareRating(a, b json.RawMessage) Score {
	left, okA := extractRating(a)
	right, okB := extractRating(b)
	if !okA || !okB {
		return Score{Overall: 0}
	}
	if left == right {
		return Score{Overall: 100}
	}
	dist := math.Abs(float64(left - right))
	return Score{Overall: math.Max(0, 1-dist/ratingScale) * 100}
}

// keypointDistanceScale converts a percentage-coordinate distance into a
// score: score = max(0, 100 − distance/scale × 100).
const keypointDistanceScale = 5.0

func compareKeypoint(a, b json.RawMessage) Score {
	left := extractKeypoints(a)
	right := extractKeypoints(b)

	if len(left) == 0 && len(right) == 0 {
		return Score{Overall: 100, PositionMatch: fraction(1)}
	}
	if len(left) == 0 || len(right) == 0 {
		return Score{Overall: 0, PositionMatch: fraction(0), Expected: len(right), Found: len(left)}
	}

	lr, matchedLR := meanKeypointScore(left, right)
	rl, matchedRL := meanKeypointScore(right, left)
	overall := (lr + rl) / 2

	return Score{
		Overall:       overall,
		PositionMatch: fraction(overall / 100),
		Expected:      len(right),
		Found:         len(left),
		Matched:       (matchedLR + matchedRL) / 2,
	}
}

func meanKeypointScore(refs, proposals []point) (float64, int) {
	total := 0.0
	matched := 0
	for _, ref := range refs {
		best := math.Inf(1)
		for _, p := range proposals {
			if p.Label != ref.Label {
				continue
			}
			d := math.Hypot(ref.X-p.X, ref.Y-p.Y)
			if d < best {
				best = d
			}
		}
		if math.IsInf(best, 1) {
			continue
		}
		score := math.Max(0, 100-best/keypointDistanceScale*100)
		total += math.Min(100, score)
		matched++
	}
	return total / float64(len(refs)), matched
}

func compareGeneric(a, b json.RawMessage) Score {
	if jsonEqual(a, b) {
		return Score{Overall: 100, Matched: 1}
	}

	left := extractValues(a)
	right := extractValues(b)
	if len(left) == 0 && len(right) == 0 {
		return Score{Overall: 0}
	}
	j := jaccard(left, right)
	return Score{Overall: j * 100, Matched: intersectionSize(left, right)}
}

func jsonEqual(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func intersectionSize(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}
