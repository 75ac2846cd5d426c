package comparator

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func choices(labels ...string) json.RawMessage {
	b, _ := json.Marshal(labels)
	return json.RawMessage(fmt.Sprintf(`[{"type":"choices","value":{"choices":%s}}]`, b))
}

func rect(x, y, w, h float64, label string) string {
	return fmt.Sprintf(`{"type":"rectanglelabels","value":{"x":%g,"y":%g,"width":%g,"height":%g,"rectanglelabels":[%q]}}`, x, y, w, h, label)
}

func textResult(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(fmt.Sprintf(`[{"type":"textarea","value":{"text":[%s]}}]`, b))
}

func rating(v int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[{"type":"rating","value":{"rating":%d}}]`, v))
}

func TestDetect(t *testing.T) {
	cases := map[string]Type{
		`[{"type":"choices","value":{"choices":["A"]}}]`:                          TypeClassification,
		`[{"type":"rectanglelabels","value":{"x":1,"y":1,"width":2,"height":2}}]`: TypeBoundingBox,
		`[{"type":"polygonlabels","value":{"points":[[0,0]]}}]`:                   TypePolygon,
		`[{"type":"brushlabels","value":{"brushlabels":["car"]}}]`:                TypeSegmentation,
		`[{"type":"textarea","value":{"text":["hi"]}}]`:                           TypeText,
		`[{"type":"rating","value":{"rating":4}}]`:                                TypeRating,
		`[{"type":"keypointlabels","value":{"x":5,"y":5}}]`:                       TypeKeypoint,
		`[{"value":{"x":1,"y":1,"width":2,"height":2}}]`:                          TypeBoundingBox,
		`[{"value":{"something":true}}]`:                                          TypeGeneric,
	}
	for payload, want := range cases {
		assert.Equal(t, want, Detect(json.RawMessage(payload)), payload)
	}
}

func TestDetectStrictUnsupported(t *testing.T) {
	_, err := DetectStrict(json.RawMessage(`"just a string"`))
	require.ErrorIs(t, err, ErrUnsupportedShape)
}

func TestCompareIdentityIs100(t *testing.T) {
	payloads := []json.RawMessage{
		choices("cat", "dog"),
		json.RawMessage("[" + rect(10, 10, 20, 20, "car") + "]"),
		textResult("hello world"),
		rating(3),
		json.RawMessage(`[{"type":"keypointlabels","value":{"x":40,"y":60,"keypointlabels":["nose"]}}]`),
		json.RawMessage(`[{"type":"brushlabels","value":{"brushlabels":["sky"]}}]`),
	}
	for _, p := range payloads {
		assert.Equal(t, 100.0, Compare(p, p).Overall, string(p))
	}
}

func TestCompareSymmetry(t *testing.T) {
	pairs := [][2]json.RawMessage{
		{choices("cat"), choices("cat", "dog")},
		{json.RawMessage("[" + rect(10, 10, 20, 20, "car") + "]"),
			json.RawMessage("[" + rect(12, 12, 20, 20, "car") + "," + rect(50, 50, 10, 10, "car") + "]")},
		{textResult("kitten"), textResult("sitting")},
		{rating(2), rating(5)},
	}
	for _, pair := range pairs {
		ab := Compare(pair[0], pair[1]).Overall
		ba := Compare(pair[1], pair[0]).Overall
		assert.InDelta(t, ab, ba, 0.01, "%s vs %s", pair[0], pair[1])
	}
}

func TestClassificationJaccard(t *testing.T) {
	score := Compare(choices("cat", "dog"), choices("cat", "bird"))
	// |{cat}| / |{cat,dog,bird}| = 1/3
	assert.InDelta(t, 33.33, score.Overall, 0.01)
	require.NotNil(t, score.LabelMatch)
	assert.InDelta(t, 0.3333, *score.LabelMatch, 0.0001)
}

func TestClassificationBothEmpty(t *testing.T) {
	empty := json.RawMessage(`[{"type":"choices","value":{"choices":[]}}]`)
	assert.Equal(t, 100.0, Compare(empty, empty).Overall)
}

func TestBoundingBoxIoU(t *testing.T) {
	a := json.RawMessage("[" + rect(0, 0, 10, 10, "car") + "]")
	b := json.RawMessage("[" + rect(0, 0, 10, 10, "car") + "]")
	assert.Equal(t, 100.0, Compare(a, b).Overall)

	// Half-overlap: inter 50, union 150 -> IoU 1/3.
	c := json.RawMessage("[" + rect(5, 0, 10, 10, "car") + "]")
	score := Compare(a, c)
	assert.InDelta(t, 33.33, score.Overall, 0.01)

	// Label mismatch scores zero even with perfect geometry.
	d := json.RawMessage("[" + rect(0, 0, 10, 10, "truck") + "]")
	assert.Equal(t, 0.0, Compare(a, d).Overall)
}

func TestPolygonCountRatio(t *testing.T) {
	one := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[0,0],[1,0],[1,1]],"polygonlabels":["roof"]}}]`)
	two := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[0,0],[1,0],[1,1]],"polygonlabels":["roof"]}},{"type":"polygonlabels","value":{"points":[[2,2],[3,2],[3,3]],"polygonlabels":["roof"]}}]`)

	// Equal label sets: count ratio 1/2.
	assert.Equal(t, 50.0, Compare(one, two).Overall)

	other := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[0,0],[1,0],[1,1]],"polygonlabels":["wall"]}}]`)
	// Disjoint label sets: jaccard 0.
	assert.Equal(t, 0.0, Compare(one, other).Overall)
}

func TestTextSimilarity(t *testing.T) {
	// levenshtein(kitten, sitting) = 3, max len 7 -> 1 - 3/7.
	score := Compare(textResult("kitten"), textResult("sitting"))
	assert.InDelta(t, (1.0-3.0/7.0)*100, score.Overall, 0.01)

	// Case and surrounding whitespace are normalized away.
	assert.Equal(t, 100.0, Compare(textResult("  Hello "), textResult("hello")).Overall)
	assert.Equal(t, 100.0, Compare(textResult(""), textResult("")).Overall)
}

func TestRatingDistance(t *testing.T) {
	assert.Equal(t, 100.0, Compare(rating(4), rating(4)).Overall)
	assert.Equal(t, 80.0, Compare(rating(4), rating(5)).Overall)
	assert.Equal(t, 40.0, Compare(rating(1), rating(4)).Overall)
}

func TestKeypointDistance(t *testing.T) {
	a := json.RawMessage(`[{"type":"keypointlabels","value":{"x":50,"y":50,"keypointlabels":["eye"]}}]`)
	b := json.RawMessage(`[{"type":"keypointlabels","value":{"x":53,"y":54,"keypointlabels":["eye"]}}]`)
	// Distance 5 -> score 0.
	assert.Equal(t, 0.0, Compare(a, b).Overall)

	c := json.RawMessage(`[{"type":"keypointlabels","value":{"x":51,"y":50,"keypointlabels":["eye"]}}]`)
	// Distance 1 -> 100 - 1/5*100 = 80.
	assert.Equal(t, 80.0, Compare(a, c).Overall)
}

func TestGenericFallback(t *testing.T) {
	a := json.RawMessage(`[{"value":{"custom":"x"}}]`)
	assert.Equal(t, 100.0, Compare(a, a).Overall)

	b := json.RawMessage(`[{"value":{"custom":"y"}}]`)
	assert.Equal(t, 0.0, Compare(a, b).Overall)
}
