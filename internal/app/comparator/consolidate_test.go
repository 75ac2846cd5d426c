package comparator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidwall/gjson"
)

func TestConsolidateClassificationMajority(t *testing.T) {
	merged, confidence, method := Consolidate([]json.RawMessage{
		choices("cat"), choices("cat"), choices("dog"),
	})
	require.Equal(t, MethodClassificationMajority, method)

	labels := gjson.GetBytes(merged, "0.value.choices").Array()
	require.Len(t, labels, 1)
	assert.Equal(t, "cat", labels[0].String())
	assert.Greater(t, confidence, 0.0)
}

func TestConsolidateClassificationTieLexicographic(t *testing.T) {
	merged, _, _ := Consolidate([]json.RawMessage{
		choices("zebra"), choices("ant"),
	})
	labels := gjson.GetBytes(merged, "0.value.choices").Array()
	require.Len(t, labels, 1)
	assert.Equal(t, "ant", labels[0].String())
}

func TestConsolidateClassificationUnanimous(t *testing.T) {
	merged, confidence, _ := Consolidate([]json.RawMessage{
		choices("cat"), choices("cat"), choices("cat"),
	})
	labels := gjson.GetBytes(merged, "0.value.choices").Array()
	require.Len(t, labels, 1)
	assert.Equal(t, "cat", labels[0].String())
	assert.Equal(t, 1.0, confidence)
}

func TestConsolidateBoxesMeanGeometry(t *testing.T) {
	a := json.RawMessage("[" + rect(10, 10, 20, 20, "car") + "]")
	b := json.RawMessage("[" + rect(12, 14, 22, 18, "car") + "]")
	c := json.RawMessage("[" + rect(14, 12, 24, 22, "car") + "]")

	merged, confidence, method := Consolidate([]json.RawMessage{a, b, c})
	require.Equal(t, MethodGeometryMean, method)

	value := gjson.GetBytes(merged, "0.value")
	assert.InDelta(t, 12.0, value.Get("x").Float(), 0.001)
	assert.InDelta(t, 12.0, value.Get("y").Float(), 0.001)
	assert.InDelta(t, 22.0, value.Get("width").Float(), 0.001)
	assert.InDelta(t, 20.0, value.Get("height").Float(), 0.001)
	assert.Greater(t, confidence, 0.5)
}

func TestConsolidateRatingMedian(t *testing.T) {
	merged, _, method := Consolidate([]json.RawMessage{rating(2), rating(5), rating(3)})
	require.Equal(t, MethodRatingMedian, method)
	assert.Equal(t, int64(3), gjson.GetBytes(merged, "0.value.rating").Int())
}

func TestConsolidateTextMedoid(t *testing.T) {
	a := textResult("the quick brown fox")
	b := textResult("the quick brown fox jumps")
	c := textResult("completely different words here")

	merged, _, method := Consolidate([]json.RawMessage{a, b, c})
	require.Equal(t, MethodTextSimilarity, method)
	got := gjson.GetBytes(merged, "0.value.text.0").String()
	assert.Contains(t, []string{"the quick brown fox", "the quick brown fox jumps"}, got)
}

func TestConsolidatePolygonMajoritySubmission(t *testing.T) {
	a := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[0,0],[1,0],[1,1]],"polygonlabels":["roof"]}}]`)
	b := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[0,0],[1,0],[1,1]],"polygonlabels":["roof"]}}]`)
	c := json.RawMessage(`[{"type":"polygonlabels","value":{"points":[[5,5],[6,5],[6,6]],"polygonlabels":["wall"]}}]`)

	merged, _, method := Consolidate([]json.RawMessage{a, b, c})
	require.Equal(t, MethodMajoritySubmission, method)
	assert.Equal(t, "roof", gjson.GetBytes(merged, "0.value.polygonlabels.0").String())
}

func TestConsolidateSingleInput(t *testing.T) {
	only := choices("cat")
	merged, confidence, _ := Consolidate([]json.RawMessage{only})
	assert.Equal(t, string(only), string(merged))
	assert.Equal(t, 1.0, confidence)
}
