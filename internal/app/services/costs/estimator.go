// Package costs implements the pure project cost estimator: deposit
// breakdowns, per-slot pricing, and slot-based refunds.
package costs

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Pricing constants. Not configurable by callers.
var (
	// SecurityFeeFloor is the minimum security fee.
	SecurityFeeFloor = decimal.NewFromInt(500)
	// StorageRatePerGB is the non-refundable storage rate.
	StorageRatePerGB = decimal.NewFromInt(10)
	// BufferMultiplier pads the annotation estimate; unused buffer refunds.
	BufferMultiplier = decimal.RequireFromString("1.5")
	// OverlapMultiplier mirrors the fixed required overlap of 3.
	OverlapMultiplier = decimal.NewFromInt(3)
	// SecurityFeeRate is applied to the annotation fee.
	SecurityFeeRate = decimal.RequireFromString("0.10")
)

// Base rates in credits per task by annotation control tag.
var defaultRates = map[string]decimal.Decimal{
	"classification":   decimal.NewFromInt(2),
	"choices":          decimal.NewFromInt(2),
	"labels":           decimal.NewFromInt(3),
	"textarea":         decimal.NewFromInt(3),
	"textarealabels":   decimal.NewFromInt(4),
	"hypertextlabels":  decimal.NewFromInt(4),
	"rectanglelabels":  decimal.NewFromInt(5),
	"rectangle":        decimal.NewFromInt(5),
	"ellipselabels":    decimal.NewFromInt(6),
	"timeserieslabels": decimal.NewFromInt(7),
	"keypointlabels":   decimal.NewFromInt(8),
	"polygonlabels":    decimal.NewFromInt(10),
	"brushlabels":      decimal.NewFromInt(12),
	"videorectangle":   decimal.NewFromInt(15),
}

// Duration-based rates in credits per minute, with per-task floors.
var (
	durationRates = map[string]decimal.Decimal{
		"audio": decimal.NewFromInt(15),
		"video": decimal.NewFromInt(20),
	}
	durationFloors = map[string]decimal.Decimal{
		"audio": decimal.NewFromInt(5),
		"video": decimal.NewFromInt(10),
	}
	defaultDurationMins = map[string]float64{
		"audio": 3,
		"video": 5,
	}
)

// Params are the inputs of an estimate. LabelConfig, when present, overrides
// AnnotationTypes and LabelCount via a best-effort tag scan.
type Params struct {
	TaskCount       int
	LabelConfig     string
	StorageGB       float64
	AvgDurationMins float64
	AnnotationTypes []string
	LabelCount      int
}

// Breakdown is a deposit estimate.
type Breakdown struct {
	TaskCount       int
	AnnotationTypes []string
	DataTypes       []string
	LabelCount      int

	Rate            decimal.Decimal
	Complexity      decimal.Decimal
	ComplexityLevel string
	DurationBased   bool

	AnnotationFee decimal.Decimal
	StorageFee    decimal.Decimal
	SecurityFee   decimal.Decimal
	TotalDeposit  decimal.Decimal

	ExpectedActual decimal.Decimal
	ExpectedRefund decimal.Decimal
}

// Estimator computes deposit breakdowns. The zero value is not usable; use
// NewEstimator.
type Estimator struct {
	rates map[string]decimal.Decimal
}

// NewEstimator returns an estimator with the built-in rate table.
func NewEstimator() *Estimator {
	return &Estimator{rates: defaultRates}
}

// Estimate computes the deposit breakdown for the given parameters.
// It is pure and deterministic.
func (e *Estimator) Estimate(p Params) Breakdown {
	types := p.AnnotationTypes
	labelCount := p.LabelCount
	dataTypes := []string{"image"}

	if p.LabelConfig != "" {
		analysis := analyzeLabelConfig(p.LabelConfig)
		types = analysis.annotationTypes
		labelCount = analysis.labelCount
		dataTypes = analysis.dataTypes
	}
	if len(types) == 0 {
		types = []string{"rectanglelabels"}
	}
	if labelCount == 0 {
		labelCount = 5
	}

	rate := e.baseRate(types)
	durationBased := false
	for _, dt := range dataTypes {
		perMin, ok := durationRates[dt]
		if !ok {
			continue
		}
		durationBased = true
		mins := p.AvgDurationMins
		if mins <= 0 {
			mins = defaultDurationMins[dt]
		}
		rate = perMin.Mul(decimal.NewFromFloat(mins))
		if floor := durationFloors[dt]; rate.LessThan(floor) {
			rate = floor
		}
		break
	}

	complexity, level := complexityMultiplier(labelCount, len(types))

	taskCount := decimal.NewFromInt(int64(p.TaskCount))
	annotationFee := taskCount.Mul(rate).Mul(complexity).Mul(BufferMultiplier).Mul(OverlapMultiplier).Round(2)
	storageFee := decimal.NewFromFloat(p.StorageGB).Mul(StorageRatePerGB).Round(2)
	securityFee := SecurityFee(annotationFee)

	totalDeposit := securityFee.Add(storageFee).Add(annotationFee)
	expectedActual := securityFee.Add(storageFee).Add(annotationFee.Div(BufferMultiplier).Round(2))
	expectedRefund := totalDeposit.Sub(expectedActual)

	return Breakdown{
		TaskCount:       p.TaskCount,
		AnnotationTypes: types,
		DataTypes:       dataTypes,
		LabelCount:      labelCount,
		Rate:            rate,
		Complexity:      complexity,
		ComplexityLevel: level,
		DurationBased:   durationBased,
		AnnotationFee:   annotationFee,
		StorageFee:      storageFee,
		SecurityFee:     securityFee,
		TotalDeposit:    totalDeposit,
		ExpectedActual:  expectedActual,
		ExpectedRefund:  expectedRefund,
	}
}

// PerTaskCost returns rate × complexity, the actual cost of one annotation
// slot without buffer or overlap.
func (e *Estimator) PerTaskCost(p Params) decimal.Decimal {
	b := e.Estimate(p)
	return b.Rate.Mul(b.Complexity).Round(2)
}

// PerSlotDepositCost returns the deposited amount per annotation slot
// (buffer included).
func (b Breakdown) PerSlotDepositCost() decimal.Decimal {
	slots := int64(b.TaskCount) * OverlapMultiplier.IntPart()
	if slots == 0 {
		return decimal.Zero
	}
	return b.AnnotationFee.Div(decimal.NewFromInt(slots)).Round(4)
}

func (e *Estimator) baseRate(types []string) decimal.Decimal {
	best := decimal.Zero
	for _, t := range types {
		if rate, ok := e.rates[strings.ToLower(t)]; ok && rate.GreaterThan(best) {
			best = rate
		}
	}
	if best.IsZero() {
		best = e.rates["rectanglelabels"]
	}
	return best
}

// SecurityFee computes max(floor, rounded 10% of the annotation fee).
// Amounts between 500 and 1000 round to the nearest 50; amounts of 1000 and
// above round to the nearest 100.
func SecurityFee(annotationFee decimal.Decimal) decimal.Decimal {
	fee := annotationFee.Mul(SecurityFeeRate)

	switch {
	case fee.LessThan(SecurityFeeFloor):
		return SecurityFeeFloor
	case fee.LessThan(decimal.NewFromInt(1000)):
		return roundToNearest(fee, 50)
	default:
		return roundToNearest(fee, 100)
	}
}

func roundToNearest(v decimal.Decimal, step int64) decimal.Decimal {
	s := decimal.NewFromInt(step)
	return v.Div(s).Round(0).Mul(s)
}

// Complexity tiers keyed by label count.
func complexityMultiplier(labelCount, typeCount int) (decimal.Decimal, string) {
	var base decimal.Decimal
	var level string
	switch {
	case labelCount <= 5:
		base, level = decimal.RequireFromString("1.0"), "simple"
	case labelCount <= 15:
		base, level = decimal.RequireFromString("1.5"), "medium"
	case labelCount <= 30:
		base, level = decimal.RequireFromString("2.0"), "complex"
	default:
		base, level = decimal.RequireFromString("3.0"), "very_complex"
	}

	if typeCount > 1 {
		base = base.Add(decimal.RequireFromString("0.5").Mul(decimal.NewFromInt(int64(typeCount - 1))))
		level += "_multi_type"
	}
	return base, level
}

var (
	annotationTags = []string{
		"Choices", "Labels", "RectangleLabels", "PolygonLabels",
		"KeyPointLabels", "BrushLabels", "EllipseLabels",
		"TextArea", "TextAreaLabels", "HyperTextLabels",
		"TimeSeriesLabels", "VideoRectangle",
	}
	labelValueRe = regexp.MustCompile(`(?i)<(?:Label|Choice)\s+value="[^"]*"`)
)

type configAnalysis struct {
	annotationTypes []string
	labelCount      int
	dataTypes       []string
}

// analyzeLabelConfig performs a best-effort scan of an XML-like label
// configuration. No schema validation is attempted.
func analyzeLabelConfig(cfg string) configAnalysis {
	lowerCfg := strings.ToLower(cfg)

	var types []string
	for _, tag := range annotationTags {
		if strings.Contains(lowerCfg, "<"+strings.ToLower(tag)) {
			types = append(types, strings.ToLower(tag))
		}
	}
	sort.Strings(types)

	var dataTypes []string
	for _, dt := range []string{"image", "audio", "video", "text"} {
		if strings.Contains(lowerCfg, "<"+dt) {
			dataTypes = append(dataTypes, dt)
		}
	}
	if len(dataTypes) == 0 {
		dataTypes = []string{"image"}
	}

	return configAnalysis{
		annotationTypes: types,
		labelCount:      len(labelValueRe.FindAllString(cfg, -1)),
		dataTypes:       dataTypes,
	}
}
