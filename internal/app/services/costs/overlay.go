package costs

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// rateOverlay is the YAML shape accepted by NewEstimatorFromOverlay:
//
//	rates:
//	  rectanglelabels: 5
//	  polygonlabels: 12
type rateOverlay struct {
	Rates map[string]float64 `yaml:"rates"`
}

// NewEstimatorFromOverlay returns an estimator whose rate table starts from
// the built-in defaults with per-type overrides read from a YAML document.
// Unknown annotation types in the overlay are accepted as new entries.
func NewEstimatorFromOverlay(r io.Reader) (*Estimator, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rate overlay: %w", err)
	}

	var overlay rateOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse rate overlay: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(defaultRates)+len(overlay.Rates))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for k, v := range overlay.Rates {
		if v <= 0 {
			return nil, fmt.Errorf("rate overlay: non-positive rate for %q", k)
		}
		rates[k] = decimal.NewFromFloat(v)
	}
	return &Estimator{rates: rates}, nil
}
