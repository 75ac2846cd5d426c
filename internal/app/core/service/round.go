package service

import "math"

// Round2 rounds to two decimal places; used for percentage-scale scores.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds to four decimal places; used for fractional-scale breakdowns.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
