package raster

import (
	"math"
	"sort"
)

// Statistics summarizes the valid samples of one band. Sentinel and
// non-finite values are excluded from every field.
type Statistics struct {
	Min             float64 `json:"min"`
	Max             float64 `json:"max"`
	Avg             float64 `json:"avg"`
	ValidPixelCount int     `json:"validPixelCount"`
	TotalPixelCount int     `json:"totalPixelCount"`
}

// ComputeStatistics scans a band once. When no valid sample exists, Min/Max/
// Avg are zero and ValidPixelCount is 0.
func ComputeStatistics(band []float64) Statistics {
	st := Statistics{TotalPixelCount: len(band)}
	min := math.Inf(1)
	max := math.Inf(-1)
	sum := 0.0
	for _, v := range band {
		if IsNoData(v) {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
		st.ValidPixelCount++
	}
	if st.ValidPixelCount > 0 {
		st.Min = min
		st.Max = max
		st.Avg = sum / float64(st.ValidPixelCount)
	}
	return st
}

// Percentile returns the p-th percentile (0..100, nearest-rank) of the valid
// samples, and false when the band holds no valid sample.
func Percentile(band []float64, p float64) (float64, bool) {
	valid := make([]float64, 0, len(band))
	for _, v := range band {
		if !IsNoData(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, false
	}
	sort.Float64s(valid)
	if p <= 0 {
		return valid[0], true
	}
	if p >= 100 {
		return valid[len(valid)-1], true
	}
	idx := int(math.Ceil(p/100*float64(len(valid)))) - 1
	if idx < 0 {
		idx = 0
	}
	return valid[idx], true
}
