package layers

import (
	"fmt"

	"github.com/solarscan/server/internal/raster"
)

// seasonalFactors scales monthly flux intensity for color mapping by the
// northern-hemisphere insolation curve (January through December). It is
// applied to the rendered intensity only, never to the stored value.
var seasonalFactors = [12]float64{
	0.4, 0.5, 0.65, 0.8, 0.9, 1.0,
	1.0, 0.9, 0.8, 0.65, 0.5, 0.4,
}

// SeasonalFactor returns the intensity multiplier for a month index
// (0 = January). Indexes wrap modulo 12.
func SeasonalFactor(month int) float64 {
	m := month % 12
	if m < 0 {
		m += 12
	}
	return seasonalFactors[m]
}

// ExtractShadeDay decodes sun visibility for one calendar day out of an
// hourly-shade sample. Each sample is a 32-bit integer whose bit (day-1)
// carries that day's visibility; the result is 0 or 1.
func ExtractShadeDay(value float64, day int) (int, error) {
	if day < 1 || day > 31 {
		return 0, fmt.Errorf("%w: day %d outside [1,31]", raster.ErrMissingInput, day)
	}
	if raster.IsNoData(value) {
		return 0, nil
	}
	if int64(value)&(1<<uint(day-1)) != 0 {
		return 1, nil
	}
	return 0, nil
}

// ShadeDayBand expands an hourly-shade band into a 0/1 band for one day,
// preserving no-data samples.
func ShadeDayBand(band []float64, day int) ([]float64, error) {
	if day < 1 || day > 31 {
		return nil, fmt.Errorf("invalid day %d: must be in [1,31]", day)
	}
	out := make([]float64, len(band))
	for i, v := range band {
		if raster.IsNoData(v) {
			out[i] = raster.NoDataValue
			continue
		}
		bit, err := ExtractShadeDay(v, day)
		if err != nil {
			return nil, err
		}
		out[i] = float64(bit)
	}
	return out, nil
}

// MaskCoverage summarizes how much of a mask marks building.
type MaskCoverage struct {
	BuildingPixels int     `json:"buildingPixels"`
	TotalPixels    int     `json:"totalPixels"`
	Percentage     float64 `json:"percentage"`
}

// Coverage counts building pixels (mask value strictly above threshold).
func Coverage(mask []float64, threshold float64) MaskCoverage {
	c := MaskCoverage{TotalPixels: len(mask)}
	for _, v := range mask {
		if raster.IsNoData(v) {
			continue
		}
		if v > threshold {
			c.BuildingPixels++
		}
	}
	if c.TotalPixels > 0 {
		c.Percentage = float64(c.BuildingPixels) / float64(c.TotalPixels) * 100
	}
	return c
}

// DataRange is the value interval used for color normalization, alongside
// the informational percentiles where the layer computes them.
type DataRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	// P5/P95 are reported for annual flux only; they never influence the
	// rendered color scale, which uses the fixed display ceiling.
	P5  float64 `json:"p5,omitempty"`
	P95 float64 `json:"p95,omitempty"`
}

// RangeFor derives the rendering range for one band of a layer.
//
// DSM uses the true min/max of valid pixels: elevation extremes are
// physically meaningful and must not be clipped. Annual flux reports the
// 5th/95th percentiles as outlier-resistant statistics but renders against
// the fixed [0,1800] ceiling. Layers with a fixed display range use it
// directly.
func RangeFor(lt LayerType, band []float64) DataRange {
	spec := Registry[lt]

	switch lt {
	case DSM:
		st := raster.ComputeStatistics(band)
		return DataRange{Min: st.Min, Max: st.Max}
	case AnnualFlux:
		dr := DataRange{Min: spec.DisplayMin, Max: spec.DisplayMax}
		if p5, ok := raster.Percentile(band, 5); ok {
			dr.P5 = p5
		}
		if p95, ok := raster.Percentile(band, 95); ok {
			dr.P95 = p95
		}
		return dr
	default:
		if spec.DisplayMin != 0 || spec.DisplayMax != 0 {
			return DataRange{Min: spec.DisplayMin, Max: spec.DisplayMax}
		}
		st := raster.ComputeStatistics(band)
		return DataRange{Min: st.Min, Max: st.Max}
	}
}
