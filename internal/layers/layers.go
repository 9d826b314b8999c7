// Package layers defines the closed set of solar layer types and their
// per-layer transforms.
package layers

import (
	"fmt"

	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/pkg/palette"
)

// LayerType tags one of the fixed solar-potential raster layers.
type LayerType string

const (
	Mask        LayerType = "mask"
	DSM         LayerType = "dsm"
	RGB         LayerType = "rgb"
	AnnualFlux  LayerType = "annualFlux"
	MonthlyFlux LayerType = "monthlyFlux"
	HourlyShade LayerType = "hourlyShade"
)

// Spec describes the static contract of one layer type. Dispatch happens
// through the Registry table; there is no runtime capability probing.
type Spec struct {
	Type LayerType

	// BandCount is the exact number of bands the decoded tile must carry.
	BandCount int

	// Palette is the default false-color ramp.
	Palette palette.Palette

	// Continuous layers resample bilinearly; categorical ones (the mask)
	// use nearest-neighbor.
	Continuous bool

	// RequiresTarget marks layers that cannot be processed without a
	// target location, a mask buffer and geographic bounds.
	RequiresTarget bool

	// DisplayMin/DisplayMax fix the rendered color range; both zero means
	// the range is derived from the data.
	DisplayMin float64
	DisplayMax float64
}

// AnnualFluxDisplayMax is the domain-standard ceiling for annual flux
// rendering, in kWh/kW/yr.
const AnnualFluxDisplayMax = 1800

// MonthlyFluxDisplayMax is the per-month rendering ceiling (annual ceiling
// spread over twelve months).
const MonthlyFluxDisplayMax = 150

// Registry is the static dispatch table from layer tag to contract.
var Registry = map[LayerType]Spec{
	Mask: {
		Type:       Mask,
		BandCount:  1,
		Palette:    palette.Binary,
		DisplayMin: 0,
		DisplayMax: 1,
	},
	DSM: {
		Type:           DSM,
		BandCount:      1,
		Palette:        palette.Rainbow,
		Continuous:     true,
		RequiresTarget: true,
	},
	RGB: {
		Type:           RGB,
		BandCount:      3,
		Palette:        palette.Binary,
		Continuous:     true,
		RequiresTarget: true,
	},
	AnnualFlux: {
		Type:           AnnualFlux,
		BandCount:      1,
		Palette:        palette.Iron,
		Continuous:     true,
		RequiresTarget: true,
		DisplayMin:     0,
		DisplayMax:     AnnualFluxDisplayMax,
	},
	MonthlyFlux: {
		Type:           MonthlyFlux,
		BandCount:      12,
		Palette:        palette.Iron,
		Continuous:     true,
		RequiresTarget: true,
		DisplayMin:     0,
		DisplayMax:     MonthlyFluxDisplayMax,
	},
	HourlyShade: {
		Type:           HourlyShade,
		BandCount:      24,
		Palette:        palette.Sunlight,
		RequiresTarget: true,
		DisplayMin:     0,
		DisplayMax:     1,
	},
}

// All lists the layer types in a stable order.
func All() []LayerType {
	return []LayerType{Mask, DSM, RGB, AnnualFlux, MonthlyFlux, HourlyShade}
}

// Parse maps a request string to a layer type.
func Parse(s string) (LayerType, error) {
	lt := LayerType(s)
	if _, ok := Registry[lt]; !ok {
		return "", fmt.Errorf("unknown layer type %q", s)
	}
	return lt, nil
}

// ValidateBands checks a decoded tile against the layer contract.
func ValidateBands(lt LayerType, r *raster.GeoRaster) error {
	spec, ok := Registry[lt]
	if !ok {
		return fmt.Errorf("unknown layer type %q", lt)
	}
	if len(r.Bands) != spec.BandCount {
		return fmt.Errorf("%w: %s tile has %d bands, want %d",
			raster.ErrInvalidBandCount, lt, len(r.Bands), spec.BandCount)
	}
	return nil
}
