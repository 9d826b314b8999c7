package raster

import "fmt"

// ResampleMethod selects the interpolation used when rescaling a band.
type ResampleMethod string

const (
	// ResampleNearest samples the nearest source pixel. Required for the
	// mask and any categorical layer: interpolating binary values would
	// produce fractional categories that exist nowhere in the source.
	ResampleNearest ResampleMethod = "nearest"

	// ResampleBilinear blends the four surrounding source pixels. Used for
	// continuous layers (DSM, flux, RGB).
	ResampleBilinear ResampleMethod = "bilinear"
)

// Resample rescales a band from srcW x srcH to dstW x dstH.
// The provider returns mask and data layers at different native resolutions,
// so this runs before any pixel-aligned operation whenever dimensions differ.
// The source band is never modified.
func Resample(band []float64, srcW, srcH, dstW, dstH int, method ResampleMethod) ([]float64, error) {
	if len(band) != srcW*srcH {
		return nil, fmt.Errorf("band has %d samples, want %d", len(band), srcW*srcH)
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("invalid destination dimensions %dx%d", dstW, dstH)
	}

	if srcW == dstW && srcH == dstH {
		out := make([]float64, len(band))
		copy(out, band)
		return out, nil
	}

	switch method {
	case ResampleNearest:
		return resampleNearest(band, srcW, srcH, dstW, dstH), nil
	case ResampleBilinear:
		return resampleBilinear(band, srcW, srcH, dstW, dstH), nil
	default:
		return nil, fmt.Errorf("unknown resample method %q", method)
	}
}

func resampleNearest(band []float64, srcW, srcH, dstW, dstH int) []float64 {
	out := make([]float64, dstW*dstH)
	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		srcRow := sy * srcW
		dstRow := y * dstW
		for x := 0; x < dstW; x++ {
			sx := x * srcW / dstW
			out[dstRow+x] = band[srcRow+sx]
		}
	}
	return out
}

func resampleBilinear(band []float64, srcW, srcH, dstW, dstH int) []float64 {
	out := make([]float64, dstW*dstH)

	sx := 1.0
	if dstW > 1 {
		sx = float64(srcW-1) / float64(dstW-1)
	}
	sy := 1.0
	if dstH > 1 {
		sy = float64(srcH-1) / float64(dstH-1)
	}

	for y := 0; y < dstH; y++ {
		fy := float64(y) * sy
		y0 := int(fy)
		y1 := y0 + 1
		if y1 > srcH-1 {
			y1 = srcH - 1
		}
		wy := fy - float64(y0)

		for x := 0; x < dstW; x++ {
			fx := float64(x) * sx
			x0 := int(fx)
			x1 := x0 + 1
			if x1 > srcW-1 {
				x1 = srcW - 1
			}
			wx := fx - float64(x0)

			v00 := band[y0*srcW+x0]
			v10 := band[y0*srcW+x1]
			v01 := band[y1*srcW+x0]
			v11 := band[y1*srcW+x1]

			// A sentinel must never leak into a weighted average.
			if IsNoData(v00) || IsNoData(v10) || IsNoData(v01) || IsNoData(v11) {
				out[y*dstW+x] = NoDataValue
				continue
			}

			top := v00 + (v10-v00)*wx
			bottom := v01 + (v11-v01)*wx
			out[y*dstW+x] = top + (bottom-top)*wy
		}
	}
	return out
}

// ResampleRaster applies Resample to every band of a raster, preserving the
// geographic bounds (the covered area does not change, only the grid).
func ResampleRaster(r *GeoRaster, dstW, dstH int, method ResampleMethod) (*GeoRaster, error) {
	bands := make([][]float64, len(r.Bands))
	for i, b := range r.Bands {
		rb, err := Resample(b, r.Width, r.Height, dstW, dstH, method)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		bands[i] = rb
	}
	return &GeoRaster{Bands: bands, Width: dstW, Height: dstH, Bounds: r.Bounds}, nil
}
