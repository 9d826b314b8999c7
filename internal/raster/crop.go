package raster

import "fmt"

// Crop copies the rectangle described by boundary out of a band.
// The source band is left untouched.
func Crop(band []float64, width, height int, boundary BuildingBoundary) ([]float64, error) {
	if len(band) != width*height {
		return nil, fmt.Errorf("band has %d samples, want %d", len(band), width*height)
	}
	if boundary.MinX < 0 || boundary.MinY < 0 || boundary.MaxX >= width || boundary.MaxY >= height ||
		boundary.MinX > boundary.MaxX || boundary.MinY > boundary.MaxY {
		return nil, fmt.Errorf("boundary [%d,%d]-[%d,%d] outside raster %dx%d",
			boundary.MinX, boundary.MinY, boundary.MaxX, boundary.MaxY, width, height)
	}

	cw := boundary.MaxX - boundary.MinX + 1
	ch := boundary.MaxY - boundary.MinY + 1
	out := make([]float64, cw*ch)
	for y := 0; y < ch; y++ {
		srcOff := (boundary.MinY+y)*width + boundary.MinX
		copy(out[y*cw:(y+1)*cw], band[srcOff:srcOff+cw])
	}
	return out, nil
}

// CropRaster crops every band of a raster to the boundary and adjusts the
// geographic bounds proportionally. All bands share the same boundary.
func CropRaster(r *GeoRaster, boundary BuildingBoundary) (*GeoRaster, error) {
	bands := make([][]float64, len(r.Bands))
	for i, b := range r.Bands {
		cb, err := Crop(b, r.Width, r.Height, boundary)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		bands[i] = cb
	}
	return &GeoRaster{
		Bands:  bands,
		Width:  boundary.MaxX - boundary.MinX + 1,
		Height: boundary.MaxY - boundary.MinY + 1,
		Bounds: AdjustBounds(r.Bounds, r.Width, r.Height, boundary),
	}, nil
}

// AdjustBounds maps a pixel boundary to the geographic rectangle it covers,
// by linear interpolation over the source bounds. Every cropped raster keeps
// a geographically meaningful bounding box this way, so downstream consumers
// can overlay it on a map. Cropping to the full raster returns the original
// bounds unchanged.
func AdjustBounds(bounds GeoBounds, width, height int, boundary BuildingBoundary) GeoBounds {
	lonSpan := bounds.East - bounds.West
	latSpan := bounds.North - bounds.South

	x0 := float64(boundary.MinX) / float64(width)
	x1 := float64(boundary.MaxX+1) / float64(width)
	y0 := float64(boundary.MinY) / float64(height)
	y1 := float64(boundary.MaxY+1) / float64(height)

	return GeoBounds{
		West:  bounds.West + x0*lonSpan,
		East:  bounds.West + x1*lonSpan,
		North: bounds.North - y0*latSpan,
		South: bounds.North - y1*latSpan,
	}
}

// ApplyMask sets every sample whose mask value is not strictly above the
// threshold to NoDataValue, returning a new band. Masked-out pixels are
// overwritten rather than left untouched so the renderer's no-data handling
// works the same whether cropping happened before or after masking.
func ApplyMask(band, mask []float64, threshold float64) ([]float64, error) {
	if len(band) != len(mask) {
		return nil, fmt.Errorf("band/mask length mismatch: %d vs %d", len(band), len(mask))
	}
	out := make([]float64, len(band))
	for i, v := range band {
		if mask[i] > threshold {
			out[i] = v
		} else {
			out[i] = NoDataValue
		}
	}
	return out, nil
}
