// Package raster provides the core pixel-grid operations of the pipeline:
// geographic/pixel coordinate mapping, targeted building location,
// resampling, cropping and per-raster statistics.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// NoDataValue marks an invalid or missing sample inside a raster band.
// It is used instead of a nullable type so bands stay plain float64 slices;
// every statistic and arithmetic routine must exclude it explicitly.
const NoDataValue = -9999

var (
	// ErrOutOfBounds reports a target coordinate that maps outside the raster.
	ErrOutOfBounds = errors.New("target coordinate outside raster bounds")

	// ErrNoBuildingAtLocation reports a target pixel with no mask coverage.
	ErrNoBuildingAtLocation = errors.New("no building found at target location")

	// ErrMissingInput reports a layer operation invoked without a required
	// input (target location, mask buffer or geographic bounds).
	ErrMissingInput = errors.New("missing required input")

	// ErrInvalidBandCount reports a raster whose band count does not match
	// the layer contract.
	ErrInvalidBandCount = errors.New("invalid band count")

	// ErrNoBounds reports a decoded tile without geographic bounds.
	ErrNoBounds = errors.New("raster has no geographic bounds")
)

// GeoBounds is the WGS84 rectangle covered by a raster.
// Invariant: North > South and East > West (tiles never cross the antimeridian).
type GeoBounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Valid reports whether the bounds describe a non-degenerate rectangle.
func (b GeoBounds) Valid() bool {
	return b.North > b.South && b.East > b.West &&
		!math.IsNaN(b.North) && !math.IsNaN(b.South) &&
		!math.IsNaN(b.East) && !math.IsNaN(b.West)
}

func (b GeoBounds) String() string {
	return fmt.Sprintf("N%.6f S%.6f E%.6f W%.6f", b.North, b.South, b.East, b.West)
}

// Location is a WGS84 point supplied by the caller, never derived.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the location is a legal WGS84 coordinate.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// GeoRaster is a decoded raster tile: one or more equally sized bands plus
// the geographic rectangle they cover. Row 0 is the north edge. A GeoRaster
// is treated as immutable once decoded; cropping and resampling allocate new
// values so the source stays available for full-image rendering.
type GeoRaster struct {
	Bands  [][]float64
	Width  int
	Height int
	Bounds GeoBounds
}

// Band returns band i, or nil if out of range.
func (r *GeoRaster) Band(i int) []float64 {
	if i < 0 || i >= len(r.Bands) {
		return nil
	}
	return r.Bands[i]
}

// Validate checks the band-length invariant.
func (r *GeoRaster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", r.Width, r.Height)
	}
	want := r.Width * r.Height
	for i, b := range r.Bands {
		if len(b) != want {
			return fmt.Errorf("band %d has %d samples, want %d", i, len(b), want)
		}
	}
	return nil
}

// PixelAt converts a geographic location to a pixel coordinate on the grid
// described by bounds and width/height. Returns ErrOutOfBounds when the
// rounded pixel falls outside [0,width)x[0,height).
func PixelAt(loc Location, bounds GeoBounds, width, height int) (int, int, error) {
	if !bounds.Valid() {
		return 0, 0, ErrNoBounds
	}
	px := int(math.Round((loc.Longitude - bounds.West) / (bounds.East - bounds.West) * float64(width)))
	py := int(math.Round((bounds.North - loc.Latitude) / (bounds.North - bounds.South) * float64(height)))
	if px < 0 || px >= width || py < 0 || py >= height {
		return 0, 0, fmt.Errorf("%w: (%.6f, %.6f) -> pixel (%d, %d) outside %dx%d",
			ErrOutOfBounds, loc.Latitude, loc.Longitude, px, py, width, height)
	}
	return px, py, nil
}

// LocationAt converts a pixel coordinate back to its geographic position.
// PixelAt(LocationAt(x, y)) round-trips to (x, y) for any in-range pixel.
func LocationAt(x, y int, bounds GeoBounds, width, height int) Location {
	return Location{
		Longitude: bounds.West + float64(x)/float64(width)*(bounds.East-bounds.West),
		Latitude:  bounds.North - float64(y)/float64(height)*(bounds.North-bounds.South),
	}
}

// IsNoData reports whether v is the sentinel or otherwise unusable.
func IsNoData(v float64) bool {
	return v == NoDataValue || math.IsNaN(v) || math.IsInf(v, 0)
}
