// Package render turns scalar rasters into false-color PNG visualizations.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/pkg/palette"
)

// DefaultLUTSize is the number of entries a palette ramp is expanded into.
const DefaultLUTSize = 256

// Config contains renderer configuration.
type Config struct {
	LUTSize int
}

// Renderer maps scalar rasters through precomputed palette lookup tables
// into RGBA buffers and encodes them as PNG data URLs.
type Renderer struct {
	lutSize    int
	bufferPool sync.Pool

	lutMu sync.Mutex
	luts  map[string][]color.RGBA
}

// New creates a renderer. A zero LUTSize falls back to DefaultLUTSize.
func New(cfg Config) *Renderer {
	size := cfg.LUTSize
	if size <= 0 {
		size = DefaultLUTSize
	}
	return &Renderer{
		lutSize: size,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		luts: make(map[string][]color.RGBA),
	}
}

// BuildPalette expands a control-color ramp into a lookup table of size
// entries by linear RGB interpolation. size must be at least 2.
func BuildPalette(p palette.Palette, size int) []color.RGBA {
	if size < 2 {
		size = 2
	}
	lut := make([]color.RGBA, size)
	for i := range lut {
		lut[i] = p.At(float64(i) / float64(size-1))
	}
	return lut
}

// lut returns the cached lookup table for a palette, building it on first use.
func (r *Renderer) lut(p palette.Palette) []color.RGBA {
	r.lutMu.Lock()
	defer r.lutMu.Unlock()
	if cached, ok := r.luts[p.Name]; ok {
		return cached
	}
	built := BuildPalette(p, r.lutSize)
	r.luts[p.Name] = built
	return built
}

// Options controls one false-color rendering pass.
type Options struct {
	// Min and Max define the value range mapped onto the palette.
	Min float64
	Max float64
	// UseAlpha makes no-data pixels fully transparent; otherwise they
	// come out opaque black.
	UseAlpha bool
}

// FalseColor maps a band through the palette into an RGBA image.
// Valid values are normalized to [0,1] over [Min,Max], clamped, and looked
// up by nearest index. Runs in O(width*height) with no per-pixel allocation.
func (r *Renderer) FalseColor(band []float64, width, height int, p palette.Palette, opts Options) (*image.RGBA, error) {
	if len(band) != width*height {
		return nil, fmt.Errorf("band has %d samples, want %d", len(band), width*height)
	}

	lut := r.lut(p)
	span := opts.Max - opts.Min
	if span == 0 {
		span = 1
	}
	noDataAlpha := uint8(255)
	if opts.UseAlpha {
		noDataAlpha = 0
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, v := range band {
		off := i * 4
		if raster.IsNoData(v) {
			img.Pix[off] = 0
			img.Pix[off+1] = 0
			img.Pix[off+2] = 0
			img.Pix[off+3] = noDataAlpha
			continue
		}
		t := (v - opts.Min) / span
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		c := lut[int(math.Round(t*float64(len(lut)-1)))]
		img.Pix[off] = c.R
		img.Pix[off+1] = c.G
		img.Pix[off+2] = c.B
		img.Pix[off+3] = 255
	}
	return img, nil
}

// RGBComposite assembles exactly three bands into an RGBA image. Channel
// values are clamped to [0,255]; a pixel is transparent when all three
// channels are no-data and opts.UseAlpha is set.
func (r *Renderer) RGBComposite(bands [][]float64, width, height int, opts Options) (*image.RGBA, error) {
	if len(bands) != 3 {
		return nil, fmt.Errorf("%w: got %d bands, want 3", raster.ErrInvalidBandCount, len(bands))
	}
	for i, b := range bands {
		if len(b) != width*height {
			return nil, fmt.Errorf("band %d has %d samples, want %d", i, len(b), width*height)
		}
	}

	noDataAlpha := uint8(255)
	if opts.UseAlpha {
		noDataAlpha = 0
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		off := i * 4
		rv, gv, bv := bands[0][i], bands[1][i], bands[2][i]
		if raster.IsNoData(rv) && raster.IsNoData(gv) && raster.IsNoData(bv) {
			img.Pix[off+3] = noDataAlpha
			continue
		}
		img.Pix[off] = clampChannel(rv)
		img.Pix[off+1] = clampChannel(gv)
		img.Pix[off+2] = clampChannel(bv)
		img.Pix[off+3] = 255
	}
	return img, nil
}

func clampChannel(v float64) uint8 {
	if raster.IsNoData(v) || v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Placeholder returns a flat neutral image. Used when rendering fails after
// the pipeline already produced valid data.
func (r *Renderer) Placeholder(width, height int) *image.RGBA {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{R: 64, G: 64, B: 64, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = gray.R
		img.Pix[i+1] = gray.G
		img.Pix[i+2] = gray.B
		img.Pix[i+3] = gray.A
	}
	return img
}

// EncodePNG serializes an image with the fast encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy out; the buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// DataURL encodes an image as a PNG data URL for client consumption.
func (r *Renderer) DataURL(img image.Image) (string, error) {
	data, err := r.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
