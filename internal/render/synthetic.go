package render

import (
	"image"
	"math"
	"math/rand"

	"github.com/fogleman/gg"

	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/pkg/palette"
)

// Synthetic draws a procedurally generated stand-in visualization for a
// layer whose real data could not be produced. The scene is seeded from the
// target location so repeated requests for the same point render identical
// placeholders, which keeps degraded responses cacheable.
func (r *Renderer) Synthetic(width, height int, p palette.Palette, loc raster.Location) (image.Image, error) {
	if width <= 0 {
		width = 256
	}
	if height <= 0 {
		height = 256
	}

	seed := int64(math.Round(loc.Latitude*1e6))<<21 ^ int64(math.Round(loc.Longitude*1e6))
	rng := rand.New(rand.NewSource(seed))

	dc := gg.NewContext(width, height)
	dc.SetColor(p.At(0))
	dc.Clear()

	// Radial intensity falloff around an off-center "rooftop".
	cx := float64(width) * (0.35 + 0.3*rng.Float64())
	cy := float64(height) * (0.35 + 0.3*rng.Float64())
	maxR := 0.45 * math.Min(float64(width), float64(height))

	for ring := 24; ring >= 1; ring-- {
		t := float64(ring) / 24
		dc.SetColor(p.At(1 - t))
		dc.DrawCircle(cx, cy, maxR*t)
		dc.Fill()
	}

	// A few panel-like rectangles near the center.
	for i := 0; i < 4+rng.Intn(4); i++ {
		w := float64(width) * (0.04 + 0.05*rng.Float64())
		h := float64(height) * (0.04 + 0.05*rng.Float64())
		x := cx + (rng.Float64()-0.5)*maxR
		y := cy + (rng.Float64()-0.5)*maxR
		dc.SetColor(p.At(0.6 + 0.4*rng.Float64()))
		dc.DrawRectangle(x-w/2, y-h/2, w, h)
		dc.Fill()
	}

	return dc.Image(), nil
}
