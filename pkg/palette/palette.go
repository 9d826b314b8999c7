// Package palette provides the value->color ramps for solar layer
// visualization.
package palette

import (
	"image/color"
)

// Palette is an ordered set of control colors describing a value ramp.
// Lookup interpolates linearly between neighboring controls.
type Palette struct {
	Name   string
	Colors []color.RGBA
}

// At returns the interpolated color at position t in [0, 1].
func (p Palette) At(t float64) color.RGBA {
	if t <= 0 {
		return p.Colors[0]
	}
	if t >= 1 {
		return p.Colors[len(p.Colors)-1]
	}

	idx := t * float64(len(p.Colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(p.Colors) {
		upper = len(p.Colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(p.Colors[lower], p.Colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Iron is the flux ramp: cold black through red heat to white.
var Iron = Palette{
	Name: "iron",
	Colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Rainbow is the elevation ramp used for DSM layers.
var Rainbow = Palette{
	Name: "rainbow",
	Colors: []color.RGBA{
		{63, 12, 130, 255},
		{0, 104, 198, 255},
		{34, 167, 132, 255},
		{121, 209, 81, 255},
		{253, 231, 37, 255},
		{242, 128, 33, 255},
		{217, 56, 48, 255},
	},
}

// Sunlight is the hourly-shade ramp: shadowed navy to sunlit yellow.
var Sunlight = Palette{
	Name: "sunlight",
	Colors: []color.RGBA{
		{17, 24, 71, 255},
		{57, 77, 125, 255},
		{124, 138, 178, 255},
		{219, 219, 141, 255},
		{253, 231, 37, 255},
	},
}

// Binary is the mask ramp.
var Binary = Palette{
	Name: "binary",
	Colors: []color.RGBA{
		{33, 33, 33, 255},
		{255, 255, 255, 255},
	},
}

// ByName maps palette names accepted in requests to their ramps.
var ByName = map[string]Palette{
	Iron.Name:     Iron,
	Rainbow.Name:  Rainbow,
	Sunlight.Name: Sunlight,
	Binary.Name:   Binary,
}

// Names lists the registered palettes in a stable order.
func Names() []string {
	return []string{Binary.Name, Iron.Name, Rainbow.Name, Sunlight.Name}
}
