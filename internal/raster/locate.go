package raster

import "fmt"

// BuildingBoundary is the axis-aligned pixel rectangle of one connected mask
// region. Bounds are inclusive and always inside [0,width)x[0,height) of the
// source raster.
type BuildingBoundary struct {
	MinX                int  `json:"minX"`
	MinY                int  `json:"minY"`
	MaxX                int  `json:"maxX"`
	MaxY                int  `json:"maxY"`
	Width               int  `json:"width"`
	Height              int  `json:"height"`
	HasBuilding         bool `json:"hasBuilding"`
	IsTargetMatch       bool `json:"isTargetMatch"`
	ConnectedPixelCount int  `json:"connectedPixelCount"`
}

// Contains reports whether the pixel (x, y) lies inside the boundary.
func (b BuildingBoundary) Contains(x, y int) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// LocateOptions tunes the targeted building search.
type LocateOptions struct {
	// MarginPx expands the discovered bounding box on all sides,
	// clamped to the raster extents.
	MarginPx int
	// MaskThreshold: pixels with mask value strictly greater than this
	// belong to a building. Values equal to the threshold are excluded.
	MaskThreshold float64
}

// LocateBuilding finds the connected mask region containing the target
// location and returns its pixel bounding box.
//
// The search is targeted: starting from the pixel the target maps to, a
// 4-connected flood fill collects only the region under that coordinate.
// A tile often contains several rooftops; a bounding box over every
// mask-positive pixel would span unrelated buildings, so that shortcut is
// deliberately not taken. Returns ErrOutOfBounds when the target maps
// outside the raster and ErrNoBuildingAtLocation when the target pixel
// itself carries no mask coverage — callers decide the fallback policy.
func LocateBuilding(mask []float64, width, height int, bounds GeoBounds, target Location, opts LocateOptions) (BuildingBoundary, error) {
	if len(mask) != width*height {
		return BuildingBoundary{}, fmt.Errorf("mask has %d samples, want %d", len(mask), width*height)
	}

	px, py, err := PixelAt(target, bounds, width, height)
	if err != nil {
		return BuildingBoundary{}, err
	}

	if mask[py*width+px] <= opts.MaskThreshold {
		return BuildingBoundary{}, fmt.Errorf("%w: pixel (%d, %d)", ErrNoBuildingAtLocation, px, py)
	}

	minX, minY, maxX, maxY := px, py, px, py
	count := 0

	// Iterative flood fill with an explicit stack; tiles can exceed
	// 500x500 pixels, which rules out naive recursion.
	visited := make([]bool, len(mask))
	stack := make([][2]int, 0, 256)
	stack = append(stack, [2]int{px, py})
	visited[py*width+px] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]
		count++

		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}

		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || nx >= width || ny < 0 || ny >= height {
				continue
			}
			idx := ny*width + nx
			if visited[idx] || mask[idx] <= opts.MaskThreshold {
				continue
			}
			visited[idx] = true
			stack = append(stack, [2]int{nx, ny})
		}
	}

	minX -= opts.MarginPx
	minY -= opts.MarginPx
	maxX += opts.MarginPx
	maxY += opts.MarginPx
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX > width-1 {
		maxX = width - 1
	}
	if maxY > height-1 {
		maxY = height - 1
	}

	return BuildingBoundary{
		MinX:                minX,
		MinY:                minY,
		MaxX:                maxX,
		MaxY:                maxY,
		Width:               maxX - minX + 1,
		Height:              maxY - minY + 1,
		HasBuilding:         true,
		IsTargetMatch:       true,
		ConnectedPixelCount: count,
	}, nil
}

// FullBoundary returns a boundary spanning the entire raster. Used for the
// untargeted rendering path when the caller never supplied a location.
func FullBoundary(width, height int) BuildingBoundary {
	return BuildingBoundary{
		MinX:        0,
		MinY:        0,
		MaxX:        width - 1,
		MaxY:        height - 1,
		Width:       width,
		Height:      height,
		HasBuilding: false,
	}
}
