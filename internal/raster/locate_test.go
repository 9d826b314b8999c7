package raster

import (
	"errors"
	"math"
	"testing"
)

// fillRect sets mask pixels in [x0,x1)x[y0,y1) to 1.
func fillRect(mask []float64, width, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			mask[y*width+x] = 1
		}
	}
}

func TestLocateBuildingTargetsOnlyOneRegion(t *testing.T) {
	const w, h = 100, 100
	mask := make([]float64, w*h)
	// Two disjoint rooftops.
	fillRect(mask, w, 10, 10, 30, 30) // rectangle A
	fillRect(mask, w, 60, 60, 90, 85) // rectangle B

	target := LocationAt(20, 20, testBounds, w, h)

	for _, margin := range []int{0, 1, 5, 20, 100} {
		b, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{MarginPx: margin})
		if err != nil {
			t.Fatalf("margin %d: %v", margin, err)
		}
		if !b.HasBuilding || !b.IsTargetMatch {
			t.Fatalf("margin %d: expected targeted match, got %+v", margin, b)
		}
		if b.ConnectedPixelCount != 20*20 {
			t.Errorf("margin %d: connected count = %d, want 400", margin, b.ConnectedPixelCount)
		}

		wantMinX := clampInt(10-margin, 0, w-1)
		wantMaxX := clampInt(29+margin, 0, w-1)
		wantMinY := clampInt(10-margin, 0, h-1)
		wantMaxY := clampInt(29+margin, 0, h-1)
		if b.MinX != wantMinX || b.MaxX != wantMaxX || b.MinY != wantMinY || b.MaxY != wantMaxY {
			t.Errorf("margin %d: boundary %+v, want [%d,%d]-[%d,%d]",
				margin, b, wantMinX, wantMinY, wantMaxX, wantMaxY)
		}

		// The flood fill itself must never reach rectangle B; only margin
		// padding may overlap it.
		if margin == 0 && b.Contains(60, 60) {
			t.Error("boundary includes a pixel of the other building")
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func TestLocateBuildingNoMaskAtTarget(t *testing.T) {
	const w, h = 50, 50
	mask := make([]float64, w*h)
	fillRect(mask, w, 0, 0, 10, 10)

	target := LocationAt(40, 40, testBounds, w, h)
	_, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{})
	if !errors.Is(err, ErrNoBuildingAtLocation) {
		t.Fatalf("expected ErrNoBuildingAtLocation, got %v", err)
	}
}

func TestLocateBuildingThresholdIsExclusive(t *testing.T) {
	const w, h = 10, 10
	mask := make([]float64, w*h)
	for i := range mask {
		mask[i] = 0.5
	}
	target := LocationAt(5, 5, testBounds, w, h)
	// Pixels exactly at the threshold do not count.
	_, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{MaskThreshold: 0.5})
	if !errors.Is(err, ErrNoBuildingAtLocation) {
		t.Fatalf("expected ErrNoBuildingAtLocation, got %v", err)
	}
	b, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{MaskThreshold: 0.4})
	if err != nil {
		t.Fatalf("threshold 0.4: %v", err)
	}
	if b.ConnectedPixelCount != w*h {
		t.Errorf("connected count = %d, want %d", b.ConnectedPixelCount, w*h)
	}
}

func TestLocateBuildingDiagonalRegionsStaySeparate(t *testing.T) {
	// Two squares touching only at a corner: 4-connectivity keeps them apart.
	const w, h = 20, 20
	mask := make([]float64, w*h)
	fillRect(mask, w, 0, 0, 10, 10)
	fillRect(mask, w, 10, 10, 20, 20)

	target := LocationAt(5, 5, testBounds, w, h)
	b, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if b.ConnectedPixelCount != 100 {
		t.Errorf("connected count = %d, want 100", b.ConnectedPixelCount)
	}
	if b.MaxX != 9 || b.MaxY != 9 {
		t.Errorf("boundary leaked into diagonal neighbor: %+v", b)
	}
}

func TestLocateBuildingDiskScenario(t *testing.T) {
	// End-to-end scenario from the pipeline contract: a disk of radius 30
	// centered at (100,100) in a 200x200 tile, target at the disk center.
	const w, h = 200, 200
	const radius = 30.0
	mask := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x-100), float64(y-100)
			if math.Sqrt(dx*dx+dy*dy) <= radius {
				mask[y*w+x] = 1
			}
		}
	}

	target := Location{Latitude: 37.0, Longitude: -122.0}
	b, err := LocateBuilding(mask, w, h, testBounds, target, LocateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !b.HasBuilding {
		t.Fatal("expected hasBuilding=true")
	}
	if !b.Contains(100, 100) {
		t.Errorf("boundary %+v does not contain the disk center", b)
	}
	area := math.Pi * radius * radius
	if diff := math.Abs(float64(b.ConnectedPixelCount) - area); diff > 0.05*area {
		t.Errorf("connected count %d differs from disk area %.0f by more than 5%%", b.ConnectedPixelCount, area)
	}
}

func TestLocateBuildingOutOfBoundsTarget(t *testing.T) {
	mask := make([]float64, 100)
	_, err := LocateBuilding(mask, 10, 10, testBounds, Location{Latitude: 0, Longitude: 0}, LocateOptions{})
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestFullBoundary(t *testing.T) {
	b := FullBoundary(30, 20)
	if b.MinX != 0 || b.MinY != 0 || b.MaxX != 29 || b.MaxY != 19 {
		t.Fatalf("unexpected boundary %+v", b)
	}
	if b.HasBuilding {
		t.Fatal("full boundary must not claim a building match")
	}
}
