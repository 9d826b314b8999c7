package service

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solarscan/server/internal/cache"
	"github.com/solarscan/server/internal/fetch"
	"github.com/solarscan/server/internal/layers"
	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/internal/render"
)

// fakeFetcher serves canned manifest and tile bytes and counts tile fetches.
type fakeFetcher struct {
	manifest *fetch.DataLayers
	tiles    map[string][]byte
	fetches  atomic.Int32
}

func (f *fakeFetcher) DataLayers(_ context.Context, _, _, _ float64) (*fetch.DataLayers, error) {
	return f.manifest, nil
}

func (f *fakeFetcher) FetchGeoTIFF(_ context.Context, url string) ([]byte, error) {
	f.fetches.Add(1)
	buf, ok := f.tiles[url]
	if !ok {
		return nil, fetch.ErrFetchFailed
	}
	return buf, nil
}

// writeTIFF builds a little-endian single-band float32 GeoTIFF anchored at
// 37.001N, -122.001W with a 0.0001 degree pixel.
func writeTIFF(band []float32, width, height int) []byte {
	le := binary.LittleEndian
	pix := make([]byte, len(band)*4)
	for i, v := range band {
		le.PutUint32(pix[i*4:], math.Float32bits(v))
	}

	const pixOffset = 8
	scaleOffset := pixOffset + len(pix)
	tieOffset := scaleOffset + 3*8
	ifdOffset := tieOffset + 6*8

	buf := make([]byte, ifdOffset)
	buf[0], buf[1] = 'I', 'I'
	le.PutUint16(buf[2:], 42)
	le.PutUint32(buf[4:], uint32(ifdOffset))
	copy(buf[pixOffset:], pix)

	putDouble := func(off int, v float64) {
		le.PutUint64(buf[off:], math.Float64bits(v))
	}
	putDouble(scaleOffset, 0.0001)
	putDouble(scaleOffset+8, 0.0001)
	putDouble(scaleOffset+16, 0)
	putDouble(tieOffset, 0)
	putDouble(tieOffset+8, 0)
	putDouble(tieOffset+16, 0)
	putDouble(tieOffset+24, -122.001) // west
	putDouble(tieOffset+32, 37.001)   // north
	putDouble(tieOffset+40, 0)

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{256, 3, 1, uint32(width)},
		{257, 3, 1, uint32(height)},
		{258, 3, 1, 32},
		{273, 4, 1, pixOffset},
		{277, 3, 1, 1},
		{278, 3, 1, uint32(height)},
		{279, 4, 1, uint32(len(pix))},
		{339, 3, 1, 3}, // float samples
		{33550, 12, 3, uint32(scaleOffset)},
		{33922, 12, 6, uint32(tieOffset)},
	}

	ifd := make([]byte, 2+len(entries)*12+4)
	le.PutUint16(ifd, uint16(len(entries)))
	for i, e := range entries {
		off := 2 + i*12
		le.PutUint16(ifd[off:], e.tag)
		le.PutUint16(ifd[off+2:], e.typ)
		le.PutUint32(ifd[off+4:], e.count)
		le.PutUint32(ifd[off+8:], e.value)
	}
	return append(buf, ifd...)
}

// testTiles builds a 20x20 scene with one 9x9 building around the center.
// The mask tile marks it; the data tile carries 1000 on the building and
// 500 elsewhere.
func testTiles() (mask, data []byte) {
	const w, h = 20, 20
	maskBand := make([]float32, w*h)
	dataBand := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			dataBand[i] = 500
			if x >= 6 && x <= 14 && y >= 6 && y <= 14 {
				maskBand[i] = 1
				dataBand[i] = 1000
			}
		}
	}
	return writeTIFF(maskBand, w, h), writeTIFF(dataBand, w, h)
}

func newTestService(t *testing.T, f *fakeFetcher) *LayerService {
	t.Helper()
	mgr, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 8,
		ResultTTL:         time.Minute,
		RasterCacheSize:   16,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	return NewLayerService(LayerServiceConfig{
		Fetcher:  f,
		Cache:    mgr,
		Renderer: render.New(render.Config{}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testTarget() raster.Location {
	return raster.Location{Latitude: 37.0, Longitude: -122.0}
}

func TestGetLayer_AnnualFluxIsolatesBuilding(t *testing.T) {
	maskTile, dataTile := testTiles()
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{
			MaskURL:        "mask",
			AnnualFluxURL:  "flux",
			ImageryQuality: "HIGH",
			ImageryDate:    fetch.Date{Year: 2024, Month: 6, Day: 12},
		},
		tiles: map[string][]byte{"mask": maskTile, "flux": dataTile},
	}
	svc := newTestService(t, f)

	res, err := svc.GetLayer(context.Background(), LayerRequest{
		Type:     layers.AnnualFlux,
		Location: testTarget(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if !res.Metadata.TargetBuildingDetected {
		t.Error("expected target building detected")
	}
	b := res.BuildingBoundary
	if b == nil {
		t.Fatal("expected building boundary")
	}
	if b.MinX != 6 || b.MaxX != 14 || b.MinY != 6 || b.MaxY != 14 {
		t.Errorf("unexpected boundary %+v", b)
	}
	if b.ConnectedPixelCount != 81 {
		t.Errorf("expected 81 connected pixels, got %d", b.ConnectedPixelCount)
	}
	if res.Metadata.Dimensions.Width != 9 || res.Metadata.Dimensions.Height != 9 {
		t.Errorf("unexpected dimensions %+v", res.Metadata.Dimensions)
	}
	// All building pixels hold 1000; outside pixels were cropped away.
	if res.Statistics.Min != 1000 || res.Statistics.Max != 1000 {
		t.Errorf("unexpected statistics %+v", res.Statistics)
	}
	if !strings.HasPrefix(res.Visualization, "data:image/png;base64,") {
		t.Errorf("expected data URL, got %.40q", res.Visualization)
	}
	if res.Bounds == nil || !res.Bounds.Valid() {
		t.Error("expected adjusted geographic bounds")
	}
	if res.Metadata.ImageryQuality != "HIGH" {
		t.Errorf("unexpected quality %q", res.Metadata.ImageryQuality)
	}
	if res.Metadata.DataRange.Max != layers.AnnualFluxDisplayMax {
		t.Errorf("expected fixed display ceiling, got %v", res.Metadata.DataRange.Max)
	}
}

func TestGetLayer_MaskCoverage(t *testing.T) {
	maskTile, _ := testTiles()
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask"},
		tiles:    map[string][]byte{"mask": maskTile},
	}
	svc := newTestService(t, f)

	res, err := svc.GetLayer(context.Background(), LayerRequest{
		Type:     layers.Mask,
		Location: testTarget(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Coverage == nil {
		t.Fatal("expected mask coverage")
	}
	// The crop covers exactly the building.
	if res.Coverage.BuildingPixels != 81 || res.Coverage.Percentage != 100 {
		t.Errorf("unexpected coverage %+v", res.Coverage)
	}
}

func TestGetLayer_NoBuildingAtLocation(t *testing.T) {
	maskTile, dataTile := testTiles()
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", DSMURL: "dsm"},
		tiles:    map[string][]byte{"mask": maskTile, "dsm": dataTile},
	}
	svc := newTestService(t, f)

	// Top-left corner of the tile, far from the building.
	_, err := svc.GetLayer(context.Background(), LayerRequest{
		Type:     layers.DSM,
		Location: raster.Location{Latitude: 37.0009, Longitude: -122.0009},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGetLayer_SyntheticFallback(t *testing.T) {
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", DSMURL: "dsm"},
		tiles:    map[string][]byte{}, // every tile fetch fails
	}
	svc := newTestService(t, f)

	res, err := svc.GetLayer(context.Background(), LayerRequest{
		Type:           layers.DSM,
		Location:       testTarget(),
		AllowSynthetic: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Synthetic {
		t.Error("expected synthetic result")
	}
	if res.Error == "" {
		t.Error("expected error to travel with the synthetic result")
	}
	if !strings.HasPrefix(res.Visualization, "data:image/png;base64,") {
		t.Error("expected synthetic data URL")
	}
}

func TestGetLayer_SyntheticNotCached(t *testing.T) {
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", DSMURL: "dsm"},
		tiles:    map[string][]byte{}, // every tile fetch fails
	}
	svc := newTestService(t, f)

	optIn := LayerRequest{Type: layers.DSM, Location: testTarget(), AllowSynthetic: true}
	res, err := svc.GetLayer(context.Background(), optIn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Synthetic {
		t.Fatal("expected synthetic result")
	}

	// The degraded result must not land in the result cache: the key does
	// not carry the opt-in flag.
	cached := optIn
	cached.RadiusMeters = 50 // normalized default
	if _, ok := svc.cache.GetResult(svc.resultKey(cached)); ok {
		t.Error("synthetic result was cached")
	}

	// A caller that did not opt in gets the typed error, not the
	// previous caller's fallback.
	noOptIn := LayerRequest{Type: layers.DSM, Location: testTarget()}
	_, err = svc.GetLayer(context.Background(), noOptIn)
	if !errors.Is(err, fetch.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestGetLayer_MaskResolutionMismatch(t *testing.T) {
	// Mask at half the data resolution: 10x10 with a building on [3,7]^2.
	// Nearest resampling onto the 20x20 data grid doubles it to [6,15]^2.
	const maskW, maskH = 10, 10
	const dataW, dataH = 20, 20

	maskBand := make([]float32, maskW*maskH)
	for y := 3; y <= 7; y++ {
		for x := 3; x <= 7; x++ {
			maskBand[y*maskW+x] = 1
		}
	}
	dataBand := make([]float32, dataW*dataH)
	for y := 0; y < dataH; y++ {
		for x := 0; x < dataW; x++ {
			dataBand[y*dataW+x] = 500
			if x >= 6 && x <= 15 && y >= 6 && y <= 15 {
				dataBand[y*dataW+x] = 1000
			}
		}
	}

	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", AnnualFluxURL: "flux"},
		tiles: map[string][]byte{
			"mask": writeTIFF(maskBand, maskW, maskH),
			"flux": writeTIFF(dataBand, dataW, dataH),
		},
	}
	svc := newTestService(t, f)

	res, err := svc.GetLayer(context.Background(), LayerRequest{
		Type:     layers.AnnualFlux,
		Location: testTarget(),
	})
	if err != nil {
		t.Fatal(err)
	}

	b := res.BuildingBoundary
	if b == nil {
		t.Fatal("expected building boundary")
	}
	if b.MinX != 6 || b.MaxX != 15 || b.MinY != 6 || b.MaxY != 15 {
		t.Errorf("unexpected boundary %+v", b)
	}
	if b.ConnectedPixelCount != 100 {
		t.Errorf("expected 100 connected pixels, got %d", b.ConnectedPixelCount)
	}
	if res.Metadata.Dimensions.Width != 10 || res.Metadata.Dimensions.Height != 10 {
		t.Errorf("unexpected dimensions %+v", res.Metadata.Dimensions)
	}
	// The resampled mask covers the crop exactly, so nothing was masked
	// out and every retained pixel holds the building value.
	if res.Statistics.Min != 1000 || res.Statistics.Max != 1000 {
		t.Errorf("unexpected statistics %+v", res.Statistics)
	}
	if res.Statistics.ValidPixelCount != 100 {
		t.Errorf("expected 100 valid pixels, got %d", res.Statistics.ValidPixelCount)
	}
}

func TestResultKey_DistinguishesThreshold(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	base := LayerRequest{Type: layers.Mask, Location: testTarget(), RadiusMeters: 50}
	raised := base
	raised.MaskThreshold = 0.5

	if svc.resultKey(base) == svc.resultKey(raised) {
		t.Error("expected distinct keys for distinct mask thresholds")
	}
}

func TestSyntheticUsesConfiguredPalette(t *testing.T) {
	newSvc := func(paletteName string) *LayerService {
		f := &fakeFetcher{
			manifest: &fetch.DataLayers{MaskURL: "mask", DSMURL: "dsm"},
			tiles:    map[string][]byte{},
		}
		mgr, err := cache.NewManager(cache.Config{
			ResultCacheSizeMB: 8,
			ResultTTL:         time.Minute,
			RasterCacheSize:   16,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { mgr.Close() })
		return NewLayerService(LayerServiceConfig{
			Fetcher:        f,
			Cache:          mgr,
			Renderer:       render.New(render.Config{}),
			Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
			DefaultPalette: paletteName,
		})
	}

	req := LayerRequest{Type: layers.DSM, Location: testTarget(), AllowSynthetic: true}
	ironRes, err := newSvc("iron").GetLayer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	binaryRes, err := newSvc("binary").GetLayer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ironRes.Visualization == "" || binaryRes.Visualization == "" {
		t.Fatal("expected synthetic visualizations")
	}
	if ironRes.Visualization == binaryRes.Visualization {
		t.Error("expected the configured palette to change the synthetic rendering")
	}
}

func TestGetLayer_ResultCache(t *testing.T) {
	maskTile, dataTile := testTiles()
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", AnnualFluxURL: "flux"},
		tiles:    map[string][]byte{"mask": maskTile, "flux": dataTile},
	}
	svc := newTestService(t, f)

	req := LayerRequest{Type: layers.AnnualFlux, Location: testTarget()}
	if _, err := svc.GetLayer(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	before := f.fetches.Load()
	if _, err := svc.GetLayer(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != before {
		t.Errorf("expected cached result, but %d more fetches happened", f.fetches.Load()-before)
	}
}

func TestGetLayers_PartialFailure(t *testing.T) {
	maskTile, dataTile := testTiles()
	f := &fakeFetcher{
		// No DSM tile: that layer fails, the others succeed.
		manifest: &fetch.DataLayers{MaskURL: "mask", AnnualFluxURL: "flux", DSMURL: "dsm"},
		tiles:    map[string][]byte{"mask": maskTile, "flux": dataTile},
	}
	svc := newTestService(t, f)

	results, err := svc.GetLayers(context.Background(),
		LayerRequest{Location: testTarget()},
		[]layers.LayerType{layers.Mask, layers.AnnualFlux, layers.DSM})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byType := map[layers.LayerType]*LayerResult{}
	for _, r := range results {
		byType[r.LayerType] = r
	}
	if byType[layers.AnnualFlux].Error != "" {
		t.Errorf("annual flux should succeed: %s", byType[layers.AnnualFlux].Error)
	}
	if byType[layers.DSM].Error == "" {
		t.Error("dsm should carry its error")
	}
}

func TestGetLayers_AllFail(t *testing.T) {
	f := &fakeFetcher{
		manifest: &fetch.DataLayers{MaskURL: "mask", DSMURL: "dsm"},
		tiles:    map[string][]byte{},
	}
	svc := newTestService(t, f)

	_, err := svc.GetLayers(context.Background(),
		LayerRequest{Location: testTarget()},
		[]layers.LayerType{layers.Mask, layers.DSM})
	if err == nil {
		t.Fatal("expected batch error when every layer fails")
	}
}

func TestRenderResult_MultiBandLayers(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	makeRaster := func(bands int) *raster.GeoRaster {
		r := &raster.GeoRaster{Width: 4, Height: 4}
		for i := 0; i < bands; i++ {
			band := make([]float64, 16)
			for j := range band {
				band[j] = float64(i + 1)
			}
			r.Bands = append(r.Bands, band)
		}
		return r
	}

	t.Run("monthlyFluxTwelveImages", func(t *testing.T) {
		res := &LayerResult{Metadata: Metadata{DataRange: layers.DataRange{Min: 0, Max: 150}}}
		req := LayerRequest{Type: layers.MonthlyFlux}
		if err := svc.renderResult(res, req, makeRaster(12), layers.Registry[layers.MonthlyFlux].Palette); err != nil {
			t.Fatal(err)
		}
		if len(res.Visualizations) != 12 {
			t.Fatalf("expected 12 visualizations, got %d", len(res.Visualizations))
		}
		for i, u := range res.Visualizations {
			if !strings.HasPrefix(u, "data:image/png;base64,") {
				t.Fatalf("month %d: not a data URL", i)
			}
		}
	})

	t.Run("hourlyShadeSingleHour", func(t *testing.T) {
		res := &LayerResult{Metadata: Metadata{DataRange: layers.DataRange{Min: 0, Max: 1}}}
		req := LayerRequest{Type: layers.HourlyShade, Day: 1, Hour: 5}
		if err := svc.renderResult(res, req, makeRaster(24), layers.Registry[layers.HourlyShade].Palette); err != nil {
			t.Fatal(err)
		}
		if len(res.Visualizations) != 1 {
			t.Fatalf("expected 1 visualization for a single hour, got %d", len(res.Visualizations))
		}
	})

	t.Run("hourlyShadeAllHours", func(t *testing.T) {
		res := &LayerResult{Metadata: Metadata{DataRange: layers.DataRange{Min: 0, Max: 1}}}
		req := LayerRequest{Type: layers.HourlyShade, Day: 3, Hour: -1}
		if err := svc.renderResult(res, req, makeRaster(24), layers.Registry[layers.HourlyShade].Palette); err != nil {
			t.Fatal(err)
		}
		if len(res.Visualizations) != 24 {
			t.Fatalf("expected 24 visualizations, got %d", len(res.Visualizations))
		}
	})

	t.Run("rgbComposite", func(t *testing.T) {
		res := &LayerResult{Metadata: Metadata{}}
		req := LayerRequest{Type: layers.RGB}
		if err := svc.renderResult(res, req, makeRaster(3), layers.Registry[layers.RGB].Palette); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(res.Visualization, "data:image/png;base64,") {
			t.Fatal("expected composite data URL")
		}
	})
}

func TestGetLayer_ValidatesRequest(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	t.Run("badLocation", func(t *testing.T) {
		_, err := svc.GetLayer(context.Background(), LayerRequest{
			Type:     layers.Mask,
			Location: raster.Location{Latitude: 99, Longitude: 0},
		})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("badDay", func(t *testing.T) {
		_, err := svc.GetLayer(context.Background(), LayerRequest{
			Type:     layers.HourlyShade,
			Location: testTarget(),
			Day:      40,
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("badPalette", func(t *testing.T) {
		_, err := svc.GetLayer(context.Background(), LayerRequest{
			Type:        layers.Mask,
			Location:    testTarget(),
			PaletteName: "plasma",
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("badType", func(t *testing.T) {
		_, err := svc.GetLayer(context.Background(), LayerRequest{
			Type:     layers.LayerType("infrared"),
			Location: testTarget(),
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})
}
