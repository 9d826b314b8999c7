// Package service orchestrates the layer pipeline: fetch, decode, locate,
// resample, crop, transform, render, cache.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/solarscan/server/internal/cache"
	"github.com/solarscan/server/internal/fetch"
	"github.com/solarscan/server/internal/geotiff"
	"github.com/solarscan/server/internal/layers"
	"github.com/solarscan/server/internal/metrics"
	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/internal/render"
	"github.com/solarscan/server/pkg/palette"
)

// ErrInvalidRequest reports a request parameter that fails validation.
// These failures are client errors: never retried, never served synthetic.
var ErrInvalidRequest = errors.New("invalid request parameter")

// Fetcher is the upstream provider surface the service depends on.
type Fetcher interface {
	DataLayers(ctx context.Context, lat, lng, radiusMeters float64) (*fetch.DataLayers, error)
	FetchGeoTIFF(ctx context.Context, url string) ([]byte, error)
}

// LayerServiceConfig contains layer service configuration.
type LayerServiceConfig struct {
	Fetcher  Fetcher
	Cache    *cache.Manager
	Renderer *render.Renderer
	Logger   *slog.Logger

	DefaultRadiusMeters float64
	DefaultMarginPx     int

	// DefaultPalette names the ramp used for synthetic fallback
	// visualizations. Unknown or empty falls back to iron.
	DefaultPalette string
}

// LayerService runs the building-isolation pipeline for each layer type.
type LayerService struct {
	fetcher  Fetcher
	cache    *cache.Manager
	renderer *render.Renderer
	logger   *slog.Logger

	defaultRadius   float64
	defaultMargin   int
	fallbackPalette palette.Palette

	// inflight collapses concurrent decodes of the same tile URL.
	inflight singleflight.Group
}

// NewLayerService creates a new layer service.
func NewLayerService(cfg LayerServiceConfig) *LayerService {
	radius := cfg.DefaultRadiusMeters
	if radius <= 0 {
		radius = 50
	}
	margin := cfg.DefaultMarginPx
	if margin < 0 {
		margin = 0
	}
	fallback, ok := palette.ByName[cfg.DefaultPalette]
	if !ok {
		fallback = palette.Iron
	}
	return &LayerService{
		fetcher:         cfg.Fetcher,
		cache:           cfg.Cache,
		renderer:        cfg.Renderer,
		logger:          cfg.Logger,
		defaultRadius:   radius,
		defaultMargin:   margin,
		fallbackPalette: fallback,
	}
}

// LayerRequest describes one layer rendering request.
type LayerRequest struct {
	Type         layers.LayerType
	Location     raster.Location
	RadiusMeters float64

	// Month selects the hourly shade tile (0 = January).
	Month int
	// Day selects the calendar day bit for hourly shade, 1..31.
	Day int
	// Hour selects a single hourly shade band, 0..23; -1 renders all 24.
	Hour int

	// PaletteName overrides the layer's default ramp when set.
	PaletteName string

	MarginPx      int
	MaskThreshold float64

	// FullImage skips the targeted building isolation and renders the
	// whole tile.
	FullImage bool

	// AllowSynthetic substitutes a procedurally generated visualization
	// when the pipeline fails, instead of propagating the error.
	AllowSynthetic bool
}

// Dimensions is the pixel size of the rendered output.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Metadata accompanies every layer result.
type Metadata struct {
	Dimensions             Dimensions       `json:"dimensions"`
	DataRange              layers.DataRange `json:"dataRange"`
	TargetLocation         *raster.Location `json:"targetLocation,omitempty"`
	TargetBuildingDetected bool             `json:"targetBuildingDetected"`
	ImageryQuality         string           `json:"imageryQuality,omitempty"`
	ImageryDate            string           `json:"imageryDate,omitempty"`
}

// LayerResult is the per-layer pipeline output handed to the route layer.
type LayerResult struct {
	LayerType        layers.LayerType         `json:"layerType"`
	Metadata         Metadata                 `json:"metadata"`
	Bounds           *raster.GeoBounds        `json:"bounds,omitempty"`
	BuildingBoundary *raster.BuildingBoundary `json:"buildingBoundary,omitempty"`
	Statistics       *raster.Statistics       `json:"statistics,omitempty"`
	Coverage         *layers.MaskCoverage     `json:"coverage,omitempty"`

	// Visualization holds the PNG data URL for single-image layers;
	// Visualizations holds one per month (monthly flux) or per hour
	// (hourly shade).
	Visualization  string   `json:"visualization,omitempty"`
	Visualizations []string `json:"visualizations,omitempty"`

	Synthetic bool   `json:"synthetic,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GetLayer runs the full pipeline for one layer type. Results are cached by
// location, radius and rendering parameters.
func (s *LayerService) GetLayer(ctx context.Context, req LayerRequest) (*LayerResult, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	cacheKey := s.resultKey(req)
	if data, ok := s.cache.GetResult(cacheKey); ok {
		metrics.CacheHitsTotal.WithLabelValues("result").Inc()
		var res LayerResult
		if err := json.Unmarshal(data, &res); err == nil {
			return &res, nil
		}
	}
	metrics.CacheMissesTotal.WithLabelValues("result").Inc()

	start := time.Now()
	res, err := s.processLayer(ctx, req)
	metrics.LayerDurationMs.WithLabelValues(string(req.Type)).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.LayerRequestsTotal.WithLabelValues(string(req.Type), "failure").Inc()
		if !req.AllowSynthetic {
			return nil, err
		}
		s.logger.Warn("layer pipeline failed, serving synthetic fallback",
			"layer", req.Type, "error", err)
		res = s.syntheticResult(req, err)
	} else {
		metrics.LayerRequestsTotal.WithLabelValues(string(req.Type), "success").Inc()
	}

	// Synthetic fallbacks are never cached: the key does not carry the
	// opt-in flag, and a caller that did not opt in must still see the
	// typed error instead of another caller's degraded result.
	if !res.Synthetic {
		if data, merr := json.Marshal(res); merr == nil {
			if cerr := s.cache.SetResult(cacheKey, data); cerr != nil {
				s.logger.Warn("failed to cache layer result", "layer", req.Type, "error", cerr)
			}
		}
	}
	return res, nil
}

// GetLayers runs independent pipelines for several layer types in parallel.
// A failed layer yields a result carrying its error; the call as a whole
// fails only when every layer fails.
func (s *LayerService) GetLayers(ctx context.Context, req LayerRequest, types []layers.LayerType) ([]*LayerResult, error) {
	if len(types) == 0 {
		types = layers.All()
	}

	results := make([]*LayerResult, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, lt := range types {
		i, lt := i, lt
		layerReq := req
		layerReq.Type = lt
		g.Go(func() error {
			res, err := s.GetLayer(gctx, layerReq)
			if err != nil {
				res = &LayerResult{LayerType: lt, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, res := range results {
		if res.Error != "" && res.Visualization == "" && len(res.Visualizations) == 0 {
			failed++
		}
	}
	if failed == len(results) {
		return nil, fmt.Errorf("all %d layers failed", len(results))
	}
	return results, nil
}

func (s *LayerService) normalize(req *LayerRequest) error {
	if _, err := layers.Parse(string(req.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Location.Valid() {
		return fmt.Errorf("%w: invalid location %.6f,%.6f",
			raster.ErrMissingInput, req.Location.Latitude, req.Location.Longitude)
	}
	if req.RadiusMeters <= 0 {
		req.RadiusMeters = s.defaultRadius
	}
	if req.MarginPx <= 0 {
		req.MarginPx = s.defaultMargin
	}
	if req.Type == layers.HourlyShade {
		if req.Day < 1 || req.Day > 31 {
			return fmt.Errorf("%w: day must be in [1,31], got %d", ErrInvalidRequest, req.Day)
		}
		if req.Month < 0 || req.Month > 11 {
			return fmt.Errorf("%w: month must be in [0,11], got %d", ErrInvalidRequest, req.Month)
		}
		if req.Hour < -1 || req.Hour > 23 {
			return fmt.Errorf("%w: hour must be in [0,23], got %d", ErrInvalidRequest, req.Hour)
		}
	}
	if req.PaletteName != "" {
		if _, ok := palette.ByName[req.PaletteName]; !ok {
			return fmt.Errorf("%w: unknown palette %q", ErrInvalidRequest, req.PaletteName)
		}
	}
	return nil
}

func (s *LayerService) resultKey(req LayerRequest) string {
	params := map[string]string{}
	if req.Type == layers.HourlyShade {
		params["month"] = strconv.Itoa(req.Month)
		params["day"] = strconv.Itoa(req.Day)
		if req.Hour >= 0 {
			params["hour"] = strconv.Itoa(req.Hour)
		}
	}
	if req.PaletteName != "" {
		params["palette"] = req.PaletteName
	}
	if req.FullImage {
		params["full"] = "1"
	}
	if req.MarginPx != s.defaultMargin {
		params["margin"] = strconv.Itoa(req.MarginPx)
	}
	if req.MaskThreshold != 0 {
		params["threshold"] = strconv.FormatFloat(req.MaskThreshold, 'g', -1, 64)
	}
	return cache.LayerKey(string(req.Type), req.Location.Latitude, req.Location.Longitude, req.RadiusMeters, params)
}

func (s *LayerService) processLayer(ctx context.Context, req LayerRequest) (*LayerResult, error) {
	manifest, err := s.fetcher.DataLayers(ctx, req.Location.Latitude, req.Location.Longitude, req.RadiusMeters)
	if err != nil {
		return nil, fmt.Errorf("layer manifest: %w", err)
	}

	dataURL, err := layerURL(manifest, req.Type, req.Month)
	if err != nil {
		return nil, err
	}

	data, err := s.decodeCached(ctx, dataURL)
	if err != nil {
		return nil, err
	}
	if err := layers.ValidateBands(req.Type, data); err != nil {
		return nil, err
	}

	spec := layers.Registry[req.Type]

	// The mask tile doubles as its own mask buffer; every other layer
	// needs the separate mask tile fetched and aligned.
	var mask []float64
	if req.Type == layers.Mask {
		mask = data.Band(0)
	} else {
		if manifest.MaskURL == "" {
			return nil, fmt.Errorf("%w: provider manifest has no mask layer", raster.ErrMissingInput)
		}
		maskRaster, err := s.decodeCached(ctx, manifest.MaskURL)
		if err != nil {
			return nil, fmt.Errorf("mask layer: %w", err)
		}
		mask = maskRaster.Band(0)
		if maskRaster.Width != data.Width || maskRaster.Height != data.Height {
			mask, err = raster.Resample(mask, maskRaster.Width, maskRaster.Height,
				data.Width, data.Height, raster.ResampleNearest)
			if err != nil {
				return nil, fmt.Errorf("align mask: %w", err)
			}
		}
	}

	if !req.FullImage && !data.Bounds.Valid() {
		return nil, fmt.Errorf("%w: %w", raster.ErrMissingInput, raster.ErrNoBounds)
	}

	boundary := raster.FullBoundary(data.Width, data.Height)
	if !req.FullImage {
		boundary, err = raster.LocateBuilding(mask, data.Width, data.Height, data.Bounds,
			req.Location, raster.LocateOptions{MarginPx: req.MarginPx, MaskThreshold: req.MaskThreshold})
		if err != nil {
			return nil, err
		}
	}

	cropped, err := raster.CropRaster(data, boundary)
	if err != nil {
		return nil, err
	}
	croppedMask, err := raster.Crop(mask, data.Width, data.Height, boundary)
	if err != nil {
		return nil, err
	}

	// Pixels outside the mask become no-data so the renderer's alpha
	// logic applies uniformly.
	if req.Type != layers.Mask {
		for i, band := range cropped.Bands {
			masked, err := raster.ApplyMask(band, croppedMask, req.MaskThreshold)
			if err != nil {
				return nil, err
			}
			cropped.Bands[i] = masked
		}
	}

	res := &LayerResult{
		LayerType: req.Type,
		Metadata: Metadata{
			Dimensions:             Dimensions{Width: cropped.Width, Height: cropped.Height},
			DataRange:              layers.RangeFor(req.Type, cropped.Band(0)),
			TargetLocation:         &req.Location,
			TargetBuildingDetected: boundary.IsTargetMatch,
			ImageryQuality:         manifest.ImageryQuality,
			ImageryDate:            manifest.ImageryDate.String(),
		},
		BuildingBoundary: &boundary,
	}
	if cropped.Bounds.Valid() {
		bounds := cropped.Bounds
		res.Bounds = &bounds
	}

	stats := raster.ComputeStatistics(cropped.Band(0))
	res.Statistics = &stats

	if req.Type == layers.Mask {
		cov := layers.Coverage(croppedMask, req.MaskThreshold)
		res.Coverage = &cov
	}

	pal := spec.Palette
	if req.PaletteName != "" {
		pal = palette.ByName[req.PaletteName]
	}

	if err := s.renderResult(res, req, cropped, pal); err != nil {
		// Rendering is best-effort once correct data exists.
		s.logger.Warn("render failed, serving placeholder", "layer", req.Type, "error", err)
		url, perr := s.renderer.DataURL(s.renderer.Placeholder(cropped.Width, cropped.Height))
		if perr != nil {
			return nil, err
		}
		res.Visualization = url
		res.Visualizations = nil
		res.Error = err.Error()
	}
	return res, nil
}

func (s *LayerService) renderResult(res *LayerResult, req LayerRequest, cropped *raster.GeoRaster, pal palette.Palette) error {
	dr := res.Metadata.DataRange
	opts := render.Options{Min: dr.Min, Max: dr.Max, UseAlpha: true}

	switch req.Type {
	case layers.RGB:
		img, err := s.renderer.RGBComposite(cropped.Bands, cropped.Width, cropped.Height, opts)
		if err != nil {
			return err
		}
		url, err := s.renderer.DataURL(img)
		if err != nil {
			return err
		}
		res.Visualization = url

	case layers.MonthlyFlux:
		urls := make([]string, 0, len(cropped.Bands))
		for m, band := range cropped.Bands {
			scaled := scaleIntensity(band, layers.SeasonalFactor(m))
			img, err := s.renderer.FalseColor(scaled, cropped.Width, cropped.Height, pal, opts)
			if err != nil {
				return err
			}
			url, err := s.renderer.DataURL(img)
			if err != nil {
				return err
			}
			urls = append(urls, url)
		}
		res.Visualizations = urls

	case layers.HourlyShade:
		bands := cropped.Bands
		if req.Hour >= 0 {
			if req.Hour >= len(bands) {
				return fmt.Errorf("%w: no band for hour %d", raster.ErrInvalidBandCount, req.Hour)
			}
			bands = bands[req.Hour : req.Hour+1]
		}
		urls := make([]string, 0, len(bands))
		for _, band := range bands {
			dayBand, err := layers.ShadeDayBand(band, req.Day)
			if err != nil {
				return err
			}
			img, err := s.renderer.FalseColor(dayBand, cropped.Width, cropped.Height, pal, opts)
			if err != nil {
				return err
			}
			url, err := s.renderer.DataURL(img)
			if err != nil {
				return err
			}
			urls = append(urls, url)
		}
		res.Visualizations = urls

	default:
		img, err := s.renderer.FalseColor(cropped.Band(0), cropped.Width, cropped.Height, pal, opts)
		if err != nil {
			return err
		}
		url, err := s.renderer.DataURL(img)
		if err != nil {
			return err
		}
		res.Visualization = url
	}
	return nil
}

// syntheticResult builds a labeled procedural visualization for a failed
// layer. The caller opted in; the error still travels with the result.
func (s *LayerService) syntheticResult(req LayerRequest, cause error) *LayerResult {
	metrics.SyntheticFallbacksTotal.Inc()

	res := &LayerResult{
		LayerType: req.Type,
		Metadata: Metadata{
			Dimensions:     Dimensions{Width: 256, Height: 256},
			TargetLocation: &req.Location,
		},
		Synthetic: true,
		Error:     cause.Error(),
	}

	img, err := s.renderer.Synthetic(256, 256, s.fallbackPalette, req.Location)
	if err != nil {
		return res
	}
	url, err := s.renderer.DataURL(img)
	if err != nil {
		return res
	}
	res.Visualization = url
	return res
}

// decodeCached fetches and decodes one GeoTIFF, deduplicating concurrent
// requests and caching the immutable decoded raster.
func (s *LayerService) decodeCached(ctx context.Context, url string) (*raster.GeoRaster, error) {
	key := cache.RasterKey(url)
	if r, ok := s.cache.GetRaster(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("raster").Inc()
		return r, nil
	}
	metrics.CacheMissesTotal.WithLabelValues("raster").Inc()

	v, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		buf, err := s.fetcher.FetchGeoTIFF(ctx, url)
		if err != nil {
			return nil, err
		}
		r, err := geotiff.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("decode tile: %w", err)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		s.cache.SetRaster(key, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*raster.GeoRaster), nil
}

func layerURL(m *fetch.DataLayers, lt layers.LayerType, month int) (string, error) {
	var url string
	switch lt {
	case layers.Mask:
		url = m.MaskURL
	case layers.DSM:
		url = m.DSMURL
	case layers.RGB:
		url = m.RGBURL
	case layers.AnnualFlux:
		url = m.AnnualFluxURL
	case layers.MonthlyFlux:
		url = m.MonthlyFluxURL
	case layers.HourlyShade:
		if month < 0 || month >= len(m.HourlyShadeURLs) {
			return "", fmt.Errorf("%w: no hourly shade tile for month %d", raster.ErrMissingInput, month)
		}
		url = m.HourlyShadeURLs[month]
	default:
		return "", fmt.Errorf("unknown layer type %q", lt)
	}
	if url == "" {
		return "", fmt.Errorf("%w: provider manifest has no %s layer", raster.ErrMissingInput, lt)
	}
	return url, nil
}

// scaleIntensity multiplies valid samples by factor, leaving no-data alone.
// The stored values are untouched; only the rendered copy is scaled.
func scaleIntensity(band []float64, factor float64) []float64 {
	out := make([]float64, len(band))
	for i, v := range band {
		if raster.IsNoData(v) {
			out[i] = raster.NoDataValue
			continue
		}
		out[i] = v * factor
	}
	return out
}
