// Package api provides HTTP handlers for the solar layer server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/solarscan/server/internal/fetch"
	"github.com/solarscan/server/internal/layers"
	"github.com/solarscan/server/internal/metrics"
	"github.com/solarscan/server/internal/raster"
	"github.com/solarscan/server/internal/service"
	"github.com/solarscan/server/pkg/palette"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.LayerService
	CORSOrigins []string

	// CacheStats reports cache manager statistics on /api/stats.
	CacheStats func() map[string]interface{}
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/layers", batchLayersHandler(cfg.Service))
		r.Get("/layers/{type}", layerHandler(cfg.Service))
		r.Get("/palettes", palettesHandler)
		if cfg.CacheStats != nil {
			r.Get("/stats", statsHandler(cfg.CacheStats))
		}
	})

	return r
}

// layerHandler serves one rendered layer for a location.
func layerHandler(svc *service.LayerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseLayerRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		lt, err := layers.Parse(chi.URLParam(r, "type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Type = lt

		res, err := svc.GetLayer(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, res)
	}
}

// batchLayersHandler serves several layers in one response. The types query
// parameter is a comma-separated list; empty means all layer types.
func batchLayersHandler(svc *service.LayerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseLayerRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var types []layers.LayerType
		if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				lt, err := layers.Parse(strings.TrimSpace(s))
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				types = append(types, lt)
			}
		}

		results, err := svc.GetLayers(r.Context(), req, types)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, map[string]interface{}{"layers": results})
	}
}

func palettesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"palettes": palette.Names()})
}

func statsHandler(stats func() map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stats())
	}
}

// parseLayerRequest reads the query parameters shared by the layer
// endpoints. lat and lng are required.
func parseLayerRequest(r *http.Request) (service.LayerRequest, error) {
	q := r.URL.Query()
	var req service.LayerRequest

	lat, err := requiredFloat(q.Get("lat"), "lat")
	if err != nil {
		return req, err
	}
	lng, err := requiredFloat(q.Get("lng"), "lng")
	if err != nil {
		return req, err
	}
	req.Location = raster.Location{Latitude: lat, Longitude: lng}

	if v := q.Get("radius"); v != "" {
		if req.RadiusMeters, err = strconv.ParseFloat(v, 64); err != nil {
			return req, errors.New("invalid radius")
		}
	}
	if v := q.Get("month"); v != "" {
		if req.Month, err = strconv.Atoi(v); err != nil {
			return req, errors.New("invalid month")
		}
	}
	if v := q.Get("day"); v != "" {
		if req.Day, err = strconv.Atoi(v); err != nil {
			return req, errors.New("invalid day")
		}
	}
	req.Hour = -1
	if v := q.Get("hour"); v != "" {
		if req.Hour, err = strconv.Atoi(v); err != nil {
			return req, errors.New("invalid hour")
		}
	}
	if v := q.Get("margin"); v != "" {
		if req.MarginPx, err = strconv.Atoi(v); err != nil {
			return req, errors.New("invalid margin")
		}
	}
	req.PaletteName = q.Get("palette")
	req.FullImage = q.Get("full") == "1" || q.Get("full") == "true"
	req.AllowSynthetic = q.Get("synthetic") == "1" || q.Get("synthetic") == "true"

	return req, nil
}

func requiredFloat(s, name string) (float64, error) {
	if s == "" {
		return 0, errors.New("missing required query param: " + name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.New("invalid query param: " + name)
	}
	return v, nil
}

// statusFor maps pipeline errors onto HTTP statuses. Geometric failures are
// 404 (there is nothing at that coordinate), missing inputs are 422,
// upstream exhaustion is 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, raster.ErrNoBuildingAtLocation),
		errors.Is(err, raster.ErrOutOfBounds):
		return http.StatusNotFound
	case errors.Is(err, raster.ErrMissingInput),
		errors.Is(err, raster.ErrInvalidBandCount),
		errors.Is(err, raster.ErrNoBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fetch.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
