// Package fetch retrieves data layer manifests and GeoTIFF buffers from the
// upstream imagery provider.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/solarscan/server/internal/metrics"
)

// ErrFetchFailed signals that the upstream could not be reached after all
// retry attempts were exhausted.
var ErrFetchFailed = errors.New("upstream fetch failed")

// DataLayers is the provider's manifest of GeoTIFF download URLs for one
// location, plus the imagery metadata that travels with every layer.
type DataLayers struct {
	MaskURL         string   `json:"maskUrl"`
	DSMURL          string   `json:"dsmUrl"`
	RGBURL          string   `json:"rgbUrl"`
	AnnualFluxURL   string   `json:"annualFluxUrl"`
	MonthlyFluxURL  string   `json:"monthlyFluxUrl"`
	HourlyShadeURLs []string `json:"hourlyShadeUrls"`

	ImageryQuality string `json:"imageryQuality"`
	ImageryDate    Date   `json:"imageryDate"`
}

// Date is the provider's calendar date representation.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Config contains fetch client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	BufferTTL      time.Duration
	BufferMaxItems int64
}

// Client fetches from the imagery provider with bounded retries. Fetched
// buffers are held in a TTL cache and concurrent fetches of the same URL are
// collapsed into one upstream request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	bufferTTL  time.Duration

	buffers  *ccache.Cache[[]byte]
	inflight singleflight.Group

	logger *slog.Logger
}

// NewClient creates a provider fetch client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 15 * time.Minute
	}
	if cfg.BufferMaxItems <= 0 {
		cfg.BufferMaxItems = 256
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		bufferTTL:  cfg.BufferTTL,
		buffers:    ccache.New(ccache.Configure[[]byte]().MaxSize(cfg.BufferMaxItems).ItemsToPrune(16)),
		logger:     logger,
	}
}

// DataLayers requests the layer manifest for a location. radiusMeters bounds
// the imagery tile around the target coordinate.
func (c *Client) DataLayers(ctx context.Context, lat, lng, radiusMeters float64) (*DataLayers, error) {
	u, err := url.Parse(c.baseURL + "/dataLayers:get")
	if err != nil {
		return nil, fmt.Errorf("manifest url: %w", err)
	}
	q := u.Query()
	q.Set("location.latitude", fmt.Sprintf("%.6f", lat))
	q.Set("location.longitude", fmt.Sprintf("%.6f", lng))
	q.Set("radiusMeters", fmt.Sprintf("%.1f", radiusMeters))
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	body, err := c.getWithRetry(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var dl DataLayers
	if err := json.Unmarshal(body, &dl); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &dl, nil
}

// FetchGeoTIFF downloads one GeoTIFF buffer. Repeated requests for the same
// URL within the buffer TTL are served from memory; concurrent requests for
// the same URL share a single upstream call.
func (c *Client) FetchGeoTIFF(ctx context.Context, rawURL string) ([]byte, error) {
	if item := c.buffers.Get(rawURL); item != nil && !item.Expired() {
		metrics.CacheHitsTotal.WithLabelValues("buffer").Inc()
		return item.Value(), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("buffer").Inc()

	v, err, _ := c.inflight.Do(rawURL, func() (interface{}, error) {
		fetchURL := rawURL
		if c.apiKey != "" {
			sep := "?"
			if u, perr := url.Parse(rawURL); perr == nil && u.RawQuery != "" {
				sep = "&"
			}
			fetchURL = rawURL + sep + "key=" + url.QueryEscape(c.apiKey)
		}

		body, err := c.getWithRetry(ctx, fetchURL)
		if err != nil {
			return nil, err
		}
		c.buffers.Set(rawURL, body, c.bufferTTL)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// getWithRetry performs a GET with bounded exponential backoff. Transient
// failures (network error, 5xx, 429, empty body) are retried; other statuses
// fail immediately.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.FetchRetriesTotal.Inc()
			delay := backoff(attempt)
			c.logger.Warn("retrying fetch", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		body, retryable, err := c.getOnce(ctx, rawURL)
		metrics.FetchDurationMs.Observe(float64(time.Since(start).Milliseconds()))
		if err == nil {
			metrics.FetchAttemptsTotal.WithLabelValues("success").Inc()
			return body, nil
		}
		metrics.FetchAttemptsTotal.WithLabelValues("failure").Inc()
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrFetchFailed, c.maxRetries, lastErr)
}

func (c *Client) getOnce(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("upstream status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if len(body) == 0 {
		return nil, true, errors.New("empty response body")
	}
	return body, false, nil
}

// backoff returns the delay before retry n with jitter: 250ms, 500ms, 1s, ...
// capped at 8s.
func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
