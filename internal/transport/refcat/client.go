// Package refcat is the HTTP client of the reference catalogue service.
package refcat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	"github.com/huntsman-telescope/drp/internal/metrics"
)

// Service endpoints, relative to Config.URL.
const (
	CatalogueEndpoint = "/refcat"
	HealthEndpoint    = "/health"
)

// Coordinate is a sky position in degrees.
type Coordinate struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Config holds the reference catalogue service settings.
type Config struct {
	URL string
	// Timeout bounds a single request. Default: 60s.
	Timeout time.Duration
	// MaxElapsed bounds retries of a failed request. Zero disables retries.
	MaxElapsed time.Duration
	// Radius is the search radius around each coordinate in degrees.
	Radius     float64
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client requests reference catalogues for sets of coordinates. The service
// answers a JSON list of coordinates with a CSV catalogue.
type Client struct {
	url        string
	radius     float64
	maxElapsed time.Duration
	http       *http.Client
	logger     *zap.Logger
}

type catalogueRequest struct {
	Coordinates []Coordinate `json:"coordinates"`
	Radius      float64      `json:"radius,omitempty"`
}

// New creates a client.
func New(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		radius:     cfg.Radius,
		maxElapsed: cfg.MaxElapsed,
		http:       httpClient,
		logger:     logger,
	}
}

// MakeReferenceCatalogue writes the catalogue covering coords to path.
// Server errors are retried; the file is only written on success.
func (c *Client) MakeReferenceCatalogue(ctx context.Context, coords []Coordinate, path string) error {
	if len(coords) == 0 {
		return errors.New("make reference catalogue: no coordinates")
	}
	body, err := json.Marshal(catalogueRequest{Coordinates: coords, Radius: c.radius})
	if err != nil {
		return fmt.Errorf("encode refcat request: %w", err)
	}

	start := time.Now()
	var data []byte
	attempt := func() error {
		var err error
		data, err = c.post(ctx, body)
		return err
	}
	if c.maxElapsed > 0 {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.maxElapsed
		err = backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.logger.Warn("Reference catalogue request failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		})
	} else {
		err = attempt()
	}
	metrics.RefcatRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RefcatRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RefcatRequestsTotal.WithLabelValues("success").Inc()

	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("write refcat: %w", err)
	}
	c.logger.Debug("Wrote reference catalogue",
		zap.String("filename", path),
		zap.Int("coordinates", len(coords)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// HealthCheck verifies the service answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+HealthEndpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("refcat health: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refcat health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refcat health: status %d: %w", resp.StatusCode, domain.ErrRefcatService)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+CatalogueEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("refcat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("refcat request failed: %w: %w", domain.ErrRefcatService, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refcat response: %w: %w", domain.ErrRefcatService, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := parseAPIError(resp.StatusCode, data)
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}
	return data, nil
}

// parseAPIError wraps a non-200 answer with domain.ErrRefcatService.
func parseAPIError(status int, body []byte) error {
	if detail := extractDetail(body); detail != "" {
		return fmt.Errorf("refcat API error %d: %s: %w", status, detail, domain.ErrRefcatService)
	}
	return fmt.Errorf("refcat API error %d: %s: %w", status, strings.TrimSpace(string(body)), domain.ErrRefcatService)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".refcat-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
