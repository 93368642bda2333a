package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPReader reads the latest sensor values as a JSON object from a URL.
type HTTPReader struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPReader creates a reader for url.
func NewHTTPReader(url string, timeout time.Duration, logger zerolog.Logger) *HTTPReader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReader{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "sensor_reader").Logger(),
	}
}

// Read fetches and decodes the sensor document.
func (r *HTTPReader) Read(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("sensor: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sensor: read %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sensor: %s returned status %d: %s", r.url, resp.StatusCode, string(body))
	}
	var reading map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		return nil, fmt.Errorf("sensor: decode %s: %w", r.url, err)
	}
	r.logger.Debug().Str("url", r.url).Int("fields", len(reading)).Msg("sensor reading")
	return reading, nil
}
