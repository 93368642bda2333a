package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/domain/run"
)

// VersionHeader is the header every robot API request must carry.
const VersionHeader = "Opentrons-Version"

// Config configures a robot client.
type Config struct {
	BaseURL        string
	APIVersion     string
	RequestTimeout time.Duration
}

// Client is an HTTP session against one robot. It is safe for concurrent
// use but the orchestrator drives it from a single goroutine.
type Client struct {
	baseURL    *url.URL
	apiVersion string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Health is the subset of GET /health the orchestrator reports.
type Health struct {
	Name       string `json:"name"`
	RobotModel string `json:"robot_model"`
	APIVersion string `json:"api_version"`
	FWVersion  string `json:"fw_version"`
}

// NewClient creates a client for the robot at cfg.BaseURL.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("robot: base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("robot: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("robot: unsupported scheme %q", u.Scheme)
	}
	version := cfg.APIVersion
	if version == "" {
		version = "3"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    u,
		apiVersion: version,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "robot_client").Str("robot", u.Host).Logger(),
	}, nil
}

// BaseURL returns the robot endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Close releases idle connections held by the session.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// UploadProtocol registers a protocol file and returns its handle.
func (c *Client) UploadProtocol(ctx context.Context, filename, content string) (run.ProtocolHandle, error) {
	const op = "upload protocol"
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return run.ProtocolHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return run.ProtocolHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return run.ProtocolHandle{}, fmt.Errorf("%s: %w", op, err)
	}

	var resp envelope
	if err := c.do(ctx, op, http.MethodPost, "/protocols", mw.FormDataContentType(), &body, &resp); err != nil {
		return run.ProtocolHandle{}, err
	}
	id, err := resp.id(op)
	if err != nil {
		return run.ProtocolHandle{}, err
	}
	c.logger.Debug().Str("protocol_id", id).Str("filename", filename).Msg("protocol uploaded")
	return run.ProtocolHandle{ID: id}, nil
}

// CreateRun creates a run bound to protocolID. runtimeParams are passed as
// runTimeParameterValues when non-empty.
func (c *Client) CreateRun(ctx context.Context, protocolID string, runtimeParams map[string]interface{}) (run.Handle, error) {
	const op = "create run"
	data := map[string]interface{}{"protocolId": protocolID}
	if len(runtimeParams) > 0 {
		data["runTimeParameterValues"] = runtimeParams
	}
	payload, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		return run.Handle{}, fmt.Errorf("%s: %w", op, err)
	}
	var resp envelope
	if err := c.do(ctx, op, http.MethodPost, "/runs", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return run.Handle{}, err
	}
	id, err := resp.id(op)
	if err != nil {
		return run.Handle{}, err
	}
	return run.Handle{ID: id, ProtocolID: protocolID}, nil
}

// Play issues a play action. It starts a created run and resumes a paused one.
func (c *Client) Play(ctx context.Context, runID string) error {
	const op = "play run"
	payload, err := json.Marshal(map[string]interface{}{
		"data": map[string]string{"actionType": "play"},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var resp envelope
	return c.do(ctx, op, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/actions", "application/json", bytes.NewReader(payload), &resp)
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (run.State, error) {
	const op = "get run"
	var resp envelope
	if err := c.do(ctx, op, http.MethodGet, "/runs/"+url.PathEscape(runID), "", nil, &resp); err != nil {
		return run.State{}, err
	}
	if resp.Data == nil || resp.Data.Status == "" {
		return run.State{}, &run.MalformedResponseError{Op: op, Field: "data.status"}
	}
	status, ok := run.ParseRemoteStatus(resp.Data.Status)
	if !ok {
		return run.State{}, &run.MalformedResponseError{Op: op, Field: "data.status", Err: fmt.Errorf("unknown status %q", resp.Data.Status)}
	}
	state := run.State{
		RunID:      runID,
		Status:     status,
		RawStatus:  resp.Data.Status,
		ObservedAt: time.Now().UTC(),
	}
	if len(resp.Data.Errors) > 0 && string(resp.Data.Errors) != "null" && string(resp.Data.Errors) != "[]" {
		state.Errors = resp.Data.Errors
	}
	return state, nil
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, "health", http.MethodGet, "/health", "", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

type envelope struct {
	Data *struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Errors json.RawMessage `json:"errors"`
	} `json:"data"`
}

func (e envelope) id(op string) (string, error) {
	if e.Data == nil || strings.TrimSpace(e.Data.ID) == "" {
		return "", &run.MalformedResponseError{Op: op, Field: "data.id"}
	}
	return e.Data.ID, nil
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out interface{}) error {
	target := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(VersionHeader, c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &run.NetworkError{Op: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Limit the body kept for logs and errors to 1KB.
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Debug().
			Str("op", op).
			Str("url", target).
			Int("status_code", resp.StatusCode).
			Str("response_body", string(respBody)).
			Msg("robot request rejected")
		return &run.StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	// A body cut short by the transport is a network failure, not a bad payload.
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &run.NetworkError{Op: method, URL: target, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &run.MalformedResponseError{Op: op, Field: "body", Err: err}
	}
	return nil
}
