package robot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/testutil/fakerobot"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, RequestTimeout: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewClient(Config{BaseURL: "ftp://robot"}, zerolog.Nop())
	require.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://10.0.0.5:31950/"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:31950", c.BaseURL())
	assert.Equal(t, "3", c.apiVersion)
}

func TestClient_UploadCreatePlayGet(t *testing.T) {
	robot := fakerobot.New(t)
	robot.SetStatuses(0, "idle", "running", "succeeded")
	c := newTestClient(t, robot.URL)
	ctx := context.Background()

	protocol, err := c.UploadProtocol(ctx, "heat.py", "print('heat')")
	require.NoError(t, err)
	assert.Equal(t, "protocol-1", protocol.ID)

	handle, err := c.CreateRun(ctx, protocol.ID, map[string]interface{}{"volume": 20})
	require.NoError(t, err)
	assert.Equal(t, "run-1", handle.ID)
	assert.Equal(t, protocol.ID, handle.ProtocolID)

	require.NoError(t, c.Play(ctx, handle.ID))

	var statuses []run.Status
	for i := 0; i < 3; i++ {
		state, err := c.GetRun(ctx, handle.ID)
		require.NoError(t, err)
		statuses = append(statuses, state.Status)
	}
	assert.Equal(t, []run.Status{run.StatusQueued, run.StatusRunning, run.StatusSucceeded}, statuses)

	uploads := robot.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "heat.py", uploads[0].Filename)
	assert.Equal(t, "print('heat')", uploads[0].Content)

	runs := robot.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"play"}, runs[0].Actions)
	assert.Equal(t, float64(20), runs[0].RuntimeParams["volume"])
	assert.Zero(t, robot.MissingVersionHeader())
}

func TestClient_GetRunCarriesErrors(t *testing.T) {
	robot := fakerobot.New(t)
	robot.SetStatuses(0, "failed")
	robot.SetRunErrors(0, `[{"errorType":"PipetteOverpressure","detail":"overpressure"}]`)
	c := newTestClient(t, robot.URL)
	ctx := context.Background()

	handle, err := c.CreateRun(ctx, "p", nil)
	require.NoError(t, err)
	state, err := c.GetRun(ctx, handle.ID)
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, state.Status)
	assert.Contains(t, string(state.Errors), "overpressure")
}

func TestClient_StatusError(t *testing.T) {
	robot := fakerobot.New(t)
	robot.RejectUploads(http.StatusUnprocessableEntity)
	c := newTestClient(t, robot.URL)

	_, err := c.UploadProtocol(context.Background(), "a.py", "x")

	var statusErr *run.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "ProtocolRejected")
	assert.False(t, run.IsNetworkError(err))
}

func TestClient_MissingID(t *testing.T) {
	robot := fakerobot.New(t)
	robot.OmitIDs(true)
	c := newTestClient(t, robot.URL)

	_, err := c.UploadProtocol(context.Background(), "a.py", "x")
	var malformed *run.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "data.id", malformed.Field)

	_, err = c.CreateRun(context.Background(), "p", nil)
	require.ErrorAs(t, err, &malformed)
}

func TestClient_UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"id": "r", "status": "levitating"}})
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.GetRun(context.Background(), "r")

	var malformed *run.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "data.status", malformed.Field)
}

func TestClient_TruncatedBodyIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "200")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data": {"id": "r", "sta`))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.GetRun(context.Background(), "r")

	require.Error(t, err)
	assert.True(t, run.IsNetworkError(err))
	var malformed *run.MalformedResponseError
	assert.False(t, errors.As(err, &malformed))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c := newTestClient(t, url)

	_, err := c.UploadProtocol(context.Background(), "a.py", "x")

	require.Error(t, err)
	assert.True(t, run.IsNetworkError(err))
	var netErr *run.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.MethodPost, netErr.Op)
}

func TestClient_Health(t *testing.T) {
	robot := fakerobot.New(t)
	c := newTestClient(t, robot.URL)

	h, err := c.Health(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "fake-ot2", h.Name)
	assert.Equal(t, "OT-2 Standard", h.RobotModel)
	assert.Equal(t, []string{"GET /health"}, robot.Requests())
}
