package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/camera"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/config"
	"github.com/mikeyg42/camhal/internal/request"
	"github.com/mikeyg42/camhal/internal/result"
)

type fakeCamera struct {
	mu        sync.Mutex
	state     camera.State
	streams   []request.StreamConfig
	submitted []*request.Request
	flushes   int
	submitErr error
}

func (c *fakeCamera) ConfigureStreams(streams []request.StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = streams
	c.state = camera.StateConfigured
	return nil
}

func (c *fakeCamera) SubmitRequest(r *request.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submitted = append(c.submitted, r)
	c.state = camera.StateRun
	return nil
}

func (c *fakeCamera) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	c.state = camera.StateConfigured
	return nil
}

func (c *fakeCamera) failSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

func (c *fakeCamera) State() camera.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCamera) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{"requests": len(c.submitted)}
}

type notifications struct {
	mu   sync.Mutex
	seen map[string][]json.RawMessage
}

func (n *notifications) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif || req.Params == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen[req.Method] = append(n.seen[req.Method], *req.Params)
}

func (n *notifications) get(method string) []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage(nil), n.seen[method]...)
}

type apiHarness struct {
	cam   *fakeCamera
	hub   *Hub
	srv   *Server
	http  *httptest.Server
	conn  *jsonrpc2.Conn
	notes *notifications
}

func newAPIHarness(t *testing.T, perSecond float64, burst int) *apiHarness {
	t.Helper()
	cfg := config.Default()
	cam := &fakeCamera{state: camera.StateInitialize}
	hub := NewHub(cam, perSecond, burst, camlog.NewNop())
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("camhal_up 1\n"))
	})
	srv := NewServer(cfg, hub, metricsHandler, camlog.NewNop())
	ts := httptest.NewServer(srv.Handler())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.RPC.Path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	notes := &notifications{seen: make(map[string][]json.RawMessage)}
	conn := jsonrpc2.NewConn(context.Background(), newWSStream(ws, time.Second), notes)

	t.Cleanup(func() {
		conn.Close()
		srv.cancel()
		ts.Close()
	})
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	return &apiHarness{cam: cam, hub: hub, srv: srv, http: ts, conn: conn, notes: notes}
}

func (h *apiHarness) call(t *testing.T, method string, params interface{}) (StateResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out StateResult
	err := h.conn.Call(ctx, method, params, &out)
	return out, err
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, 100, 100)

	resp, err := http.Get(h.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "INITIALIZE", body["state"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t, 100, 100)

	resp, err := http.Get(h.http.URL + config.Default().Metrics.Path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigureSubmitFlush(t *testing.T) {
	h := newAPIHarness(t, 100, 100)

	out, err := h.call(t, MethodConfigure, ConfigureParams{Streams: []request.StreamConfig{
		{ID: 0, Kind: request.StreamPreview, Width: 1920, Height: 1080},
	}})
	require.NoError(t, err)
	assert.Equal(t, "CONFIGURED", out.State)

	out, err = h.call(t, MethodSubmit, SubmitParams{
		Key:      7,
		Streams:  []request.Stream{{ID: 0, Kind: request.StreamPreview, Handle: 42}},
		Settings: json.RawMessage(`{"zoom_ratio":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "RUN", out.State)

	h.cam.mu.Lock()
	require.Len(t, h.cam.submitted, 1)
	got := h.cam.submitted[0]
	h.cam.mu.Unlock()
	assert.EqualValues(t, 7, got.Key)
	assert.EqualValues(t, 42, got.Streams[0].Handle)
	assert.JSONEq(t, `{"zoom_ratio":2}`, string(got.Settings))

	out, err = h.call(t, MethodFlush, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONFIGURED", out.State)
	h.cam.mu.Lock()
	assert.Equal(t, 1, h.cam.flushes)
	h.cam.mu.Unlock()

	out, err = h.call(t, MethodState, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONFIGURED", out.State)
	assert.EqualValues(t, 1, out.Stats["requests"])
}

func TestErrorsCarryCodes(t *testing.T) {
	h := newAPIHarness(t, 100, 100)

	_, err := h.call(t, "camera.bogus", nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.EqualValues(t, jsonrpc2.CodeMethodNotFound, rpcErr.Code)

	_, err = h.call(t, MethodSubmit, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.EqualValues(t, jsonrpc2.CodeInvalidParams, rpcErr.Code)

	h.cam.failSubmit(camerr.ErrDeviceError)
	_, err = h.call(t, MethodSubmit, SubmitParams{Key: 1})
	require.True(t, errors.As(err, &rpcErr))
	assert.EqualValues(t, CodeDeviceError, rpcErr.Code)

	h.cam.failSubmit(camerr.New(camerr.KindInvalidState, "submit", nil))
	_, err = h.call(t, MethodSubmit, SubmitParams{Key: 2})
	require.True(t, errors.As(err, &rpcErr))
	assert.EqualValues(t, CodeInvalidState, rpcErr.Code)
}

func TestCallsAreRateLimited(t *testing.T) {
	h := newAPIHarness(t, 0.001, 2)

	_, err := h.call(t, MethodState, nil)
	require.NoError(t, err)
	_, err = h.call(t, MethodState, nil)
	require.NoError(t, err)

	_, err = h.call(t, MethodState, nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.EqualValues(t, CodeRateLimited, rpcErr.Code)
	assert.EqualValues(t, 1, h.hub.Stats()["rejected"])
}

func TestResultsAreBroadcast(t *testing.T) {
	h := newAPIHarness(t, 100, 100)
	var sink result.Sink = h.hub

	sink.Shutter(3, time.Unix(10, 0))
	sink.Buffer(result.BufferResult{Key: 3, StreamID: 0, Handle: 9, Status: result.BufferOK})
	sink.Metadata(result.MetadataResult{Key: 3, Blob: []byte("ae: locked")})
	sink.Error(result.ErrorNotice{Kind: result.ErrorBuffer, Key: 3, StreamID: 1})

	require.Eventually(t, func() bool {
		return len(h.notes.get(NotifyError)) == 1
	}, time.Second, 5*time.Millisecond)

	var shutter ShutterNotice
	require.Len(t, h.notes.get(NotifyShutter), 1)
	require.NoError(t, json.Unmarshal(h.notes.get(NotifyShutter)[0], &shutter))
	assert.EqualValues(t, 3, shutter.Key)

	var buf result.BufferResult
	require.Len(t, h.notes.get(NotifyBuffer), 1)
	require.NoError(t, json.Unmarshal(h.notes.get(NotifyBuffer)[0], &buf))
	assert.EqualValues(t, 9, buf.Handle)

	var meta result.MetadataResult
	require.Len(t, h.notes.get(NotifyMetadata), 1)
	require.NoError(t, json.Unmarshal(h.notes.get(NotifyMetadata)[0], &meta))
	assert.Equal(t, "ae: locked", string(meta.Blob))
}

func TestDisconnectRemovesClient(t *testing.T) {
	h := newAPIHarness(t, 100, 100)
	require.NoError(t, h.conn.Close())
	assert.Eventually(t, func() bool { return h.hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}
