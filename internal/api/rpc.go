package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/camhal/internal/camera"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/request"
	"github.com/mikeyg42/camhal/internal/result"
)

// Methods served on the control connection.
const (
	MethodConfigure = "camera.configure"
	MethodSubmit    = "camera.submit"
	MethodFlush     = "camera.flush"
	MethodState     = "camera.state"

	NotifyShutter  = "camera.shutter"
	NotifyBuffer   = "camera.buffer"
	NotifyMetadata = "camera.metadata"
	NotifyError    = "camera.error"
)

// Error codes beyond the JSON-RPC reserved range.
const (
	CodeRateLimited  = -32001
	CodeInvalidState = -32002
	CodeDeviceError  = -32003
)

// Camera is the device surface the control connection drives.
type Camera interface {
	ConfigureStreams(streams []request.StreamConfig) error
	SubmitRequest(r *request.Request) error
	Flush(ctx context.Context) error
	State() camera.State
	Stats() map[string]interface{}
}

// ConfigureParams are the camera.configure parameters.
type ConfigureParams struct {
	Streams []request.StreamConfig `json:"streams"`
}

// SubmitParams are the camera.submit parameters. Settings is handed to
// the settings codec as is; a JSON object is valid YAML.
type SubmitParams struct {
	Key      uint64           `json:"key"`
	Streams  []request.Stream `json:"streams"`
	Settings json.RawMessage  `json:"settings,omitempty"`
}

// StateResult answers camera.state.
type StateResult struct {
	State string                 `json:"state"`
	Stats map[string]interface{} `json:"stats,omitempty"`
}

// ShutterNotice is the camera.shutter notification.
type ShutterNotice struct {
	Key       uint64    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

type rpcClient struct {
	id   string
	conn *jsonrpc2.Conn
}

// Hub serves JSON-RPC control connections and fans device results out to
// all of them as notifications. It is the device's result sink.
type Hub struct {
	cam          Camera
	limiter      *RateLimiter
	logger       camlog.Logger
	notifyWait   time.Duration
	flushTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*rpcClient

	// Metrics
	calls    atomic.Uint64
	rejected atomic.Uint64
	notified atomic.Uint64
	dropped  atomic.Uint64
}

// NewHub creates a hub. Calls are limited per connection to perSecond
// with the given burst.
func NewHub(cam Camera, perSecond float64, burst int, logger camlog.Logger) *Hub {
	if logger == nil {
		logger = camlog.L()
	}
	return &Hub{
		cam:          cam,
		limiter:      NewRateLimiter(perSecond, burst, time.Minute),
		logger:       logger.Named("rpc"),
		notifyWait:   time.Second,
		flushTimeout: 10 * time.Second,
		clients:      make(map[string]*rpcClient),
	}
}

func (h *Hub) camera() Camera { return h.cam }

// Serve runs one control connection until the peer disconnects or ctx is
// done.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn) {
	c := &rpcClient{id: uuid.New().String()}
	logger := h.logger.With(camlog.String("conn", c.id))

	stream := newWSStream(ws, h.notifyWait)
	c.conn = jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(
		func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			return h.handle(ctx, c.id, req)
		}))

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info("Control connection opened",
		camlog.String("remote", ws.RemoteAddr().String()),
		camlog.Int("connections", n))

	select {
	case <-ctx.Done():
		_ = c.conn.Close()
	case <-c.conn.DisconnectNotify():
	}

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.limiter.Forget(c.id)
	logger.Info("Control connection closed")
}

func (h *Hub) handle(ctx context.Context, id string, req *jsonrpc2.Request) (interface{}, error) {
	h.calls.Add(1)
	if !h.limiter.Allow(id) {
		h.rejected.Add(1)
		return nil, &jsonrpc2.Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	}
	cam := h.camera()
	if cam == nil {
		return nil, &jsonrpc2.Error{Code: CodeInvalidState, Message: "no device"}
	}

	switch req.Method {
	case MethodConfigure:
		var p ConfigureParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := cam.ConfigureStreams(p.Streams); err != nil {
			return nil, rpcError(err)
		}
		return StateResult{State: cam.State().String()}, nil

	case MethodSubmit:
		var p SubmitParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := cam.SubmitRequest(request.New(p.Key, p.Streams, []byte(p.Settings))); err != nil {
			return nil, rpcError(err)
		}
		return StateResult{State: cam.State().String()}, nil

	case MethodFlush:
		fctx, cancel := context.WithTimeout(ctx, h.flushTimeout)
		defer cancel()
		if err := cam.Flush(fctx); err != nil {
			return nil, rpcError(err)
		}
		return StateResult{State: cam.State().String()}, nil

	case MethodState:
		return StateResult{State: cam.State().String(), Stats: cam.Stats()}, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil || string(*req.Params) == "null" {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// rpcError maps device errors onto JSON-RPC error codes.
func rpcError(err error) *jsonrpc2.Error {
	code := int64(jsonrpc2.CodeInvalidParams)
	switch {
	case errors.Is(err, camerr.ErrDeviceError) || camerr.IsFatal(err):
		code = CodeDeviceError
	case errors.Is(err, camerr.ErrInvalidState):
		code = CodeInvalidState
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

// ====================================================================
// result.Sink
// ====================================================================

func (h *Hub) Shutter(key uint64, ts time.Time) {
	h.broadcast(NotifyShutter, ShutterNotice{Key: key, Timestamp: ts})
}

func (h *Hub) Buffer(r result.BufferResult)     { h.broadcast(NotifyBuffer, r) }
func (h *Hub) Metadata(r result.MetadataResult) { h.broadcast(NotifyMetadata, r) }
func (h *Hub) Error(n result.ErrorNotice)       { h.broadcast(NotifyError, n) }

func (h *Hub) broadcast(method string, params interface{}) {
	h.mu.RLock()
	clients := make([]*rpcClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), h.notifyWait)
		err := c.conn.Notify(ctx, method, params)
		cancel()
		if err != nil {
			h.dropped.Add(1)
			h.logger.Debug("Failed to notify control connection",
				camlog.String("conn", c.id),
				camlog.String("method", method),
				camlog.Error(err))
			continue
		}
		h.notified.Add(1)
	}
}

// Len returns the number of open control connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connections": h.Len(),
		"calls":       h.calls.Load(),
		"rejected":    h.rejected.Load(),
		"notified":    h.notified.Load(),
		"dropped":     h.dropped.Load(),
	}
}
