// Package control implements the gateway's Control Client: a persistent
// session to the backend's non-HTTP control channel used for model
// list/load/unload.
//
// The transport is a WebSocket, using the same github.com/gorilla/websocket
// dependency the retrieved example pack's dashboard hub
// (internal/dashboard/websocket.go) uses server-side — here dialed as a
// client instead of upgraded as a server. Connection lifecycle,
// retry, and single-flight connect coalescing follow SPEC_FULL.md §4.D.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// ErrBackendUnavailable is returned when connect retries are exhausted.
var ErrBackendUnavailable = errors.New("control: backend unavailable")

// ErrNotFound is returned by UnloadModel when no loaded model matches the
// requested key or instance id.
var ErrNotFound = errors.New("control: model not found")

const (
	connectAttempts = 3
	connectGap      = 2 * time.Second

	listTimeout   = 10 * time.Second
	loadTimeout   = 60 * time.Second
	unloadTimeout = 30 * time.Second
)

// LoadedModel is a currently loaded model instance reported by the
// backend.
type LoadedModel struct {
	Path       string `json:"path"`
	Identifier string `json:"identifier"`
}

// DownloadedModel is a model present on disk but not necessarily
// loaded.
type DownloadedModel struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"`
}

// GPUConfig is the sparse GPU-offload portion of a LoadConfig.
type GPUConfig struct {
	Ratio  *float64 `json:"ratio,omitempty"`
	Layers *int     `json:"layers,omitempty"`
}

// LoadConfig is the sparse set of backend-side model loading
// parameters. Fields left nil are left unset (backend default).
type LoadConfig struct {
	ContextLength      *int     `json:"context_length,omitempty"`
	GPU                *GPUConfig `json:"gpu,omitempty"`
	CPUThreads         *int     `json:"cpu_threads,omitempty"`
	RopeFrequencyBase  *float64 `json:"rope_frequency_base,omitempty"`
	RopeFrequencyScale *float64 `json:"rope_frequency_scale,omitempty"`
}

// Dialer abstracts the WebSocket dial so tests can substitute a fake
// transport without a real network connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the minimal subset of *websocket.Conn the client needs,
// allowing a fake implementation in tests.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// wsDialer is the production Dialer backed by gorilla/websocket.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// rpcRequest/rpcResponse model the control channel's request/response
// envelope. The concrete backend protocol is abstracted; any connector
// satisfying list_loaded/list_downloaded/load/unload is acceptable per
// SPEC_FULL.md §6.
type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client maintains a single logical session to the backend's control
// channel. At most one load/unload is in flight at a time; list/health
// calls may proceed concurrently with each other but wait for any
// active load/unload.
type Client struct {
	url    string
	dialer Dialer

	connMu sync.Mutex // guards conn; session is cleared on hard failure
	conn   Conn

	connectGroup singleflight.Group // coalesces concurrent connect attempts

	// loadMu serializes load/unload (exclusive) while letting list/health
	// calls proceed concurrently with each other (shared), per
	// SPEC_FULL.md §4.D.
	loadMu sync.RWMutex
}

// New creates a Control Client for the given control channel URL.
func New(url string) *Client {
	return &Client{url: url, dialer: wsDialer{}}
}

// NewWithDialer creates a Control Client using a custom Dialer, for
// tests.
func NewWithDialer(url string, dialer Dialer) *Client {
	return &Client{url: url, dialer: dialer}
}

// ensureConnected connects on first use, sharing a single in-flight
// attempt across concurrent callers via singleflight. Retries up to
// connectAttempts times with connectGap between attempts before
// returning ErrBackendUnavailable.
func (c *Client) ensureConnected(ctx context.Context) (Conn, error) {
	c.connMu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()

	v, err, _ := c.connectGroup.Do(c.url, func() (any, error) {
		var lastErr error
		for attempt := 1; attempt <= connectAttempts; attempt++ {
			conn, dialErr := c.dialer.Dial(ctx, c.url)
			if dialErr == nil {
				// Liveness probe: list loaded models once to validate
				// the session before handing it out.
				if _, probeErr := c.callLocked(conn, "list_loaded", nil, listTimeout); probeErr == nil {
					c.connMu.Lock()
					c.conn = conn
					c.connMu.Unlock()
					return conn, nil
				} else {
					lastErr = probeErr
					conn.Close()
				}
			} else {
				lastErr = dialErr
			}

			slog.Warn("control: connect attempt failed", "attempt", attempt, "error", lastErr)
			if attempt < connectAttempts {
				select {
				case <-time.After(connectGap):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, lastErr)
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// invalidate clears the stored session so the next call reconnects.
func (c *Client) invalidate() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// call performs one request/response round trip. On failure it clears
// the stored session and returns the error without retrying; the next
// call reconnects.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.callLocked(conn, method, params, timeout)
	if err != nil {
		c.invalidate()
		return nil, err
	}
	return result, nil
}

// callLocked performs one request/response round trip over an already
// established connection. Does not touch c.conn.
func (c *Client) callLocked(conn Conn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	_ = timeout // not enforced: no read or write deadline is set on the
	// connection, so a read waits until the backend replies or the
	// connection fails.

	req := rpcRequest{ID: fmt.Sprintf("%s-%d", method, time.Now().UnixNano()), Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("control: write %s: %w", method, err)
	}

	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("control: read %s: %w", method, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("control: %s: %s", method, resp.Error)
	}
	return resp.Result, nil
}

// listResult is the wire shape for list_loaded + list_downloaded.
type listResult struct {
	Loaded     []LoadedModel     `json:"loaded"`
	Downloaded []DownloadedModel `json:"downloaded"`
}

// ListModels returns the backend's currently loaded and downloaded
// models.
func (c *Client) ListModels(ctx context.Context) ([]LoadedModel, []DownloadedModel, error) {
	c.loadMu.RLock()
	defer c.loadMu.RUnlock()
	return c.listModelsLocked(ctx)
}

// listModelsLocked performs the list_models round trip without taking
// loadMu itself — callers that already hold loadMu (in either mode)
// call this directly.
func (c *Client) listModelsLocked(ctx context.Context) ([]LoadedModel, []DownloadedModel, error) {
	raw, err := c.call(ctx, "list_models", nil, listTimeout)
	if err != nil {
		return nil, nil, err
	}
	var res listResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, fmt.Errorf("control: decoding list_models result: %w", err)
	}
	return res.Loaded, res.Downloaded, nil
}

type loadParams struct {
	ModelKey   string      `json:"model_key"`
	InstanceID string      `json:"instance_id,omitempty"`
	Config     *LoadConfig `json:"config,omitempty"`
}

// LoadModel asks the backend to load a model. At most one load/unload
// is in flight at a time per process.
func (c *Client) LoadModel(ctx context.Context, modelKey, instanceID string, cfg *LoadConfig) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	_, err := c.call(ctx, "load", loadParams{ModelKey: modelKey, InstanceID: instanceID, Config: cfg}, loadTimeout)
	return err
}

type unloadParams struct {
	Identifier string `json:"identifier"`
}

// UnloadModel asks the backend to unload a model.
//
// Resolution rule (SPEC_FULL.md §4.D): if instanceID is present it is
// matched against loaded[*].Identifier; otherwise modelKey is matched
// against loaded[*].Path. No match fails with ErrNotFound before any
// unload call reaches the backend.
func (c *Client) UnloadModel(ctx context.Context, modelKey, instanceID string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	loaded, _, err := c.listModelsLocked(ctx)
	if err != nil {
		return err
	}

	identifier, ok := resolveLoaded(loaded, modelKey, instanceID)
	if !ok {
		return ErrNotFound
	}

	_, err = c.call(ctx, "unload", unloadParams{Identifier: identifier}, unloadTimeout)
	return err
}

// resolveLoaded implements the instance-id/model-key resolution rule
// against the backend's current loaded list.
func resolveLoaded(loaded []LoadedModel, modelKey, instanceID string) (identifier string, ok bool) {
	if instanceID != "" {
		for _, m := range loaded {
			if m.Identifier == instanceID {
				return m.Identifier, true
			}
		}
		return "", false
	}
	for _, m := range loaded {
		if m.Path == modelKey {
			return m.Identifier, true
		}
	}
	return "", false
}

// Health performs a cheap liveness probe. Invalidates the session on
// failure so the next call reconnects.
func (c *Client) Health(ctx context.Context) bool {
	_, _, err := c.ListModels(ctx)
	return err == nil
}

// Close tears down the underlying session, if any.
func (c *Client) Close() {
	c.invalidate()
}
