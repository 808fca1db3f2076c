// Package mcpclient implements the gateway's MCP client (C6): a thin,
// typed façade over the MCP adapter that owns WebSocket connections to the
// engine and modeler bridges.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
)

const (
	retryAttempts = 2
	retryDelay    = 200 * time.Millisecond
)

// Result is the normalized shape every adapter call resolves to, mirroring
// the `{status, result|error, raw?}` JSON the adapter itself returns.
type Result struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Raw    string          `json:"raw,omitempty"`
}

// Ok reports whether the adapter call succeeded.
func (r *Result) Ok() bool { return r != nil && r.Status != "error" }

// Client is a connected session to the MCP adapter. One Client is shared
// by every project; it is connected once the supervisor confirms the
// adapter is up.
type Client struct {
	log      *gwlog.Logger
	timeouts config.Timeouts

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// New creates a disconnected Client. Call Connect before issuing calls.
func New(log *gwlog.Logger, timeouts config.Timeouts) *Client {
	if log == nil {
		log = gwlog.Discard()
	}
	return &Client{log: log, timeouts: timeouts}
}

// Connect establishes the MCP session over the given transport. The
// gateway's runtime passes a StreamableClientTransport pointed at the
// adapter's HTTP endpoint, whether the supervisor spawned the adapter or
// attached to one already running.
func (c *Client) Connect(ctx context.Context, transport mcpsdk.Transport) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agp-gateway", Version: "1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.Upstream, "connecting to mcp adapter", err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

// Close tears down the MCP session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// RunTool invokes any named adapter tool with a per-call timeout, making
// at most retryAttempts attempts in total on transient transport failures.
// Validation and unknown-tool errors are never retried.
func (c *Client) RunTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*Result, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return &Result{Status: "error", Error: "mcp adapter is not connected"}, gwerr.New(gwerr.Upstream, "mcp adapter is not connected")
	}

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
		cancel()

		if err == nil {
			return parseAdapterResult(result), nil
		}

		lastErr = err
		if callCtx.Err() != nil {
			return &Result{Status: "error", Error: fmt.Sprintf("mcp tool %q timed out", name)}, gwerr.Wrap(gwerr.Timeout, "mcp tool call timed out", err)
		}
		if classify(err) != retryNewSession || attempt == retryAttempts {
			break
		}
		c.log.Warnf("mcpclient: tool %q call failed (attempt %d/%d): %v", name, attempt, retryAttempts, err)
		time.Sleep(retryDelay)
	}

	return &Result{Status: "error", Error: lastErr.Error()}, gwerr.Wrap(gwerr.Upstream, "mcp tool call failed", lastErr)
}

func parseAdapterResult(result *mcpsdk.CallToolResult) *Result {
	if result == nil {
		return &Result{Status: "error", Error: "mcp adapter returned an empty response"}
	}
	text := extractTextContent(result.Content)
	if text == "" {
		return &Result{Status: "error", Error: "mcp adapter returned no text content"}
	}
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return &Result{Status: "error", Error: "invalid JSON from adapter: " + err.Error(), Raw: text}
	}
	if r.Status == "" {
		r.Status = "ok"
	}
	return &r
}

func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// --- Typed façade, per §4.6 / §6.2 ---

// GetSceneHierarchy fetches the engine's current scene graph.
func (c *Client) GetSceneHierarchy(ctx context.Context) (*Result, error) {
	return c.RunTool(ctx, "unity_get_scene_hierarchy", nil, c.unityTimeout())
}

// CaptureScreenshot asks the engine for a screenshot of the active view.
func (c *Client) CaptureScreenshot(ctx context.Context) (*Result, error) {
	return c.RunTool(ctx, "unity_capture_screenshot", nil, c.unityTimeout())
}

// CreatePrimitive asks the modeler to create a basic primitive mesh.
func (c *Client) CreatePrimitive(ctx context.Context, kind string, size float64, name string) (*Result, error) {
	args := map[string]any{"kind": kind, "params": map[string]any{"size": size}}
	if name != "" {
		args["name"] = name
	}
	return c.RunTool(ctx, "blender_modeling_create_primitive", args, c.blenderTimeout())
}

// ExportFbx asks the modeler to export the current scene to outfile.
func (c *Client) ExportFbx(ctx context.Context, outfile string) (*Result, error) {
	args := map[string]any{"command": "export_fbx", "payload": map[string]any{"path": outfile}}
	return c.RunTool(ctx, "blender_call", args, c.blenderTimeout())
}

// InstantiatePrefab asks the engine to load and instantiate a
// prefab/FBX asset at the scene origin.
func (c *Client) InstantiatePrefab(ctx context.Context, assetPath string) (*Result, error) {
	code := instantiatePrefabCode(assetPath)
	return c.RunTool(ctx, "unity_command", map[string]any{"code": code}, c.unityTimeout())
}

func instantiatePrefabCode(assetPath string) string {
	return fmt.Sprintf(`
using UnityEditor;
using UnityEngine;
var go = AssetDatabase.LoadAssetAtPath<GameObject>(@"%s");
if (go == null) {
    throw new System.Exception("Prefab/FBX not found: %s");
}
var instance = PrefabUtility.InstantiatePrefab(go) as GameObject;
if (instance == null) {
    throw new System.Exception("Failed to instantiate prefab: %s");
}
instance.transform.position = Vector3.zero;
`, assetPath, assetPath, assetPath)
}

func (c *Client) unityTimeout() time.Duration {
	return secondsToDuration(c.timeouts.UnityEditorSeconds, 15*time.Second)
}

func (c *Client) blenderTimeout() time.Duration {
	return secondsToDuration(c.timeouts.BlenderAddonSeconds, 20*time.Second)
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
