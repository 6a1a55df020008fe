// Package mcpserver exposes the relay's operator controls as MCP tools, so
// an agent (or any MCP client) can inspect and drive the bot. Every tool
// calls back into the relay's HTTP API.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RelayMCPServer provides MCP tools for operating the mention relay.
type RelayMCPServer struct {
	server *mcp.Server
	api    *apiClient
}

// NewServer creates the MCP server pointed at the relay API at apiURL.
func NewServer(apiURL string) *RelayMCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mention-relay-tools",
		Version: "v1.0.0",
	}, nil)

	s := &RelayMCPServer{
		server: server,
		api:    newAPIClient(apiURL),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is cancelled.
func (s *RelayMCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *RelayMCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_get_status",
		Description: "Get the mention relay's current status: scheduler state, last poll, processed/failed counts, and per-resource rate budgets.",
	}, s.handleGetStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_start",
		Description: "Start the mention relay's polling scheduler. A no-op when already running.",
	}, s.handleStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_stop",
		Description: "Stop the mention relay's polling scheduler. An in-flight batch finishes; no new batch starts.",
	}, s.handleStop)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_clear_cache",
		Description: "Clear the relay's in-memory dedupe set and process counters. The durable last-seen marker is kept.",
	}, s.handleClearCache)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_list_allowlist",
		Description: "List the allow/deny list entries the relay filters senders with.",
	}, s.handleListAllowList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_add_allowlist",
		Description: "Add a sender handle to the allow/deny list.",
	}, s.handleAddAllowList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_remove_allowlist",
		Description: "Remove a sender handle from the allow/deny list.",
	}, s.handleRemoveAllowList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "relay_recent_outcomes",
		Description: "List recent per-mention outcomes (replied/skipped/failed) from the relay's archive.",
	}, s.handleRecentOutcomes)
}

// ============ Tool handlers ============

// EmptyInput is used by tools that take no arguments.
type EmptyInput struct{}

// JSONOutput carries a raw JSON payload back to the client.
type JSONOutput struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *RelayMCPServer) handleGetStatus(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiGet(ctx, "/api/status")
}

func (s *RelayMCPServer) handleStart(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiPost(ctx, "/api/control/start", nil)
}

func (s *RelayMCPServer) handleStop(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiPost(ctx, "/api/control/stop", nil)
}

func (s *RelayMCPServer) handleClearCache(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiPost(ctx, "/api/control/clear-cache", nil)
}

func (s *RelayMCPServer) handleListAllowList(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiGet(ctx, "/api/allowlist")
}

// AddAllowListInput is the input for relay_add_allowlist.
type AddAllowListInput struct {
	Handle string `json:"handle" jsonschema:"description=The sender handle to add (without @)"`
	Note   string `json:"note,omitempty" jsonschema:"description=Optional note about why the handle was added"`
}

func (s *RelayMCPServer) handleAddAllowList(ctx context.Context, req *mcp.CallToolRequest, input AddAllowListInput) (*mcp.CallToolResult, JSONOutput, error) {
	body := map[string]string{"handle": input.Handle, "note": input.Note, "added_by": "mcp"}
	return s.apiPost(ctx, "/api/allowlist", body)
}

// RemoveAllowListInput is the input for relay_remove_allowlist.
type RemoveAllowListInput struct {
	Handle string `json:"handle" jsonschema:"description=The sender handle to remove"`
}

func (s *RelayMCPServer) handleRemoveAllowList(ctx context.Context, req *mcp.CallToolRequest, input RemoveAllowListInput) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiDo(ctx, http.MethodDelete, "/api/allowlist/"+input.Handle, nil)
}

// RecentOutcomesInput is the input for relay_recent_outcomes.
type RecentOutcomesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum number of outcomes to return (default 50)"`
}

func (s *RelayMCPServer) handleRecentOutcomes(ctx context.Context, req *mcp.CallToolRequest, input RecentOutcomesInput) (*mcp.CallToolResult, JSONOutput, error) {
	path := "/api/outcomes"
	if input.Limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, input.Limit)
	}
	return s.apiGet(ctx, path)
}

func (s *RelayMCPServer) apiGet(ctx context.Context, path string) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiDo(ctx, http.MethodGet, path, nil)
}

func (s *RelayMCPServer) apiPost(ctx context.Context, path string, body interface{}) (*mcp.CallToolResult, JSONOutput, error) {
	return s.apiDo(ctx, http.MethodPost, path, body)
}

func (s *RelayMCPServer) apiDo(ctx context.Context, method, path string, body interface{}) (*mcp.CallToolResult, JSONOutput, error) {
	raw, err := s.api.do(ctx, method, path, body)
	if err != nil {
		return nil, JSONOutput{Error: err.Error()}, nil
	}
	return nil, JSONOutput{Result: raw}, nil
}

// ============ API client ============

// apiClient is a thin HTTP client for the relay's local API.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay API unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("relay API error (status %d): %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
