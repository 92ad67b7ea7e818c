package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"apphost/internal/logging"
)

// Client handles JSON-RPC communication with one tool server.
type Client struct {
	transport Transport

	initialized bool
	mu          sync.RWMutex

	nextID    int64
	pending   map[int64]chan *JSONRPCMessage
	pendingMu sync.Mutex

	serverName string
	config     *ServerConfig
	clientInfo *ClientInfo

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client and starts its receive loop.
func NewClient(cfg *ServerConfig, info *ClientInfo) (*Client, error) {
	var transport Transport
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, err = NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
	case "http", "":
		transport, err = NewHTTPTransport(cfg.URL, cfg.Headers, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return newClientWithTransport(cfg, info, transport), nil
}

func newClientWithTransport(cfg *ServerConfig, info *ClientInfo, transport Transport) *Client {
	if info == nil {
		info = &ClientInfo{Name: "apphost", Version: "dev"}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		transport:  transport,
		serverName: cfg.Name,
		config:     cfg,
		clientInfo: info,
		pending:    make(map[int64]chan *JSONRPCMessage),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go c.receiveLoop()
	return c
}

// receiveLoop reads messages from the transport and routes them.
func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			if c.ctx.Err() == nil {
				logging.Warn("receive error", "server", c.serverName, "error", err)
			}
			return
		}

		c.handleMessage(msg)
	}
}

// handleMessage routes an incoming message to the waiting request.
func (c *Client) handleMessage(msg *JSONRPCMessage) {
	if msg.IsNotification() {
		logging.Debug("notification received", "server", c.serverName, "method", msg.Method)
		return
	}
	if !msg.IsResponse() {
		return
	}

	id, ok := msg.ID.(float64) // JSON numbers decode as float64
	if !ok {
		logging.Warn("response with invalid ID type", "server", c.serverName, "id", msg.ID)
		return
	}

	c.pendingMu.Lock()
	ch, exists := c.pending[int64(id)]
	if exists {
		delete(c.pending, int64(id))
	}
	c.pendingMu.Unlock()

	if !exists {
		logging.Warn("response for unknown request", "server", c.serverName, "id", id)
		return
	}

	select {
	case ch <- msg:
	default:
		logging.Warn("response channel full", "server", c.serverName, "id", id)
	}
}

// request sends a request and waits for its response.
func (c *Client) request(ctx context.Context, method string, params any) (*JSONRPCMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	respCh := make(chan *JSONRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := &JSONRPCMessage{
		ID:     id,
		Method: method,
		Params: params,
	}

	if err := c.transport.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeResult re-decodes a generic result payload into out.
func decodeResult(resp *JSONRPCMessage, out any) error {
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}
	return nil
}

// notify sends a notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params any) error {
	return c.transport.Send(ctx, &JSONRPCMessage{
		Method: method,
		Params: params,
	})
}

func (c *Client) ensureInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return fmt.Errorf("client not initialized")
	}
	return nil
}

// Initialize performs the initialize handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.clientInfo,
		Capabilities:    map[string]any{},
	}

	resp, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.initialized = true

	attrs := []any{"name", c.serverName, "protocol", result.ProtocolVersion}
	if result.ServerInfo != nil {
		attrs = append(attrs, "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	}
	logging.Info("tool server initialized", attrs...)

	return &result, nil
}

// ListToolsPage retrieves one page of tools starting at cursor.
func (c *Client) ListToolsPage(ctx context.Context, cursor string) (*ListToolsResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	var params any
	if cursor != "" {
		params = &ListToolsParams{Cursor: cursor}
	}

	resp, err := c.request(ctx, MethodToolsList, params)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}

	var result ListToolsResult
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	logging.Debug("tools listed",
		"server", c.serverName,
		"count", len(result.Tools),
		"has_more", result.NextCursor != "")

	return &result, nil
}

// ListTools retrieves every tool, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]*ToolInfo, error) {
	var all []*ToolInfo
	cursor := ""
	seen := make(map[string]bool)
	for {
		page, err := c.ListToolsPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)

		if page.NextCursor == "" || seen[page.NextCursor] {
			break
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
	if all == nil {
		all = []*ToolInfo{}
	}
	return all, nil
}

// CallTool calls a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*CallToolResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	params := &CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      meta,
	}

	resp, err := c.request(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var result CallToolResult
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}

	logging.Debug("tool called",
		"server", c.serverName,
		"tool", name,
		"is_error", result.IsError)

	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodResourcesRead, &ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read failed: %w", err)
	}

	var result ReadResourceResult
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	return &result, nil
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.cancel()

	// Closing the transport unblocks Receive
	err := c.transport.Close()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		logging.Warn("receive loop did not stop in time", "server", c.serverName)
	}

	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	logging.Debug("client closed", "server", c.serverName)
	return nil
}
