package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apphost/internal/logging"
	"apphost/internal/robustness"
)

// Pool holds one Client per server endpoint and exposes the protocol calls
// keyed by that endpoint. Unknown http(s) endpoints get a default config.
type Pool struct {
	mu       sync.Mutex
	configs  map[string]*ServerConfig
	clients  map[string]*Client
	breakers map[string]*robustness.CircuitBreaker
	info     *ClientInfo

	breakerThreshold int
	breakerReset     time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithBreaker makes the pool fail fast against an endpoint after threshold
// consecutive transport failures, probing again after reset. A threshold of
// zero disables it.
func WithBreaker(threshold int, reset time.Duration) PoolOption {
	return func(p *Pool) {
		p.breakerThreshold = threshold
		p.breakerReset = reset
	}
}

// NewPool creates a pool that knows the given servers.
func NewPool(servers []*ServerConfig, info *ClientInfo, opts ...PoolOption) *Pool {
	p := &Pool{
		configs:  make(map[string]*ServerConfig),
		clients:  make(map[string]*Client),
		breakers: make(map[string]*robustness.CircuitBreaker),
		info:     info,
	}
	for _, cfg := range servers {
		p.configs[cfg.Endpoint()] = cfg
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// isTransportFailure reports whether err says the endpoint is unhealthy.
// A JSON-RPC error is a live server answering; cancellation is the caller's.
func isTransportFailure(err error) bool {
	var rpcErr *Error
	return err != nil && !errors.As(err, &rpcErr) && !errors.Is(err, context.Canceled)
}

// guard runs fn through the endpoint's breaker.
func (p *Pool) guard(ctx context.Context, serverURL string, fn func(context.Context) error) error {
	if p.breakerThreshold <= 0 {
		return fn(ctx)
	}

	p.mu.Lock()
	cb, ok := p.breakers[serverURL]
	if !ok {
		cb = robustness.NewCircuitBreaker(p.breakerThreshold, p.breakerReset).
			WithFailureFilter(isTransportFailure)
		p.breakers[serverURL] = cb
	}
	p.mu.Unlock()

	err := cb.Execute(ctx, fn)
	if errors.Is(err, robustness.ErrCircuitOpen) {
		logging.Debug("tool server call rejected", "server", serverURL)
		return fmt.Errorf("%s: %w", serverURL, err)
	}
	return err
}

// BreakerState reports the breaker position for serverURL. Endpoints
// without a breaker report closed.
func (p *Pool) BreakerState(serverURL string) robustness.State {
	p.mu.Lock()
	cb, ok := p.breakers[serverURL]
	p.mu.Unlock()
	if !ok {
		return robustness.StateClosed
	}
	return cb.State()
}

func (p *Pool) configFor(serverURL string) *ServerConfig {
	if cfg, ok := p.configs[serverURL]; ok {
		return cfg
	}
	return &ServerConfig{Name: serverURL, Transport: "http", URL: serverURL}
}

// Initialize opens a fresh connection to serverURL and performs the handshake.
// A previous connection to the same endpoint is closed first.
func (p *Pool) Initialize(ctx context.Context, serverURL string) (*InitializeResult, error) {
	p.mu.Lock()
	cfg := p.configFor(serverURL)
	old := p.clients[serverURL]
	delete(p.clients, serverURL)
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logging.Debug("closing previous client failed", "server", serverURL, "error", err)
		}
	}

	var (
		client *Client
		result *InitializeResult
	)
	err := p.guard(ctx, serverURL, func(ctx context.Context) error {
		c, err := NewClient(cfg, p.info)
		if err != nil {
			return err
		}
		if result, err = c.Initialize(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[serverURL] = client
	p.mu.Unlock()

	return result, nil
}

func (p *Pool) client(serverURL string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[serverURL]
	if !ok {
		return nil, fmt.Errorf("no initialized connection to %s", serverURL)
	}
	return c, nil
}

// ListTools returns every tool the server exposes.
func (p *Pool) ListTools(ctx context.Context, serverURL string) ([]*ToolInfo, error) {
	c, err := p.client(serverURL)
	if err != nil {
		return nil, err
	}
	var tools []*ToolInfo
	err = p.guard(ctx, serverURL, func(ctx context.Context) error {
		tools, err = c.ListTools(ctx)
		return err
	})
	return tools, err
}

// CallTool invokes a tool once.
func (p *Pool) CallTool(ctx context.Context, serverURL, toolName string, args map[string]any, meta map[string]any) (*CallToolResult, error) {
	c, err := p.client(serverURL)
	if err != nil {
		return nil, err
	}
	var result *CallToolResult
	err = p.guard(ctx, serverURL, func(ctx context.Context) error {
		result, err = c.CallTool(ctx, toolName, args, meta)
		return err
	})
	return result, err
}

// ReadResource reads a resource from the server.
func (p *Pool) ReadResource(ctx context.Context, serverURL, uri string) (*ReadResourceResult, error) {
	c, err := p.client(serverURL)
	if err != nil {
		return nil, err
	}
	var result *ReadResourceResult
	err = p.guard(ctx, serverURL, func(ctx context.Context) error {
		result, err = c.ReadResource(ctx, uri)
		return err
	})
	return result, err
}

// Release closes the connection to serverURL, if any, and forgets the
// endpoint's failure history.
func (p *Pool) Release(serverURL string) error {
	p.mu.Lock()
	c, ok := p.clients[serverURL]
	delete(p.clients, serverURL)
	cb := p.breakers[serverURL]
	p.mu.Unlock()

	if cb != nil {
		cb.Reset()
	}

	if !ok {
		return nil
	}
	return c.Close()
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for url, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}
