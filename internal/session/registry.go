package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"apphost/internal/logging"
	"apphost/internal/mcp"
)

// Status is an app's connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// App is a connected tool server and the tools it exposed at connect time.
type App struct {
	ID           string
	Name         string
	ServerURL    string
	Instructions string
	Tools        []*mcp.ToolInfo
	Status       Status
}

// Tool returns the tool with the given name.
func (a *App) Tool(name string) (*mcp.ToolInfo, bool) {
	for _, tool := range a.Tools {
		if tool != nil && tool.Name == name {
			return tool, true
		}
	}
	return nil, false
}

func (s *Session) connectedLocked(appID string) (*App, bool) {
	app, ok := s.apps[appID]
	if !ok || app.Status != StatusConnected {
		return nil, false
	}
	return app, true
}

// Connect performs the initialize handshake with serverURL, fetches its
// tools and stores the app under appID, replacing any previous entry.
func (s *Session) Connect(ctx context.Context, appID, serverURL string) (*App, error) {
	logging.Info("connecting app", "app", appID, "server", serverURL)

	initCtx, cancel := s.protocolContext(ctx)
	init, err := s.protocol.Initialize(initCtx, serverURL)
	cancel()
	if err == nil && init == nil {
		err = errors.New("server returned no capabilities")
	}
	if err != nil {
		s.metrics.ConnectResult("init_failed")
		return nil, s.connectFailed(appID, serverURL, fmt.Errorf("%w: %w", ErrProtocolInit, err))
	}

	listCtx, cancel := s.protocolContext(ctx)
	tools, err := s.protocol.ListTools(listCtx, serverURL)
	cancel()
	if err != nil {
		s.metrics.ConnectResult("list_failed")
		s.release(serverURL)
		return nil, s.connectFailed(appID, serverURL, fmt.Errorf("%w: %w", ErrProtocolListTools, err))
	}

	app := &App{
		ID:           appID,
		Name:         appID,
		ServerURL:    serverURL,
		Instructions: init.Instructions,
		Tools:        tools,
		Status:       StatusConnected,
	}
	if info := init.ServerInfo; info != nil {
		if info.Title != "" {
			app.Name = info.Title
		} else if info.Name != "" {
			app.Name = info.Name
		}
	}

	s.mu.Lock()
	s.apps[appID] = app
	s.mu.Unlock()

	s.metrics.ConnectResult("connected")
	logging.Info("app connected", "app", appID, "name", app.Name, "tools", len(tools))
	s.events.publish(ConnectionChanged{Header: newHeader(appID), Status: StatusConnected})

	copied := *app
	return &copied, nil
}

// connectFailed marks an existing entry as errored and reports the failure.
func (s *Session) connectFailed(appID, serverURL string, err error) error {
	s.mu.Lock()
	if app, ok := s.apps[appID]; ok {
		app.Status = StatusError
		if s.current == appID {
			s.clearContextLocked()
		}
	}
	s.mu.Unlock()

	logging.Warn("app connection failed", "app", appID, "server", serverURL, "error", err)
	s.events.publish(ConnectionChanged{Header: newHeader(appID), Status: StatusError, Err: err})
	return &ConnectError{AppID: appID, ServerURL: serverURL, Err: err}
}

// Disconnect removes the app. When it is the current context the context,
// collection and last invocation are cleared. Absent apps are not an error.
func (s *Session) Disconnect(appID string) {
	s.mu.Lock()
	app, ok := s.apps[appID]
	delete(s.apps, appID)
	if s.current == appID {
		s.clearContextLocked()
	} else {
		s.dropAppStateLocked(func(id string) bool { return id == appID })
	}
	s.mu.Unlock()

	if ok {
		s.release(app.ServerURL)
	}
	logging.Info("app disconnected", "app", appID)
	s.events.publish(ConnectionChanged{Header: newHeader(appID), Status: StatusDisconnected})
}

func (s *Session) release(serverURL string) {
	r, ok := s.protocol.(releaser)
	if !ok {
		return
	}
	if err := r.Release(serverURL); err != nil {
		logging.Debug("releasing server connection failed", "server", serverURL, "error", err)
	}
}

// IsConnected reports whether appID is connected.
func (s *Session) IsConnected(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connectedLocked(appID)
	return ok
}

// Get returns a copy of the app entry, or nil.
func (s *Session) Get(appID string) *App {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return nil
	}
	copied := *app
	return &copied
}

// Apps returns every known app sorted by id.
func (s *Session) Apps() []*App {
	s.mu.Lock()
	apps := make([]*App, 0, len(s.apps))
	for _, app := range s.apps {
		copied := *app
		apps = append(apps, &copied)
	}
	s.mu.Unlock()

	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps
}

// ReadResource reads a resource from a connected app.
func (s *Session) ReadResource(ctx context.Context, appID, uri string) (*mcp.ReadResourceResult, error) {
	s.mu.Lock()
	app, ok := s.connectedLocked(appID)
	s.mu.Unlock()
	if !ok {
		return nil, &InvokeError{AppID: appID, Err: ErrAppNotConnected}
	}

	callCtx, cancel := s.protocolContext(ctx)
	defer cancel()
	result, err := s.protocol.ReadResource(callCtx, app.ServerURL, uri)
	if err != nil {
		return nil, fmt.Errorf("read resource %s from %s: %w", uri, appID, err)
	}
	return result, nil
}
