package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"apphost/internal/logging"
)

// Transport defines the interface for protocol transport implementations.
type Transport interface {
	// Send sends a JSON-RPC message to the server. ctx bounds the write and,
	// for request/response transports, the wait for the reply body.
	Send(ctx context.Context, msg *JSONRPCMessage) error

	// Receive receives a JSON-RPC message from the server.
	// Returns io.EOF when the transport is closed.
	Receive() (*JSONRPCMessage, error)

	// Close closes the transport connection.
	Close() error
}

// SafeEnvVars is the whitelist of environment variables passed to stdio server processes.
var SafeEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TMPDIR",
	"TMP",
	"TEMP",
	"XDG_CONFIG_HOME",
	"XDG_DATA_HOME",
	"XDG_CACHE_HOME",
	"XDG_RUNTIME_DIR",
	// Node/npm
	"NODE_PATH",
	"NPM_CONFIG_PREFIX",
	// Python
	"PYTHONPATH",
	"VIRTUAL_ENV",
}

// buildSafeEnv creates a sanitized environment for server process execution.
func buildSafeEnv() []string {
	env := make([]string, 0, len(SafeEnvVars)+1)
	hasPath := false
	for _, key := range SafeEnvVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
			if key == "PATH" {
				hasPath = true
			}
		}
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}

// StdioTransport communicates with a tool server via stdio.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	encoder *json.Encoder
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool

	stderrDone chan struct{}
}

// NewStdioTransport starts command and speaks newline-delimited JSON-RPC over its pipes.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = buildSafeEnv()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeQuietly("stdin", stdin)
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeQuietly("stdin", stdin)
		closeQuietly("stdout", stdout)
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeQuietly("stdin", stdin)
		closeQuietly("stdout", stdout)
		closeQuietly("stderr", stderr)
		return nil, fmt.Errorf("failed to start tool server: %w", err)
	}

	t := &StdioTransport{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		encoder:    json.NewEncoder(stdin),
		scanner:    bufio.NewScanner(stdout),
		stderrDone: make(chan struct{}),
	}

	const maxScannerBuffer = 1024 * 1024
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	go t.logStderr()

	logging.Debug("stdio transport started",
		"command", command,
		"args", args,
		"pid", cmd.Process.Pid)

	return t, nil
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logging.Debug("error closing pipe during cleanup", "pipe", name, "error", err)
	}
}

// logStderr forwards server stderr to the debug log.
func (t *StdioTransport) logStderr() {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.Debug("tool server stderr", "line", scanner.Text())
	}
}

// Send sends a JSON-RPC message to the server.
func (t *StdioTransport) Send(ctx context.Context, msg *JSONRPCMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	msg.JSONRPC = "2.0"
	if err := t.encoder.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	logging.Debug("stdio message sent", "method", msg.Method, "id", msg.ID)
	return nil
}

// Receive receives a JSON-RPC message from the server.
func (t *StdioTransport) Receive() (*JSONRPCMessage, error) {
	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner error: %w", err)
			}
			return nil, io.EOF
		}

		line := t.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON-RPC message: %w", err)
		}
		return &msg, nil
	}
}

// Close closes the transport and terminates the server process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// Closing stdin is the exit signal for well-behaved servers
	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.stderrDone:
	case <-time.After(time.Second):
	}

	done := make(chan error, 1)
	go func() {
		done <- t.cmd.Wait()
	}()

	select {
	case <-done:
		logging.Debug("tool server process exited")
	case <-time.After(5 * time.Second):
		logging.Warn("tool server not responding, killing process")
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-done
	}

	return nil
}

// sessionHeader carries the server-assigned session on streamable HTTP.
const sessionHeader = "Mcp-Session-Id"

// HTTPTransport communicates with a tool server over streamable HTTP.
// Each Send is a POST; the response body (JSON or a single SSE stream) is
// queued for Receive.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	recvChan chan *JSONRPCMessage

	mu        sync.Mutex
	sessionID string
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(url string, headers map[string]string, timeout time.Duration) (*HTTPTransport, error) {
	if url == "" {
		return nil, fmt.Errorf("http transport requires a url")
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &HTTPTransport{
		url:      url,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		recvChan: make(chan *JSONRPCMessage, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	logging.Debug("HTTP transport created", "url", url)
	return t, nil
}

// Send sends a JSON-RPC message to the server via HTTP POST.
// The request is canceled by ctx or by closing the transport, whichever
// comes first.
func (t *HTTPTransport) Send(ctx context.Context, msg *JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		err = t.readEventStream(resp.Body)
	} else {
		err = t.readJSONBody(resp.Body)
	}
	if err != nil {
		return err
	}

	logging.Debug("HTTP message sent", "method", msg.Method, "id", msg.ID)
	return nil
}

func (t *HTTPTransport) readJSONBody(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var response JSONRPCMessage
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return t.enqueue(&response)
}

// readEventStream collects "data:" lines per event and queues each event as one message.
func (t *HTTPTransport) readEventStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		var msg JSONRPCMessage
		err := json.Unmarshal([]byte(data.String()), &msg)
		data.Reset()
		if err != nil {
			return fmt.Errorf("failed to decode event data: %w", err)
		}
		return t.enqueue(&msg)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return flush()
}

func (t *HTTPTransport) enqueue(msg *JSONRPCMessage) error {
	select {
	case t.recvChan <- msg:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Receive receives a JSON-RPC message from the server.
func (t *HTTPTransport) Receive() (*JSONRPCMessage, error) {
	select {
	case msg := <-t.recvChan:
		return msg, nil
	case <-t.ctx.Done():
		return nil, io.EOF
	}
}

// Close closes the HTTP transport.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()

	logging.Debug("HTTP transport closed", "url", t.url)
	return nil
}
