// Package mcpclient talks JSON-RPC 2.0 to the remote MCP tool server.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/resilience"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxRetries     = 5
	defaultRetryDelay     = time.Second
	defaultMaxConnections = 10
	defaultUserAgent      = "querybot/1.0"
)

// Config holds configuration for the tool client
type Config struct {
	BaseURL        string
	Timeout        time.Duration // per attempt
	MaxRetries     int           // extra attempts after the first
	RetryDelay     time.Duration // base of the exponential backoff
	MaxConnections int
	RateLimit      float64 // calls per second, 0 disables limiting
	UserAgent      string
}

// DefaultConfig returns the client defaults for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        defaultTimeout,
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     defaultRetryDelay,
		MaxConnections: defaultMaxConnections,
		UserAgent:      defaultUserAgent,
	}
}

// Client calls tools on the remote MCP server. The underlying HTTP client
// is created on first use and shared by every call until Close.
type Client struct {
	config  Config
	logger  logging.Logger
	metrics metrics.Collector

	slots   *resilience.Semaphore
	limiter *resilience.RateLimiter

	mu         sync.Mutex
	httpClient *http.Client
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  mcp.MCPMethod `json:"method"`
	Params  any           `json:"params"`
}

type rpcError struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// NewClient creates a tool client. Nil logger and collector are replaced
// with no-op implementations.
func NewClient(config Config, logger logging.Logger, collector metrics.Collector) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaultMaxConnections
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}

	c := &Client{
		config:  config,
		logger:  logger.With(logging.String("component", "mcpclient")),
		metrics: collector,
		slots:   resilience.NewSemaphore(config.MaxConnections),
	}
	if config.RateLimit > 0 {
		c.limiter = resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Rate:       config.RateLimit,
			BucketSize: config.MaxConnections,
		})
	}
	return c
}

// session returns the shared HTTP client, creating it if needed
func (c *Client) session() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     c.config.MaxConnections,
				MaxIdleConns:        c.config.MaxConnections,
				MaxIdleConnsPerHost: c.config.MaxConnections,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	return c.httpClient
}

// Close releases pooled connections. A later call opens a new session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
	return nil
}

// CallTool invokes a remote tool and returns its decoded result. A zero
// timeout uses the client default; a negative retryCount uses the
// client's MaxRetries.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration, retryCount int) (any, error) {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	if retryCount < 0 {
		retryCount = c.config.MaxRetries
	}

	req := rpcRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      fmt.Sprintf("req_%s_%s", uuid.NewString(), name),
		Method:  mcp.MethodToolsCall,
		Params:  mcp.CallToolParams{Name: name, Arguments: args},
	}

	logger := c.logger.WithContext(ctx).With(logging.String("tool", name))
	logger.Info("Calling MCP tool",
		logging.Duration("timeout", timeout),
		logging.Int("retries", retryCount),
	)

	start := time.Now()
	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts: retryCount + 1,
		Backoff:     resilience.ExponentialBackoff{Base: c.config.RetryDelay},
		ShouldRetry: IsToolError,
	})

	var payload any
	result := retryer.ExecuteWithCallback(ctx, func(ctx context.Context) error {
		raw, err := c.roundTrip(ctx, req, timeout)
		if err != nil {
			return err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return protocolError("MCP tool returned no result", nil)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return protocolError("MCP tool returned a malformed result", err)
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("MCP tool call failed, retrying",
			logging.Int("attempt", attempt),
			logging.Int("max_retries", retryCount),
			logging.Duration("retry_delay", delay),
			logging.Err(err),
		)
	})

	c.metrics.ObserveDuration(metrics.ToolCallDuration.Name, start, metrics.Labels("tool", name))

	if result.Success {
		c.metrics.IncrementCounter(metrics.ToolCalls.Name, metrics.Labels("tool", name, "status", "success"))
		logger.Info("MCP tool call successful", logging.Int("attempt", result.Attempts))
		return payload, nil
	}

	if errors.Is(result.LastError, resilience.ErrContextCanceled) {
		c.metrics.IncrementCounter(metrics.ToolCalls.Name, metrics.Labels("tool", name, "status", "canceled"))
		return nil, fmt.Errorf("mcp tool %s: %w", name, ctx.Err())
	}

	err := exhaustedError(result.Attempts, result.LastError)
	c.metrics.IncrementCounter(metrics.ToolCalls.Name, metrics.Labels("tool", name, "status", "failure"))
	logger.Error("MCP tool call failed after all retries",
		logging.Int("attempts", result.Attempts),
		logging.Err(result.LastError),
	)
	return nil, err
}

// ListTools returns the tool descriptors advertised by the server
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	req := rpcRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      "list_tools_request",
		Method:  mcp.MethodToolsList,
		Params:  map[string]any{},
	}

	raw, err := c.roundTrip(ctx, req, c.config.Timeout)
	if err != nil {
		c.logger.Error("Failed to list MCP tools", logging.Err(err))
		return nil, err
	}

	var listed mcp.ListToolsResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &listed); err != nil {
			return nil, protocolError(fmt.Sprintf("failed to list tools: %v", err), err)
		}
	}

	c.logger.Info("Retrieved MCP tools list", logging.Int("tool_count", len(listed.Tools)))
	return listed.Tools, nil
}

// CheckHealth fetches the server's health document
func (c *Client) CheckHealth(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.session().Do(httpReq)
	if err != nil {
		c.logger.Error("MCP health check failed", logging.Err(err))
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ToolError{
			Kind:       KindTransport,
			Message:    fmt.Sprintf("health check failed: HTTP %d - %s", resp.StatusCode, body),
			StatusCode: resp.StatusCode,
		}
	}

	status := make(map[string]any)
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, protocolError(fmt.Sprintf("health check returned malformed body: %v", err), err)
	}
	return status, nil
}

// roundTrip performs one JSON-RPC exchange and returns the raw result
func (c *Client) roundTrip(ctx context.Context, req rpcRequest, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.slots.Acquire(ctx); err != nil {
		return nil, &ToolError{Kind: KindResource, Message: "no MCP connection available", Err: err}
	}
	defer c.slots.Release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ToolError{
				Kind:    KindResource,
				Message: "MCP call rate limit wait expired",
				Err:     errors.Join(resilience.ErrRateLimitExceeded, err),
			}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.session().Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, string(respBody))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, protocolError(fmt.Sprintf("MCP server returned malformed JSON: %v", err), err)
	}
	if decoded.Error != nil {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, &ToolError{
			Kind:    KindProtocol,
			Message: "MCP tool error: " + msg,
			Code:    decoded.Error.Code,
			Data:    decoded.Error.Data,
		}
	}
	return decoded.Result, nil
}
