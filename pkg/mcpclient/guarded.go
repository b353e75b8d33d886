package mcpclient

import (
	"context"
	"time"

	"github.com/syntor/querybot/pkg/resilience"
)

// BreakerConfig returns a breaker configuration that counts only
// *ToolError failures against the threshold.
func BreakerConfig(threshold int, recovery time.Duration) resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig("mcp")
	if threshold > 0 {
		cfg.FailureThreshold = threshold
	}
	if recovery > 0 {
		cfg.RecoveryTimeout = recovery
	}
	cfg.IsFailure = IsToolError
	return cfg
}

// GuardedCaller routes tool calls through a shared circuit breaker
type GuardedCaller struct {
	client  *Client
	breaker *resilience.CircuitBreaker
}

// NewGuardedCaller wraps client with breaker. The breaker should be the
// one process-wide instance guarding the tool server.
func NewGuardedCaller(client *Client, breaker *resilience.CircuitBreaker) *GuardedCaller {
	return &GuardedCaller{client: client, breaker: breaker}
}

// CallTool invokes the tool unless the breaker is open, in which case the
// returned error wraps resilience.ErrCircuitOpen.
func (g *GuardedCaller) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration, retryCount int) (any, error) {
	return resilience.Call(ctx, g.breaker, func(ctx context.Context) (any, error) {
		return g.client.CallTool(ctx, name, args, timeout, retryCount)
	})
}

// Breaker exposes the guarding breaker for stats and health reporting
func (g *GuardedCaller) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}
