package health

import (
	"context"
	"fmt"

	"github.com/concierge-ai/concierge/internal/circuitbreaker"
)

// RedisChecker probes the session store's Redis connection.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

// NewRedisChecker wraps the shared Redis client.
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return true }

func (c *RedisChecker) Check(ctx context.Context) error {
	if c.wrapper.IsCircuitBreakerOpen() {
		return fmt.Errorf("circuit breaker open")
	}
	return c.wrapper.Ping(ctx).Err()
}

// Pinger is anything that can report connectivity, such as the trajectory
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker probes trajectory persistence. Non-critical: the engine
// still serves requests when persistence is down.
type DatabaseChecker struct {
	db Pinger
}

// NewDatabaseChecker wraps a pingable database handle.
func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string   { return "database" }
func (c *DatabaseChecker) Critical() bool { return false }

func (c *DatabaseChecker) Check(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc struct {
	ComponentName string
	IsCritical    bool
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Critical() bool                  { return c.IsCritical }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
