package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/uglyemail-go/transport/amqp"
	"github.com/redis/go-redis/v9"
)

// RedisChecker pings the store
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a Redis health checker
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Store is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// AMQPChecker checks the broker connection and, when set, the channel queue
type AMQPChecker struct {
	conn  *amqp.ConnectionManager
	queue string
}

// NewAMQPChecker creates a broker health checker. queue may be empty.
func NewAMQPChecker(conn *amqp.ConnectionManager, queue string) *AMQPChecker {
	return &AMQPChecker{conn: conn, queue: queue}
}

func (c *AMQPChecker) Name() string {
	return "amqp"
}

func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}
	done := func() CheckResult {
		result.Duration = time.Since(start)
		return result
	}

	conn, err := c.conn.Connection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
		return done()
	}
	if conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		return done()
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		return done()
	}
	defer ch.Close()

	if c.queue == "" {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
		return done()
	}

	q, err := ch.QueueDeclarePassive(c.queue, false, false, false, false, nil)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return done()
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Details["queue"] = q.Name
	result.Details["messages"] = q.Messages
	result.Details["consumers"] = q.Consumers
	if q.Consumers == 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumer", c.queue)
	}
	return done()
}

// Signatures is the part of the tracker registry the checker reads
type Signatures interface {
	Len() int
	Version() string
}

// SignaturesChecker reports whether the tracker database is loaded
type SignaturesChecker struct {
	sigs Signatures
}

// NewSignaturesChecker creates a tracker database checker
func NewSignaturesChecker(sigs Signatures) *SignaturesChecker {
	return &SignaturesChecker{sigs: sigs}
}

func (c *SignaturesChecker) Name() string {
	return "trackers"
}

func (c *SignaturesChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"trackers": c.sigs.Len(),
			"version":  c.sigs.Version(),
		},
	}

	if c.sigs.Len() == 0 {
		result.Status = StatusUnhealthy
		result.Message = "Signatures not loaded"
	} else {
		result.Status = StatusHealthy
		result.Message = "Signatures loaded"
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker degraded above warning goroutines and
// unhealthy above critical.
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function reporting on a custom component
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
