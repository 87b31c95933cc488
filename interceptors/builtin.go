package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/reliability"
)

var ErrBodyTooLarge = errors.New("interceptors: request body too large")

// LoggingInterceptor logs request processing with timing information
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	start := time.Now()
	channel, _ := Channel(ctx)

	i.logger.Debug("processing request",
		"id", req.ID,
		"channel", channel,
		"bodyBytes", len(req.Body))

	reply, err := next.Handle(ctx, req)
	if err != nil {
		i.logger.Error("request failed",
			"id", req.ID,
			"channel", channel,
			"duration", time.Since(start),
			"error", err)
		return nil, err
	}

	_, matched := reply.PixelValue()
	i.logger.Debug("request processed",
		"id", req.ID,
		"matched", matched,
		"duration", time.Since(start))
	return reply, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives one observation per request
type MetricsCollector interface {
	RecordRequest(matched bool, duration time.Duration, err error)
}

// MetricsInterceptor reports request outcomes to a collector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	start := time.Now()
	reply, err := next.Handle(ctx, req)

	matched := false
	if err == nil {
		_, matched = reply.PixelValue()
	}
	i.collector.RecordRequest(matched, time.Since(start), err)
	return reply, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// Stats is a MetricsCollector keeping process-wide counters
type Stats struct {
	requests atomic.Int64
	matched  atomic.Int64
	failed   atomic.Int64
	totalNs  atomic.Int64
}

// RecordRequest implements MetricsCollector
func (s *Stats) RecordRequest(matched bool, duration time.Duration, err error) {
	s.requests.Add(1)
	s.totalNs.Add(int64(duration))
	switch {
	case err != nil:
		s.failed.Add(1)
	case matched:
		s.matched.Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Requests    int64         `json:"requests"`
	Matched     int64         `json:"matched"`
	Failed      int64         `json:"failed"`
	MeanLatency time.Duration `json:"mean_latency"`
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Requests: s.requests.Load(),
		Matched:  s.matched.Load(),
		Failed:   s.failed.Load(),
	}
	if snap.Requests > 0 {
		snap.MeanLatency = time.Duration(s.totalNs.Load() / snap.Requests)
	}
	return snap
}

// TimeoutInterceptor bounds how long the rest of the chain may take
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The rest of the chain keeps running on
// its goroutine after a timeout; its result is dropped. A panic in the chain
// is raised again on the calling goroutine so an outer RecoveryInterceptor
// sees it; one that happens after the timeout is dropped with the result.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		reply    *contracts.Envelope
		err      error
		panicked any
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{panicked: r}
			}
		}()
		reply, err := next.Handle(timeoutCtx, req)
		done <- result{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		if res.panicked != nil {
			panic(res.panicked)
		}
		return res.reply, res.err
	case <-timeoutCtx.Done():
		return nil, &contracts.ProcessingError{
			ID:      req.ID,
			Message: "timeout",
			Err:     &contracts.TimeoutError{ID: req.ID, After: i.timeout},
		}
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a panic in the chain into a processing error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (reply *contracts.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("panic while processing request", "id", req.ID, "panic", r)
			reply = nil
			err = &contracts.ProcessingError{ID: req.ID, Message: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()
	return next.Handle(ctx, req)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// ValidationInterceptor rejects malformed requests and replies
type ValidationInterceptor struct {
	maxBody int
}

// NewValidationInterceptor creates a validation interceptor. Bodies longer
// than maxBody bytes are rejected; 0 disables the limit.
func NewValidationInterceptor(maxBody int) *ValidationInterceptor {
	return &ValidationInterceptor{maxBody: maxBody}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	if err := req.Validate(); err != nil {
		return nil, &contracts.ProcessingError{ID: req.ID, Message: "invalid request", Err: err}
	}
	if i.maxBody > 0 && len(req.Body) > i.maxBody {
		return nil, &contracts.ProcessingError{
			ID:      req.ID,
			Message: fmt.Sprintf("body of %d bytes exceeds %d", len(req.Body), i.maxBody),
			Err:     ErrBodyTooLarge,
		}
	}

	reply, err := next.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply == nil || reply.ID != req.ID {
		return nil, &contracts.ProcessingError{ID: req.ID, Message: "reply does not answer request"}
	}
	if err := reply.Validate(); err != nil {
		return nil, &contracts.ProcessingError{ID: req.ID, Message: "invalid reply", Err: err}
	}
	return reply, nil
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// RetryInterceptor retries the rest of the chain by a retry policy. Errors
// marked with reliability.Permanent are returned at once.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
	clock  clock.Clock
	logger *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor
func NewRetryInterceptor(policy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		policy: policy,
		clock:  clock.New(),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// WithClock sets the clock used between attempts
func (r *RetryInterceptor) WithClock(clk clock.Clock) *RetryInterceptor {
	r.clock = clk
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	var reply *contracts.Envelope
	err := reliability.Retry(ctx, r.policy, func() error {
		var err error
		reply, err = next.Handle(ctx, req)
		return err
	},
		reliability.WithClock(r.clock),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			r.logger.Warn("retrying request", "id", req.ID, "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
