// Package reliability provides the retry policies used across the relay.
//
//   - LinearBackoff: delay grows by a fixed step per attempt (bridge reconnects)
//   - FixedDelay: constant delay, optionally unlimited (startup retries)
//   - ExponentialBackoff: capped exponential growth with optional jitter
//
// Retry runs a function under a policy. Time is taken from a clock.Clock so
// callers can drive it with a mock clock in tests.
package reliability
