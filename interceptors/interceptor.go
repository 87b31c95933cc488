package interceptors

import (
	"context"

	"github.com/glimte/uglyemail-go/contracts"
)

// RequestHandler answers a check request
type RequestHandler interface {
	Handle(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error)

// Handle implements RequestHandler
func (f RequestHandlerFunc) Handle(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error) {
	return f(ctx, req)
}

// Interceptor processes a request around the next handler in the chain
type Interceptor interface {
	Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. It is not safe to Add while
// Execute runs on another goroutine.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor, innermost so far
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names lists the interceptors from outermost to innermost
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Execute runs req through the chain and then final
func (c *Chain) Execute(ctx context.Context, req *contracts.Envelope, final RequestHandler) (*contracts.Envelope, error) {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = RequestHandlerFunc(func(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error) {
			return interceptor.Intercept(ctx, req, next)
		})
	}
	return handler.Handle(ctx, req)
}
