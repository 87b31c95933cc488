package interceptors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
)

// Result is a cached answer for a message body
type Result struct {
	Pixel   string `json:"pixel,omitempty"`
	Matched bool   `json:"matched"`
}

// ResponseCache stores answers by key
type ResponseCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, result Result) error
}

// CacheKey returns the cache key of a message body under a signature version
func CacheKey(version, body string) string {
	sum := sha256.Sum256([]byte(body))
	if version == "" {
		return hex.EncodeToString(sum[:])
	}
	return version + ":" + hex.EncodeToString(sum[:])
}

// CachingInterceptor answers repeated bodies from a cache without calling
// the rest of the chain. Errors are never cached.
type CachingInterceptor struct {
	cache   ResponseCache
	version func() string
	logger  *slog.Logger
}

// NewCachingInterceptor creates a caching interceptor. version, when not nil,
// scopes keys to the current signature version; while it returns "" the
// signatures are not loaded and nothing is looked up or stored.
func NewCachingInterceptor(cache ResponseCache, version func() string) *CachingInterceptor {
	return &CachingInterceptor{cache: cache, version: version, logger: slog.Default()}
}

// WithLogger sets the logger
func (i *CachingInterceptor) WithLogger(logger *slog.Logger) *CachingInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *CachingInterceptor) Intercept(ctx context.Context, req *contracts.Envelope, next RequestHandler) (*contracts.Envelope, error) {
	if key, ok := i.key(req.Body); ok {
		cached, found, err := i.cache.Get(ctx, key)
		if err != nil {
			// lookup errors fall through to matching
			i.logger.Warn("cache lookup failed", "id", req.ID, "error", err)
		} else if found {
			return contracts.NewResponse(req.ID, cached.Pixel, cached.Matched), nil
		}
	}

	reply, err := next.Handle(ctx, req)
	if err != nil || reply == nil || reply.Kind != contracts.KindResponse {
		return reply, err
	}

	// the version can change while matching loads the signatures
	key, ok := i.key(req.Body)
	if !ok {
		return reply, nil
	}
	pixel, matched := reply.PixelValue()
	if err := i.cache.Set(ctx, key, Result{Pixel: pixel, Matched: matched}); err != nil {
		i.logger.Warn("cache store failed", "id", req.ID, "error", err)
	}
	return reply, nil
}

func (i *CachingInterceptor) key(body string) (string, bool) {
	if i.version == nil {
		return CacheKey("", body), true
	}
	version := i.version()
	if version == "" {
		return "", false
	}
	return CacheKey(version, body), true
}

// Name implements Interceptor
func (i *CachingInterceptor) Name() string {
	return "CachingInterceptor"
}

// MemoryCache is a bounded in-process ResponseCache evicting the oldest entry
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]Result
	order    []string
}

// NewMemoryCache creates a cache holding up to capacity entries
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		entries:  make(map[string]Result, capacity),
	}
}

// Get implements ResponseCache
func (c *MemoryCache) Get(ctx context.Context, key string) (Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok, nil
}

// Set implements ResponseCache
func (c *MemoryCache) Set(ctx context.Context, key string, result Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = result
	return nil
}

// Len returns the number of cached entries
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
