package store

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/interceptors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Hour, WithKeyPrefix("test"))

	_, found, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	want := interceptors.Result{Pixel: "https://t.example/p.gif", Matched: true}
	require.NoError(t, cache.Set(ctx, "k", want))
	assert.True(t, mr.Exists("test:cache:k"))
	assert.Equal(t, time.Hour, mr.TTL("test:cache:k"))

	got, found, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Hour)
	_, found, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, mr.Set("test:cache:bad", "{"))
	_, _, err = cache.Get(ctx, "bad")
	assert.Error(t, err)
}

func TestRedisCacheInChain(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	calls := 0
	final := interceptors.RequestHandlerFunc(func(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error) {
		calls++
		return contracts.NewResponse(req.ID, "", false), nil
	})
	chain := interceptors.NewChain(interceptors.NewCachingInterceptor(NewRedisCache(rdb, time.Minute), nil))

	for _, id := range []string{"a", "b", "c"} {
		reply, err := chain.Execute(ctx, contracts.NewRequest(id, "<p>hello</p>"), final)
		require.NoError(t, err)
		assert.Equal(t, id, reply.ID)
		_, matched := reply.PixelValue()
		assert.False(t, matched)
	}
	assert.Equal(t, 1, calls)
}
