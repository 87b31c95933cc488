package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func stores(t *testing.T) map[string]Store {
	_, rdb := newTestRedis(t)
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb),
	}
}

func TestStoreVersioning(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(ctx))

			v, err := s.CurrentVersion(ctx)
			require.NoError(t, err)
			assert.Empty(t, v, "first launch has no version")

			require.NoError(t, s.Setup(ctx, "2024.1"))
			v, err = s.CurrentVersion(ctx)
			require.NoError(t, err)
			assert.Equal(t, "2024.1", v)

			require.NoError(t, s.Upgrade(ctx, "2024.2"))
			v, err = s.CurrentVersion(ctx)
			require.NoError(t, err)
			assert.Equal(t, "2024.2", v)

			assert.ErrorIs(t, s.Setup(ctx, ""), ErrEmptyVersion)
			assert.ErrorIs(t, s.Upgrade(ctx, ""), ErrEmptyVersion)
		})
	}
}

func TestStoreRecords(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Record(ctx, "m1", "http://t.example/open.gif"))
			require.NoError(t, s.Record(ctx, "m2", ""))
			require.NoError(t, s.Record(ctx, "m3", ""))

			pixel, found, err := s.Lookup(ctx, "m1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "http://t.example/open.gif", pixel)

			pixel, found, err = s.Lookup(ctx, "m2")
			require.NoError(t, err)
			assert.True(t, found, "untracked messages are recorded")
			assert.Empty(t, pixel)

			_, found, err = s.Lookup(ctx, "unknown")
			require.NoError(t, err)
			assert.False(t, found)

			assert.ErrorIs(t, s.Record(ctx, "", "x"), ErrEmptyMessageID)
		})
	}
}

func TestStoreFlushUntracked(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Record(ctx, "tracked", "http://t.example/p.gif"))
			require.NoError(t, s.Record(ctx, "clean-1", ""))
			require.NoError(t, s.Record(ctx, "clean-2", ""))

			n, err := s.FlushUntracked(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, found, _ := s.Lookup(ctx, "clean-1")
			assert.False(t, found)
			pixel, found, _ := s.Lookup(ctx, "tracked")
			assert.True(t, found)
			assert.Equal(t, "http://t.example/p.gif", pixel)

			n, err = s.FlushUntracked(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestRedisKeys(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	s := NewRedis(rdb)
	require.NoError(t, s.Setup(ctx, "7"))
	require.NoError(t, s.Record(ctx, "m1", "p"))

	v, err := mr.Get("uglyemail:version")
	require.NoError(t, err)
	assert.Equal(t, "7", v)
	assert.Equal(t, "p", mr.HGet("uglyemail:records", "m1"))

	prefixed := NewRedis(rdb, WithKeyPrefix("tenant"))
	require.NoError(t, prefixed.Setup(ctx, "9"))
	assert.True(t, mr.Exists("tenant:version"))

	current, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", current, "prefixes are isolated")
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb)
	mr.Close()

	assert.Error(t, s.Init(ctx))
	_, err := s.CurrentVersion(ctx)
	assert.Error(t, err)
	_, _, err = s.Lookup(ctx, "m1")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Dial(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	defer rdb.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = Dial(context.Background(), addr, 0)
	assert.Error(t, err)
}
