package prefixcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisStore(client)
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_LazyExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(10 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_LenEvictsExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "live", []byte("v"), time.Minute))
	require.NoError(t, store.Set(ctx, "dead", []byte("v"), 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, store.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'X'

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), value)
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 100*time.Millisecond))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_LenCountsOwnKeysOnly(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))
	// A foreign key in the same database must not be counted.
	require.NoError(t, mr.Set("unrelated", "x"))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTieredStore_RemoteHitBackfillsLocal(t *testing.T) {
	_, remote := setupTestRedis(t)
	local := NewMemoryStore()
	tiered := NewTieredStore(local, remote, time.Minute, zap.NewNop())
	ctx := context.Background()

	// Seed only the remote tier.
	require.NoError(t, remote.Set(ctx, "k", []byte("v"), time.Minute))

	value, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// The hit must now be answerable from the local tier alone.
	require.NoError(t, remote.Delete(ctx, "k"))
	value, ok, err = tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestTieredStore_SetWritesBothTiers(t *testing.T) {
	_, remote := setupTestRedis(t)
	local := NewMemoryStore()
	tiered := NewTieredStore(local, remote, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = remote.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTieredStore_DeleteClearsBothTiers(t *testing.T) {
	_, remote := setupTestRedis(t)
	local := NewMemoryStore()
	tiered := NewTieredStore(local, remote, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, tiered.Delete(ctx, "k"))

	_, ok, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = remote.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("store down") }
func (failingStore) Len(context.Context) (int, error)     { return 0, errors.New("store down") }

func TestTieredStore_RemoteFailureReadsAsMiss(t *testing.T) {
	tiered := NewTieredStore(NewMemoryStore(), failingStore{}, time.Minute, zap.NewNop())

	_, ok, err := tiered.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredStore_LocalHitSkipsRemote(t *testing.T) {
	local := NewMemoryStore()
	tiered := NewTieredStore(local, failingStore{}, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, local.Set(ctx, "k", []byte("v"), time.Minute))

	value, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}
