// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leafsii/leafsii-farming/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"SetWithTTL", testSetWithTTL},
		{"SetNX", testSetNX},
		{"DelExists", testDelExists},
		{"HashOperations", testHashOperations},
		{"HMSetAllFields", testHMSetAllFields},
		{"ListOperations", testListOperations},
		{"ListTrim", testListTrim},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "kvtest:string", []byte("hello world")))

	result, err := store.Get(ctx, "kvtest:string")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), result)

	require.NoError(t, store.Set(ctx, "kvtest:string", []byte("replaced")))
	result, err = store.Get(ctx, "kvtest:string")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), result)
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "kvtest:nonexistent")
	assert.True(t, errors.Is(err, kv.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()
	_, err := store.Del(ctx, "kvtest:nx")
	require.NoError(t, err)

	ok, err := store.SetNX(ctx, "kvtest:nx", []byte("first"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "kvtest:nx", []byte("second"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	result, err := store.Get(ctx, "kvtest:nx")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result)

	time.Sleep(120 * time.Millisecond)
	ok, err = store.SetNX(ctx, "kvtest:nx", []byte("third"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "kvtest:ttl", []byte("short"), 50*time.Millisecond))

	_, err := store.Get(ctx, "kvtest:ttl")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	_, err = store.Get(ctx, "kvtest:ttl")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testDelExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "kvtest:a", []byte("1")))
	require.NoError(t, store.HSet(ctx, "kvtest:h", "f", []byte("1")))

	n, err := store.Exists(ctx, "kvtest:a", "kvtest:h", "kvtest:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Del(ctx, "kvtest:a", "kvtest:h", "kvtest:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Exists(ctx, "kvtest:a", "kvtest:h")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testHashOperations(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:hash"

	_, err := store.HGet(ctx, key, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.HGetAll(ctx, key)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.HSet(ctx, key, "one", []byte("1")))
	require.NoError(t, store.HSet(ctx, key, "two", []byte("2")))

	v, err := store.HGet(ctx, key, "two")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	all, err := store.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"one": []byte("1"), "two": []byte("2")}, all)

	n, err := store.HDel(ctx, key, "one", "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.HGet(ctx, key, "one")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testHMSetAllFields(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:hmset"

	require.NoError(t, store.HSet(ctx, key, "keep", []byte("k")))
	require.NoError(t, store.HMSet(ctx, key, map[string][]byte{
		"a": []byte("10"),
		"b": []byte("20"),
	}))
	require.NoError(t, store.HMSet(ctx, key, nil))

	all, err := store.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, []byte("20"), all["b"])
	assert.Equal(t, []byte("k"), all["keep"])
}

func testListOperations(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:list"

	_, err := store.LRange(ctx, key, 0, -1)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	n, err := store.LPush(ctx, key, []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.LPush(ctx, key, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	values, err := store.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, values)

	values, err = store.LRange(ctx, key, -2, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("a")}, values)

	values, err = store.LRange(ctx, key, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func testListTrim(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:trim"

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		_, err := store.LPush(ctx, key, []byte(v))
		require.NoError(t, err)
	}
	require.NoError(t, store.LTrim(ctx, key, 0, 2))

	values, err := store.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("5"), []byte("4"), []byte("3")}, values)

	require.NoError(t, store.LTrim(ctx, "kvtest:trim-missing", 0, 10))
}

func testPing(t *testing.T, store kv.Store) {
	assert.NoError(t, store.Ping(context.Background()))
}
