// Package buckettest holds the behavior every bucket.Bucket implementation must share.
// Backends call Run from their own tests with a constructor for a fresh, empty bucket.
package buckettest

import (
	"context"
	"testing"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the conformance suite. `newBucket` must return an empty bucket; Run closes it.
func Run(t *testing.T, newBucket func(t *testing.T) bucket.Bucket) {
	t.Helper()
	for _, testCase := range []struct {
		name string
		test func(t *testing.T, ctx context.Context, b bucket.Bucket)
	}{
		{name: "get_missing", test: testGetMissing},
		{name: "put_and_get", test: testPutAndGet},
		{name: "put_overwrites", test: testPutOverwrites},
		{name: "values_are_copied", test: testValuesAreCopied},
		{name: "add_if_absent", test: testAddIfAbsent},
		{name: "delete", test: testDelete},
		{name: "ttl_expiry", test: testTTLExpiry},
		{name: "add_after_expiry", test: testAddAfterExpiry},
		{name: "delete_prefix", test: testDeletePrefix},
		{name: "keys", test: testKeys},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			b := newBucket(t)
			t.Cleanup(func() { _ = b.Close() })
			testCase.test(t, t.Context(), b)
		})
	}
}

func testGetMissing(t *testing.T, ctx context.Context, b bucket.Bucket) {
	value, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, bucket.ErrKeyNotFound)
	assert.Nil(t, value)
}

func testPutAndGet(t *testing.T, ctx context.Context, b bucket.Bucket) {
	require.NoError(t, b.Put(ctx, "k1", []byte("v1"), 0 /*ttl*/))
	require.NoError(t, b.Put(ctx, "k2", []byte("v2"), time.Hour))

	value, err := b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	value, err = b.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func testPutOverwrites(t *testing.T, ctx context.Context, b bucket.Bucket) {
	require.NoError(t, b.Put(ctx, "k", []byte("old"), time.Hour))
	require.NoError(t, b.Put(ctx, "k", []byte("new"), 0 /*ttl*/))
	value, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
}

func testValuesAreCopied(t *testing.T, ctx context.Context, b bucket.Bucket) {
	input := []byte("value")
	require.NoError(t, b.Put(ctx, "k", input, 0 /*ttl*/))
	input[0] = 'X'

	output, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), output)
	output[0] = 'Y'

	again, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func testAddIfAbsent(t *testing.T, ctx context.Context, b bucket.Bucket) {
	stored, err := b.Add(ctx, "k", []byte("first"), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = b.Add(ctx, "k", []byte("second"), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	value, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func testDelete(t *testing.T, ctx context.Context, b bucket.Bucket) {
	require.NoError(t, b.Put(ctx, "k", []byte("v"), 0 /*ttl*/))
	require.NoError(t, b.Delete(ctx, "k"))
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, bucket.ErrKeyNotFound)
	assert.NoError(t, b.Delete(ctx, "k"), "Deleting an absent key is not an error")
}

func testTTLExpiry(t *testing.T, ctx context.Context, b bucket.Bucket) {
	require.NoError(t, b.Put(ctx, "short", []byte("v"), 50*time.Millisecond))
	require.NoError(t, b.Put(ctx, "long", []byte("v"), time.Hour))
	require.NoError(t, b.Put(ctx, "forever", []byte("v"), 0 /*ttl*/))

	assert.Eventually(t, func() bool {
		_, err := b.Get(ctx, "short")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond)
	_, err := b.Get(ctx, "short")
	assert.ErrorIs(t, err, bucket.ErrKeyNotFound)

	for _, key := range []string{"long", "forever"} {
		_, err := b.Get(ctx, key)
		assert.NoError(t, err, "Key %s should still be live", key)
	}
}

func testAddAfterExpiry(t *testing.T, ctx context.Context, b bucket.Bucket) {
	stored, err := b.Add(ctx, "k", []byte("first"), 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, stored)

	assert.Eventually(t, func() bool {
		stored, err := b.Add(ctx, "k", []byte("second"), time.Hour)
		return err == nil && stored
	}, 3*time.Second, 10*time.Millisecond)
	value, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), value)
}

func testDeletePrefix(t *testing.T, ctx context.Context, b bucket.Bucket) {
	for _, key := range []string{"users:1", "users:2", "users*:1", "orders:1"} {
		require.NoError(t, b.Put(ctx, key, []byte(key), 0 /*ttl*/))
	}

	removed, err := b.DeletePrefix(ctx, "users:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	for _, key := range []string{"users:1", "users:2"} {
		_, err := b.Get(ctx, key)
		assert.ErrorIs(t, err, bucket.ErrKeyNotFound)
	}

	// Glob characters in the prefix are literal.
	removed, err = b.DeletePrefix(ctx, "users*:")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	value, err := b.Get(ctx, "orders:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("orders:1"), value)

	removed, err = b.DeletePrefix(ctx, "nothing:")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testKeys(t *testing.T, ctx context.Context, b bucket.Bucket) {
	for _, key := range []string{"users:2", "users:1", "users?:1", "orders:1"} {
		require.NoError(t, b.Put(ctx, key, []byte(key), 0 /*ttl*/))
	}
	require.NoError(t, b.Put(ctx, "users:expiring", []byte("v"), 50*time.Millisecond))

	keys, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, keys, "orders:1")

	assert.Eventually(t, func() bool {
		keys, err := b.Keys(ctx, "users:")
		return err == nil && assert.ObjectsAreEqual([]string{"users:1", "users:2"}, keys)
	}, 3*time.Second, 10*time.Millisecond, "Expired keys are not listed")

	keys, err = b.Keys(ctx, "missing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
