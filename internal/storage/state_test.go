package storage_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	key := "task:" + uuid.NewString()

	err := testStore.PutState(ctx, key, []byte("hello world"), time.Minute, true)
	require.NoError(t, err)

	got, found, err := testStore.GetState(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello world"), got)
}

func TestGetState_Missing(t *testing.T) {
	ctx := context.Background()

	_, found, err := testStore.GetState(ctx, "task:"+uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutState_CompressesLargeValues(t *testing.T) {
	ctx := context.Background()
	key := "task:" + uuid.NewString()

	// One byte over the 1 MiB boundary must round-trip through gzip
	// transparently (spec.md §8's compression boundary property).
	large := bytes.Repeat([]byte("x"), 1024*1024+1)

	require.NoError(t, testStore.PutState(ctx, key, large, time.Minute, true))

	testStore.EvictCache(key) // force a Tier B read to prove durable storage was compressed too
	got, found, err := testStore.GetState(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, large, got)
}

func TestPutState_ExactlyOneMiBUncompressed(t *testing.T) {
	ctx := context.Background()
	key := "task:" + uuid.NewString()

	exact := bytes.Repeat([]byte("y"), 1024*1024)
	require.NoError(t, testStore.PutState(ctx, key, exact, time.Minute, true))

	got, found, err := testStore.GetState(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, exact, got)
}

func TestGetState_BypassCacheLogsOnce(t *testing.T) {
	ctx := context.Background()
	key := "task:" + uuid.NewString()

	require.NoError(t, testStore.PutState(ctx, key, []byte("v"), time.Minute, true))

	_, found, err := testStore.GetStateBypassCache(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
}
