package hls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

func TestCacheHandOff(t *testing.T) {
	c := newFragmentCache(2)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &common.Fragment{URL: "a"}))
	require.NoError(t, c.Put(ctx, &common.Fragment{URL: "b"}))
	assert.Equal(t, 2, c.Len())

	frag, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", frag.URL)
	frag, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", frag.URL)
}

func TestCacheBackpressure(t *testing.T) {
	c := newFragmentCache(1)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, &common.Fragment{URL: "a"}))

	// a full cache blocks the producer until the consumer drains a slot
	unblocked := make(chan error, 1)
	go func() {
		unblocked <- c.Put(ctx, &common.Fragment{URL: "b"})
	}()

	select {
	case <-unblocked:
		t.Fatal("Put returned with the cache full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := c.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, <-unblocked)
}

func TestCacheAbortWakesProducer(t *testing.T) {
	c := newFragmentCache(1)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, &common.Fragment{URL: "a"}))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- c.Put(ctx, &common.Fragment{URL: "b"})
	}()

	c.Abort()
	assert.ErrorIs(t, <-unblocked, errCacheAborted)
	assert.True(t, c.Aborted())
}

func TestCacheAbortWakesConsumer(t *testing.T) {
	c := newFragmentCache(1)

	unblocked := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background())
		unblocked <- err
	}()

	c.Abort()
	assert.ErrorIs(t, <-unblocked, errCacheAborted)
}

func TestCacheGetDrainsAfterAbort(t *testing.T) {
	c := newFragmentCache(2)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, &common.Fragment{URL: "a"}))
	c.Abort()

	// queued fragments are still handed out so Stop does not leak them
	frag, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", frag.URL)

	_, err = c.Get(ctx)
	assert.ErrorIs(t, err, errCacheAborted)
}

func TestCacheContextCancellation(t *testing.T) {
	c := newFragmentCache(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
