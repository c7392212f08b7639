package hls

import (
	"context"
	"sync"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// errCacheAborted reports that the stream was stopped while blocked on
// the fragment cache
var errCacheAborted = common.NewStreamError(common.StreamTypeHLS, "",
	common.ErrCodeConnection, "fragment cache aborted", nil)

// fragmentCache is the bounded hand-off buffer between one track's
// fetch loop and its inject loop. Fetching blocks when it is full and
// injection blocks when it is empty, which is the backpressure contract
// between the two loops. Abort wakes both sides without requiring the
// blocked operation to complete.
type fragmentCache struct {
	slots     chan *common.Fragment
	abort     chan struct{}
	abortOnce sync.Once
}

func newFragmentCache(capacity int) *fragmentCache {
	if capacity < 1 {
		capacity = 1
	}
	return &fragmentCache{
		slots: make(chan *common.Fragment, capacity),
		abort: make(chan struct{}),
	}
}

// Put blocks until a slot frees up, the context ends, or the cache is
// aborted
func (c *fragmentCache) Put(ctx context.Context, frag *common.Fragment) error {
	select {
	case <-c.abort:
		return errCacheAborted
	default:
	}
	select {
	case c.slots <- frag:
		return nil
	case <-c.abort:
		return errCacheAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until a fragment is available, the context ends, or the
// cache is aborted. A nil fragment with nil error signals a clean
// end-of-track.
func (c *fragmentCache) Get(ctx context.Context) (*common.Fragment, error) {
	select {
	case frag := <-c.slots:
		return frag, nil
	case <-c.abort:
		// drain anything already queued so Stop does not leak buffers
		select {
		case frag := <-c.slots:
			return frag, nil
		default:
		}
		return nil, errCacheAborted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort permanently wakes all blocked producers and consumers
func (c *fragmentCache) Abort() {
	c.abortOnce.Do(func() {
		close(c.abort)
	})
}

// Aborted reports whether Abort has been called
func (c *fragmentCache) Aborted() bool {
	select {
	case <-c.abort:
		return true
	default:
		return false
	}
}

// Len returns the number of queued fragments
func (c *fragmentCache) Len() int {
	return len(c.slots)
}
