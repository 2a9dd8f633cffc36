package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelTriggersSignalAndCleanup(t *testing.T) {
	r := NewRegistry()

	ctx, cancelFn := context.WithCancel(context.Background())
	cleanups := 0
	r.Register("op-1", KindDetect, "owner-a", cancelFn, func() { cleanups++ })
	require.Equal(t, 1, r.Len())

	require.True(t, r.Cancel("op-1"))
	assert.Error(t, ctx.Err(), "cancel must trigger the signal source")
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, 0, r.Len())

	assert.False(t, r.Cancel("op-1"), "second cancel finds nothing")
}

func TestCancelUnknownID(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel("nope"))
}

func TestUnregisterSkipsCleanup(t *testing.T) {
	r := NewRegistry()

	ctx, cancelFn := context.WithCancel(context.Background())
	cleanups := 0
	r.Register("op-1", KindAddAccount, "owner-a", cancelFn, func() { cleanups++ })

	r.Unregister("op-1")
	assert.Error(t, ctx.Err(), "unregister releases the context")
	assert.Equal(t, 0, cleanups, "cleanup is reserved for cancellation")
	assert.Equal(t, 0, r.Len())
}

func TestCancelByPrefix(t *testing.T) {
	r := NewRegistry()

	var contexts []context.Context
	register := func(id string) {
		ctx, cancelFn := context.WithCancel(context.Background())
		contexts = append(contexts, ctx)
		r.Register(id, KindDetect, "owner-a", cancelFn, nil)
	}
	register("batch-42-aaa")
	register("batch-42-bbb")
	register("batch-42-ccc")
	register("batch-7-ddd")
	register("other-eee")

	count := r.CancelByPrefix("batch-42")
	assert.Equal(t, 3, count)
	assert.Equal(t, 2, r.Len())

	for i, ctx := range contexts[:3] {
		assert.Error(t, ctx.Err(), "batch member %d must be cancelled", i)
	}
	for i, ctx := range contexts[3:] {
		assert.NoError(t, ctx.Err(), "unrelated operation %d must be untouched", i)
	}
}

func TestSweepExpiresStaleOperations(t *testing.T) {
	r := NewRegistry()

	freshCtx, freshCancel := context.WithCancel(context.Background())
	staleCtx, staleCancel := context.WithCancel(context.Background())
	cleanups := 0
	r.Register("fresh", KindDetect, "owner-a", freshCancel, nil)
	r.Register("stale", KindDetect, "owner-a", staleCancel, func() { cleanups++ })

	// Age only the stale entry past the ceiling.
	r.mu.Lock()
	r.ops["stale"].startedAt = time.Now().Add(-6 * time.Minute)
	r.mu.Unlock()

	r.sweep(time.Now())

	assert.Error(t, staleCtx.Err())
	assert.Equal(t, 1, cleanups)
	assert.NoError(t, freshCtx.Err())
	assert.Equal(t, 1, r.Len())
}

func TestStartStopSweepLoop(t *testing.T) {
	r := NewRegistry()
	r.sweepInterval = 10 * time.Millisecond
	r.maxAge = time.Nanosecond

	ctx, cancelFn := context.WithCancel(context.Background())
	r.Register("op-1", KindDetect, "owner-a", cancelFn, nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return ctx.Err() != nil },
		time.Second, 5*time.Millisecond, "sweep loop must expire the operation")
	assert.Equal(t, 0, r.Len())
}
