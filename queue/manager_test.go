package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstNeverExceedsWorkerBound(t *testing.T) {
	m := NewManager(5, 0, 0)
	m.Start()
	defer m.Stop()

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		_, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(5))
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		_, err := m.Submit("owner-a", KindDetect, func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestRemoveWaitingJob(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	gate := make(chan struct{})
	blocker, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
		<-gate
		return nil
	})
	require.NoError(t, err)

	ran := make(chan struct{})
	victim, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	require.NoError(t, err)

	// Wait until the blocker occupies the single worker.
	require.Eventually(t, func() bool { return blocker.Status() == StatusActive },
		time.Second, 5*time.Millisecond)

	assert.True(t, m.Remove(victim.ID))
	close(gate)

	require.Eventually(t, func() bool { return blocker.Status() == StatusCompleted },
		time.Second, 5*time.Millisecond)
	select {
	case <-ran:
		t.Fatal("removed waiting job must never execute")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusWaiting, victim.Status())
}

func TestRemoveActiveJobDoesNotInterrupt(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	gate := make(chan struct{})
	job, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
		<-gate
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.Status() == StatusActive },
		time.Second, 5*time.Millisecond)

	assert.True(t, m.Remove(job.ID), "active job removal drops bookkeeping")
	close(gate)

	require.Eventually(t, func() bool { return job.Status() == StatusCompleted },
		time.Second, 5*time.Millisecond, "execution runs to completion regardless")
}

func TestRemoveUnknownJob(t *testing.T) {
	m := NewManager(1, 0, 0)
	defer m.Stop()
	assert.False(t, m.Remove("no-such-job"))
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	job, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.Status() == StatusFailed },
		time.Second, 5*time.Millisecond)

	assert.False(t, job.setStatus(StatusActive), "terminal states never transition")
	assert.Equal(t, StatusFailed, job.Status())
}

func TestIdleQueueCollected(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	job, err := m.Submit("owner-a", KindDetect, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return job.Status() == StatusCompleted },
		time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.QueueCount())

	// Not idle long enough yet.
	m.sweepIdleQueues(time.Now())
	assert.Equal(t, 1, m.QueueCount())

	m.sweepIdleQueues(time.Now().Add(time.Hour))
	assert.Equal(t, 0, m.QueueCount())

	// A new submission for the same owner recreates the queue.
	_, err = m.Submit("owner-a", KindDetect, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, m.QueueCount())
}

func TestSubmitAfterStop(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	m.Stop()

	_, err := m.Submit("owner-a", KindDetect, func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestPanickingJobMarkedFailed(t *testing.T) {
	m := NewManager(1, 0, 0)
	m.Start()
	defer m.Stop()

	job, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.Status() == StatusFailed },
		time.Second, 5*time.Millisecond)

	// The worker survives and serves the next job.
	next, err := m.Submit("owner-a", KindSync, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return next.Status() == StatusCompleted },
		time.Second, 5*time.Millisecond)
}

func TestSubmitRacingIdleSweepNeverStrandsJob(t *testing.T) {
	m := NewManager(2, time.Minute, time.Hour)
	defer m.Stop()

	for i := 0; i < 25; i++ {
		// Leave an established queue looking idle to the sweeper.
		warm, err := m.Submit("owner-a", KindDetect, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		require.Eventually(t, func() bool { return warm.Status() == StatusCompleted },
			2*time.Second, time.Millisecond)

		sweepDone := make(chan struct{})
		go func() {
			defer close(sweepDone)
			m.sweepIdleQueues(time.Now().Add(time.Hour))
		}()
		job, err := m.Submit("owner-a", KindDetect, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		<-sweepDone

		require.Eventually(t, func() bool { return job.Status() == StatusCompleted },
			2*time.Second, time.Millisecond,
			"a job submitted while the sweeper runs must still execute")
	}
}
