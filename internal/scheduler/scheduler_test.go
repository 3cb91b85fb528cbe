package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(t *testing.T, s *Scheduler, name string) TaskStatus {
	t.Helper()
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("task %s not found", name)
	return TaskStatus{}
}

func TestAddValidates(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Name: "", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(Task{Name: "a", Interval: 0, Run: noop}))
	require.NoError(t, s.Add(Task{Name: "a", Interval: time.Second, Run: noop}))
	assert.ErrorIs(t, s.Add(Task{Name: "a", Interval: time.Second, Run: noop}), ErrDuplicateTask)

	s.Start(context.Background())
	defer s.Stop()
	assert.ErrorIs(t, s.Add(Task{Name: "b", Interval: time.Second, Run: noop}), ErrStarted)
}

func TestFailingAndPanickingTasksDoNotStopOthers(t *testing.T) {
	s := New()
	var healthy atomic.Int64
	require.NoError(t, s.Add(Task{Name: "boom", Interval: 5 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		panic("nil map")
	}}))
	require.NoError(t, s.Add(Task{Name: "fail", Interval: 5 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		return errors.New("venue down")
	}}))
	require.NoError(t, s.Add(Task{Name: "ok", Interval: 5 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		healthy.Add(1)
		return nil
	}}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return healthy.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	require.NoError(t, s.Wait(context.Background()))

	boom := status(t, s, "boom")
	assert.GreaterOrEqual(t, boom.Failures, int64(2))
	assert.Contains(t, boom.LastError, "nil map")
	fail := status(t, s, "fail")
	assert.Equal(t, "venue down", fail.LastError)
	assert.Zero(t, status(t, s, "ok").Failures)
}

func TestTaskNeverOverlapsItself(t *testing.T) {
	s := New()
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int64
	require.NoError(t, s.Add(Task{Name: "slow", Interval: 2 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		<-release
		concurrent.Add(-1)
		return nil
	}}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return status(t, s, "slow").Skipped >= 3 }, 2*time.Second, 2*time.Millisecond)
	assert.True(t, status(t, s, "slow").Running)
	s.Stop()
	close(release)
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, int64(1), maxConcurrent.Load())
	assert.Equal(t, int64(1), status(t, s, "slow").Runs)
}

func TestStopLetsInFlightRunFinish(t *testing.T) {
	s := New()
	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool
	require.NoError(t, s.Add(Task{Name: "recon", Interval: time.Hour, RunAtStart: true, Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		finished.Store(true)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	<-started
	cancel()
	s.Stop()
	s.Stop()

	require.NoError(t, s.Wait(context.Background()))
	assert.True(t, finished.Load())
	assert.False(t, sawCancel.Load())
}
