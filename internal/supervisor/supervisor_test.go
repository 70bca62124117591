package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler captures shutdown requests instead of exiting.
type recordingHandler struct {
	calls  atomic.Int32
	reason atomic.Value
}

func (h *recordingHandler) Shutdown(_ int, reason string) {
	h.calls.Add(1)
	h.reason.Store(reason)
}

func TestAddValidation(t *testing.T) {
	s := NewSupervisor()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(Task{Name: "x", Interval: time.Second}))
	assert.Error(t, s.Add(Task{Name: "x", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(Task{Name: "x", Interval: time.Second, Run: noop}), "duplicate name")
}

func TestTasksRunPeriodically(t *testing.T) {
	s := NewSupervisor()
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "tick", status[0].Name)
	assert.Zero(t, status[0].Failures)
}

func TestRunAtStart(t *testing.T) {
	s := NewSupervisor()
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Task{
		Name:       "eager",
		Interval:   time.Hour,
		RunAtStart: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run at start")
	}
}

func TestFailuresAndPanicsDoNotStopTask(t *testing.T) {
	s := NewSupervisor()
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("worse")
		}
		return nil
	}}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, time.Millisecond)
	st := s.Status()[0]
	assert.Equal(t, 2, st.Failures)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestFatalShutdownAfterConsecutiveFailures(t *testing.T) {
	s := NewSupervisor()
	h := &recordingHandler{}
	s.ShutdownHandler = h
	require.NoError(t, s.Add(Task{
		Name:        "db",
		Interval:    5 * time.Millisecond,
		OnFailure:   FatalShutdown,
		MaxFailures: 3,
		Run:         func(context.Context) error { return errors.New("database is locked") },
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return h.calls.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Contains(t, h.reason.Load().(string), "task db failed 3 times")
}

func TestFatalTaskWithoutHandlerKeepsRunning(t *testing.T) {
	s := NewSupervisor()
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:        "db",
		Interval:    5 * time.Millisecond,
		OnFailure:   FatalShutdown,
		MaxFailures: 1,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("database is locked")
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestCancelShutdownHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewCancelShutdownHandler(NewSupervisor().Logger, cancel)

	h.Shutdown(1, "stop now")
	assert.Equal(t, "stop now", h.Reason())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStopWaitsForRunningCycle(t *testing.T) {
	s := NewSupervisor()
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Add(Task{
		Name:       "slow",
		Interval:   time.Hour,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	}))

	s.Start(context.Background())
	<-started
	s.Stop()
	assert.True(t, finished.Load())
	assert.Equal(t, context.Canceled.Error(), s.Status()[0].LastError, "cancelled cycle is still recorded")
}

func TestAddAfterStart(t *testing.T) {
	s := NewSupervisor()
	s.Start(context.Background())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "late", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
}
