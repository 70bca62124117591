// Package supervisor runs the fleet's periodic background tasks: health
// monitoring, scaling checks, quota sweeps, queue draining and the
// auto-pause cycle. Each task runs on its own ticker; a failing or
// panicking cycle is logged and the task keeps going.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"agentfleet/pkg/logx"
)

// FailureAction defines what to do when a task keeps failing.
type FailureAction int

const (
	// Continue keeps running the task on its schedule.
	Continue FailureAction = iota
	// FatalShutdown asks the ShutdownHandler to stop the process.
	FatalShutdown
)

// ShutdownHandler is asked to stop the process when a FatalShutdown task
// exhausts its failures.
type ShutdownHandler interface {
	Shutdown(exitCode int, reason string)
}

// CancelShutdownHandler cancels a context instead of exiting, letting the
// daemon run its normal graceful shutdown.
type CancelShutdownHandler struct {
	logger *logx.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// NewCancelShutdownHandler creates a handler that calls cancel on shutdown.
func NewCancelShutdownHandler(logger *logx.Logger, cancel context.CancelFunc) *CancelShutdownHandler {
	return &CancelShutdownHandler{logger: logger, cancel: cancel}
}

// Shutdown records the reason and cancels the context.
func (h *CancelShutdownHandler) Shutdown(exitCode int, reason string) {
	h.logger.Error("GRACEFUL SHUTDOWN: %s (exit code: %d)", reason, exitCode)
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
	h.cancel()
}

// Reason returns the reason passed to Shutdown, empty if never called.
func (h *CancelShutdownHandler) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// RunAtStart runs the first cycle immediately instead of after Interval.
	RunAtStart bool
	// OnFailure applies after MaxFailures consecutive failed cycles.
	OnFailure   FailureAction
	MaxFailures int
}

// TaskStatus is a snapshot of one task's history.
type TaskStatus struct {
	Name                string
	Runs                int
	Failures            int
	ConsecutiveFailures int
	LastRun             time.Time
	LastError           string
}

type taskState struct {
	task   Task
	status TaskStatus
}

// Supervisor owns the background tasks.
type Supervisor struct {
	Logger          *logx.Logger
	ShutdownHandler ShutdownHandler

	mu      sync.Mutex
	tasks   []*taskState
	running bool
	runCtx  context.Context //nolint:containedctx // parent of tasks added after Start
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates an idle supervisor. Set ShutdownHandler before
// Start for FatalShutdown tasks to take effect.
func NewSupervisor() *Supervisor {
	return &Supervisor{Logger: logx.NewLogger("supervisor")}
}

// Add registers a task. Tasks added after Start are started immediately.
func (s *Supervisor) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", t.Name, t.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tasks {
		if ts.task.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	ts := &taskState{task: t, status: TaskStatus{Name: t.Name}}
	s.tasks = append(s.tasks, ts)
	if s.running {
		s.launch(ts)
	}
	return nil
}

// Start launches every registered task under ctx.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.Logger.Warn("Supervisor already running")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.runCtx = ctx
	s.Logger.Info("Starting %d background tasks", len(s.tasks))
	for _, ts := range s.tasks {
		s.launch(ts)
	}
}

// Stop cancels every task and waits for in-flight cycles to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.Logger.Info("All background tasks stopped")
}

// Status returns a snapshot of every task in registration order.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, len(s.tasks))
	for i, ts := range s.tasks {
		out[i] = ts.status
	}
	return out
}

// launch must be called with s.mu held.
func (s *Supervisor) launch(ts *taskState) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, ts)
	}()
}

func (s *Supervisor) loop(ctx context.Context, ts *taskState) {
	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()

	if ts.task.RunAtStart {
		s.runOnce(ctx, ts)
	}
	for {
		select {
		case <-ctx.Done():
			logx.Debug(ctx, "supervisor", "task %s stopping", ts.task.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, ts)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, ts *taskState) {
	if ctx.Err() != nil {
		return
	}
	err := s.safeRun(ctx, ts.task)

	s.mu.Lock()
	st := &ts.status
	st.Runs++
	st.LastRun = time.Now()
	shutdown := false
	if err != nil {
		st.Failures++
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		shutdown = ts.task.OnFailure == FatalShutdown && ts.task.MaxFailures > 0 &&
			st.ConsecutiveFailures >= ts.task.MaxFailures
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
	}
	failures := st.ConsecutiveFailures
	handler := s.ShutdownHandler
	s.mu.Unlock()

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Cancelled mid-cycle during shutdown.
		return
	}
	s.Logger.Error("Task %s failed (%d in a row): %v", ts.task.Name, failures, err)
	if shutdown && handler == nil {
		s.Logger.Error("Task %s exceeded its failure limit but no shutdown handler is set", ts.task.Name)
		return
	}
	if shutdown {
		handler.Shutdown(1, fmt.Sprintf("task %s failed %d times in a row: %v", ts.task.Name, failures, err))
	}
}

func (s *Supervisor) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("Task %s panicked: %v\n%s", t.Name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
