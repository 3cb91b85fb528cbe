// Package scheduler runs named periodic tasks. Each run is isolated: an
// error or panic is logged and counted and never stops other tasks. A task
// never overlaps itself; a tick that finds the previous run still going is
// skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrStarted is returned when tasks are added after Start.
	ErrStarted = errors.New("scheduler already started")
)

// Task is one named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart fires the first run immediately instead of after Interval.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	Skipped   int64         `json:"skipped"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	Task
	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler owns the task timers.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	names   map[string]struct{}
	started bool
	stop    chan struct{}
	loops   conc.WaitGroup
	runs    sync.WaitGroup
	now     func() time.Time
}

func New() *Scheduler {
	return &Scheduler{names: make(map[string]struct{}), stop: make(chan struct{}), now: time.Now}
}

// Add registers t. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil || t.Interval <= 0 {
		return fmt.Errorf("task %q: name, run func and positive interval are required", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, dup := s.names[t.Name]; dup {
		return fmt.Errorf("%s: %w", t.Name, ErrDuplicateTask)
	}
	s.names[t.Name] = struct{}{}
	s.tasks = append(s.tasks, &task{Task: t})
	return nil
}

// Start launches one timer loop per task. Runs receive ctx without its
// cancellation so Stop never interrupts a run midway.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	runCtx := context.WithoutCancel(ctx)
	for _, t := range s.tasks {
		s.loops.Go(func() { s.loop(ctx, runCtx, t) })
		log.Info().Str("task", t.Name).Dur("interval", t.Interval).Msg("task scheduled")
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context, t *task) {
	if t.RunAtStart {
		s.fire(runCtx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.fire(runCtx, t)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		log.Warn().Str("task", t.Name).Msg("previous run still in progress; skipping")
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer t.running.Store(false)
		s.execute(ctx, t)
	}()
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	start := s.now()
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = t.Run(ctx) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	t.runs.Add(1)
	t.mu.Lock()
	t.lastRun = start
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	if err != nil {
		t.failures.Add(1)
		log.Error().Err(err).Str("task", t.Name).Dur("took", s.now().Sub(start)).Msg("task failed")
		return
	}
	log.Debug().Str("task", t.Name).Dur("took", s.now().Sub(start)).Msg("task completed")
}

// Stop halts every timer and waits for the loops to exit. In-flight runs
// continue on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	s.loops.Wait()
}

// Wait blocks until in-flight runs finish or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status lists every task by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		st := TaskStatus{
			Name:     t.Name,
			Interval: t.Interval,
			Running:  t.running.Load(),
			Runs:     t.runs.Load(),
			Failures: t.failures.Load(),
			Skipped:  t.skipped.Load(),
		}
		t.mu.Lock()
		if !t.lastRun.IsZero() {
			at := t.lastRun
			st.LastRunAt = &at
		}
		st.LastError = t.lastErr
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
