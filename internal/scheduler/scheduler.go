package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hypewatch/internal/metrics"
)

var (
	// ErrTask wraps any error or panic raised inside a task cycle.
	ErrTask = errors.New("task cycle failed")
	// ErrTaskBusy is returned by RunNow when the task already has a cycle in flight.
	ErrTaskBusy        = errors.New("task cycle already running")
	ErrUnknownTask     = errors.New("unknown task")
	ErrAlreadyRunning  = errors.New("scheduler is running")
	ErrNotRunning      = errors.New("scheduler is not running")
	errInvalidTaskSpec = errors.New("invalid task")
)

// TaskFunc is one cycle of a periodic task.
type TaskFunc func(ctx context.Context) error

// Task describes a named periodic job.
type Task struct {
	Name string
	// Interval must be a whole number of seconds; cron's @every has one-second resolution.
	Interval time.Duration
	// Timeout bounds a single cycle; zero means no bound.
	Timeout time.Duration
	Run     TaskFunc
}

// TaskState is the lifecycle position of a task loop.
type TaskState int32

const (
	StateIdle TaskState = iota
	StateExecuting
	StateSleeping
)

func (s TaskState) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StateSleeping:
		return "sleeping"
	default:
		return "idle"
	}
}

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Interval     string     `json:"interval"`
	Runs         uint64     `json:"runs"`
	Failures     uint64     `json:"failures"`
	Skipped      uint64     `json:"skipped"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Options tune scheduler behaviour.
type Options struct {
	// RunOnStart runs every task once immediately when the scheduler starts.
	RunOnStart   bool
	StartupDelay time.Duration
}

// Scheduler owns one periodic loop per registered task. Loops are isolated:
// errors and panics are logged and the loop continues on its next tick.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	cron     *cron.Cron
	running  bool
	baseCtx  context.Context
	stopping chan struct{}
	wg       sync.WaitGroup
}

type entry struct {
	task Task

	state    atomic.Int32
	busy     atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	mu           sync.Mutex
	lastStarted  time.Time
	lastFinished time.Time
	lastDuration time.Duration
	lastErr      string
}

// New constructs a stopped Scheduler.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		byName: make(map[string]*entry),
	}
}

// Register adds a task. Tasks can only be registered while the scheduler is stopped.
func (s *Scheduler) Register(task Task) error {
	switch {
	case task.Name == "":
		return fmt.Errorf("%w: name required", errInvalidTaskSpec)
	case task.Interval < time.Second:
		return fmt.Errorf("%w: %s interval must be at least 1s", errInvalidTaskSpec, task.Name)
	case task.Interval%time.Second != 0:
		return fmt.Errorf("%w: %s interval %s is not a whole number of seconds", errInvalidTaskSpec, task.Name, task.Interval)
	case task.Run == nil:
		return fmt.Errorf("%w: %s has no body", errInvalidTaskSpec, task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if _, exists := s.byName[task.Name]; exists {
		return fmt.Errorf("%w: duplicate task %s", errInvalidTaskSpec, task.Name)
	}

	e := &entry{task: task}
	s.entries = append(s.entries, e)
	s.byName[task.Name] = e
	return nil
}

// Start begins every task loop. Calling Start on a running scheduler is a no-op.
// Cycles run with a context derived from ctx that is never cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Debug().Msg("scheduler already running")
		return nil
	}

	c := cron.New(cron.WithLogger(cronLogger{logger: s.logger}))
	for _, e := range s.entries {
		e := e
		spec := "@every " + e.task.Interval.String()
		if _, err := c.AddFunc(spec, func() { s.fire(e) }); err != nil {
			return fmt.Errorf("schedule task %s: %w", e.task.Name, err)
		}
	}

	s.cron = c
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopping = make(chan struct{})
	s.running = true
	c.Start()

	if s.opts.RunOnStart {
		for _, e := range s.entries {
			s.wg.Add(1)
			go s.kick(s.baseCtx, e, s.stopping)
		}
	}

	s.logger.Info().Int("tasks", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop halts the tick sources and waits for every in-flight cycle to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopping)
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()

	for _, e := range s.entries {
		e.state.Store(int32(StateIdle))
	}
	s.logger.Info().Msg("scheduler stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow executes one cycle of the named task synchronously, honouring the overlap guard.
// The scheduler must be running, and Stop waits for the cycle like any ticked one.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ran, err := s.runOnce(context.WithoutCancel(ctx), e)
	if !ran {
		return ErrTaskBusy
	}
	return err
}

// Snapshot returns the status of every task in registration order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		status := TaskStatus{
			Name:     e.task.Name,
			State:    TaskState(e.state.Load()).String(),
			Interval: e.task.Interval.String(),
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
		}

		e.mu.Lock()
		if !e.lastStarted.IsZero() {
			started := e.lastStarted
			status.LastStarted = &started
		}
		if !e.lastFinished.IsZero() {
			finished := e.lastFinished
			status.LastFinished = &finished
			status.LastDuration = e.lastDuration.String()
		}
		status.LastError = e.lastErr
		e.mu.Unlock()

		out = append(out, status)
	}
	return out
}

func (s *Scheduler) kick(ctx context.Context, e *entry, stopping <-chan struct{}) {
	defer s.wg.Done()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		defer timer.Stop()
		select {
		case <-stopping:
			return
		case <-timer.C:
		}
	}
	s.runOnce(ctx, e)
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()

	defer s.wg.Done()
	s.runOnce(ctx, e)
}

// runOnce executes a cycle unless one is already in flight for the task.
func (s *Scheduler) runOnce(ctx context.Context, e *entry) (bool, error) {
	name := e.task.Name
	if !e.busy.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		metrics.CyclesTotal.WithLabelValues(name, metrics.OutcomeSkipped).Inc()
		s.logger.Warn().Str("task", name).Msg("previous cycle still running, tick skipped")
		return false, nil
	}
	defer e.busy.Store(false)

	e.state.Store(int32(StateExecuting))
	started := time.Now()
	e.mu.Lock()
	e.lastStarted = started
	e.mu.Unlock()

	panicked, err := s.invoke(ctx, e)
	elapsed := time.Since(started)

	e.runs.Add(1)
	e.mu.Lock()
	e.lastFinished = time.Now()
	e.lastDuration = elapsed
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	outcome := metrics.OutcomeOK
	switch {
	case panicked:
		outcome = metrics.OutcomePanic
	case err != nil:
		outcome = metrics.OutcomeError
	}
	metrics.CyclesTotal.WithLabelValues(name, outcome).Inc()
	metrics.CycleDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		e.failures.Add(1)
		s.logger.Error().Err(err).Str("task", name).Dur("elapsed", elapsed).Msg("task cycle failed")
	} else {
		s.logger.Debug().Str("task", name).Dur("elapsed", elapsed).Msg("task cycle completed")
	}

	e.state.Store(int32(StateSleeping))
	return true, err
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) (panicked bool, err error) {
	if e.task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", e.task.Name).Bytes("stack", debug.Stack()).Msg("task cycle panicked")
			err = fmt.Errorf("%w: %s: panic: %v", ErrTask, e.task.Name, r)
			panicked = true
		}
	}()

	if runErr := e.task.Run(ctx); runErr != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrTask, e.task.Name, runErr)
	}
	return false, nil
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

var _ cron.Logger = cronLogger{}
