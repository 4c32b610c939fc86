package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hypewatch/internal/config"
	"hypewatch/internal/scheduler"
	"hypewatch/internal/storage"
)

// Scheduled task names.
const (
	TaskAlertChecker    = "alert_checker"
	TaskWhaleMonitor    = "whale_monitor"
	TaskTrendingUpdater = "trending_updater"
)

// Cycle is one task body.
type Cycle interface {
	RunCycle(ctx context.Context) error
}

// Loops are the cycle bodies registered on the scheduler. A nil loop is not registered.
type Loops struct {
	Alerts   Cycle
	Whales   Cycle
	Trending Cycle
}

// Service registers the alerting loops on a scheduler and runs them until cancelled.
type Service struct {
	scheduler *scheduler.Scheduler
	loops     Loops
	cfg       config.SchedulerConfig
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the service. When store supports advisory locks and a lock key is
// configured, each cycle runs only while holding the lock.
func New(cfg *config.Config, sched *scheduler.Scheduler, loops Loops, store any, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		loops:     loops,
		cfg:       cfg.Scheduler,
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Register adds every configured loop to the scheduler.
func (s *Service) Register() error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	tasks := []struct {
		name     string
		loop     Cycle
		interval time.Duration
	}{
		{TaskAlertChecker, s.loops.Alerts, s.cfg.AlertInterval},
		{TaskWhaleMonitor, s.loops.Whales, s.cfg.WhaleInterval},
		{TaskTrendingUpdater, s.loops.Trending, s.cfg.TrendingInterval},
	}

	for i, t := range tasks {
		if t.loop == nil {
			s.logger.Info().Str("task", t.name).Msg("task disabled")
			continue
		}
		// each task holds its own lock so sibling loops never block each other
		var lockKey int64
		if s.lockKey != 0 {
			lockKey = s.lockKey + int64(i)
		}
		task := scheduler.Task{
			Name:     t.name,
			Interval: t.interval,
			Timeout:  s.cfg.CycleTimeout,
			Run:      s.guarded(t.name, lockKey, t.loop),
		}
		if err := s.scheduler.Register(task); err != nil {
			return fmt.Errorf("register %s: %w", t.name, err)
		}
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it.
// In-flight cycles are allowed to finish.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("scheduler started")

	<-ctx.Done()

	s.scheduler.Stop()
	s.logger.Info().Msg("scheduler stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (s *Service) guarded(name string, lockKey int64, loop Cycle) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		unlock, proceed, err := s.acquireLock(ctx, lockKey)
		if err != nil {
			return err
		}
		if !proceed {
			s.logger.Debug().Str("task", name).Msg("skip cycle because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		return loop.RunCycle(ctx)
	}
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
