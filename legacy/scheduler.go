package legacy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a scheduled unit of work. On success it returns the delay before
// it should run again; zero or less ends the schedule.
type Task func(ctx context.Context) (next time.Duration, err error)

// Supervisor decides what happens after a task fails. attempt counts
// consecutive failures starting at 1. Returning false stops the schedule
// until something calls Schedule again.
type Supervisor interface {
	OnFailure(key string, attempt int, err error) (retryAfter time.Duration, retry bool)
}

// StopOnFailure logs the failure and gives up. The next explicit token
// request repopulates the cache and restarts renewal.
type StopOnFailure struct {
	Log *zap.Logger
}

func (s StopOnFailure) OnFailure(key string, attempt int, err error) (time.Duration, bool) {
	if s.Log != nil {
		s.Log.Warn("background renewal failed, waiting for next token request",
			zap.String("account", key),
			zap.Error(err))
	}
	return 0, false
}

// BackoffSupervisor retries with exponential delay capped at Max. A
// MaxAttempts of zero retries indefinitely.
type BackoffSupervisor struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Log         *zap.Logger
}

func (b BackoffSupervisor) OnFailure(key string, attempt int, err error) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		if b.Log != nil {
			b.Log.Error("background renewal gave up",
				zap.String("account", key),
				zap.Int("attempts", attempt-1),
				zap.Error(err))
		}
		return 0, false
	}

	delay := b.Initial
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
	}

	if b.Log != nil {
		b.Log.Warn("background renewal failed, retrying",
			zap.String("account", key),
			zap.Int("attempt", attempt),
			zap.Duration("retry_after", delay),
			zap.Error(err))
	}
	return delay, true
}

type scheduled struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler runs at most one pending task per key.
type Scheduler struct {
	supervisor Supervisor
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]scheduled
	gen    uint64
	closed bool
}

func NewScheduler(sup Supervisor, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if sup == nil {
		sup = StopOnFailure{Log: log}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		supervisor: sup,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]scheduled),
	}
}

// Schedule runs task after delay, replacing any task pending for key.
func (s *Scheduler) Schedule(key string, after time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(key, after, task, 0)
}

// Cancel drops the task pending for key.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[key]; ok {
		cur.timer.Stop()
		delete(s.tasks, key)
	}
}

// Pending reports whether a task is scheduled or running for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Close stops all timers and waits for running tasks to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, cur := range s.tasks {
		cur.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armLocked(key string, after time.Duration, task Task, attempt int) {
	if s.closed {
		return
	}
	if cur, ok := s.tasks[key]; ok {
		cur.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.tasks[key] = scheduled{
		gen:   gen,
		timer: time.AfterFunc(after, func() { s.run(key, gen, task, attempt) }),
	}
}

func (s *Scheduler) run(key string, gen uint64, task Task, attempt int) {
	s.mu.Lock()
	if cur, ok := s.tasks[key]; s.closed || !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	next, err := task(s.ctx)

	var after time.Duration
	if err != nil {
		attempt++
		var retry bool
		after, retry = s.supervisor.OnFailure(key, attempt, err)
		if !retry {
			after = 0
		}
	} else {
		attempt = 0
		after = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a Schedule call made while the task ran takes precedence
	if cur, ok := s.tasks[key]; !ok || cur.gen != gen {
		return
	}
	if after <= 0 {
		delete(s.tasks, key)
		return
	}
	s.armLocked(key, after, task, attempt)
}
