// Package scheduler runs the monitor's periodic jobs while holding a
// host-wide advisory lock that guarantees at most one active instance.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// workerPoolSize bounds concurrent job executions across all jobs.
	workerPoolSize = 20
	// ProcessInterval is the fixed period of the article processing job.
	ProcessInterval = 5 * time.Minute
)

// JobKind identifies a registered job.
type JobKind string

const (
	// JobPollFeeds ingests new entries from all active feeds.
	JobPollFeeds JobKind = "poll_feeds"
	// JobProcessArticles drives pending articles through the pipeline.
	JobProcessArticles JobKind = "process_articles"
)

// JobFunc is a job body. Errors are logged per execution; a failing job is
// not deregistered and runs again at its next tick.
type JobFunc func(ctx context.Context) error

// SettingsStore persists the feed polling interval.
type SettingsStore interface {
	UpdateCheckInterval(ctx context.Context, minutes int) error
}

type job struct {
	kind     JobKind
	fn       JobFunc
	inFlight atomic.Bool
}

// Scheduler owns the two periodic jobs and the advisory lock. Each job is
// limited to one in-flight execution; a tick arriving while the previous
// run is still going is skipped, never queued.
type Scheduler struct {
	lock     *FileLock
	settings SettingsStore

	mu      sync.Mutex
	jobs    map[JobKind]*job
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	pool       chan struct{}
	wg         sync.WaitGroup
	reschedule chan time.Duration
}

// New creates a scheduler guarded by lock.
func New(lock *FileLock, settings SettingsStore) *Scheduler {
	return &Scheduler{
		lock:       lock,
		settings:   settings,
		jobs:       make(map[JobKind]*job),
		pool:       make(chan struct{}, workerPoolSize),
		reschedule: make(chan time.Duration, 1),
	}
}

// Register binds a job body to a kind. Must be called before Start.
func (s *Scheduler) Register(kind JobKind, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[kind] = &job{kind: kind, fn: fn}
}

// Start acquires the advisory lock and begins ticking both jobs.
// ErrAlreadyRunning is returned without a started scheduler when another
// live process holds the lock.
func (s *Scheduler) Start(ctx context.Context, pollInterval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}
	if err := s.lock.TryAcquire(); err != nil {
		return err
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if _, ok := s.jobs[JobPollFeeds]; ok {
		s.wg.Add(1)
		go s.runLoop(s.runCtx, JobPollFeeds, pollInterval, s.reschedule)
	}
	if _, ok := s.jobs[JobProcessArticles]; ok {
		s.wg.Add(1)
		go s.runLoop(s.runCtx, JobProcessArticles, ProcessInterval, nil)
	}

	log.Info().
		Dur("poll_interval", pollInterval).
		Dur("process_interval", ProcessInterval).
		Msg("Scheduler started")
	return nil
}

// runLoop ticks one job. A non-nil intervals channel allows live
// retuning of the tick period without restarting the scheduler.
func (s *Scheduler) runLoop(ctx context.Context, kind JobKind, interval time.Duration, intervals <-chan time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch(kind)
		case d := <-intervals:
			ticker.Reset(d)
			log.Info().Str("job", string(kind)).Dur("interval", d).Msg("Job interval updated")
		case <-ctx.Done():
			return
		}
	}
}

// dispatch runs a job on the worker pool, skipping the tick when the
// previous execution is still in flight.
func (s *Scheduler) dispatch(kind JobKind) bool {
	s.mu.Lock()
	j := s.jobs[kind]
	ctx := s.runCtx
	s.mu.Unlock()
	if j == nil || ctx == nil {
		return false
	}

	if !j.inFlight.CompareAndSwap(false, true) {
		log.Debug().Str("job", string(kind)).Msg("Previous execution still running, skipping tick")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.inFlight.Store(false)

		s.pool <- struct{}{}
		defer func() { <-s.pool }()

		start := time.Now()
		if err := j.fn(ctx); err != nil {
			log.Error().Err(err).Str("job", string(kind)).Dur("duration", time.Since(start)).Msg("Job failed")
			return
		}
		log.Debug().Str("job", string(kind)).Dur("duration", time.Since(start)).Msg("Job finished")
	}()
	return true
}

// Reschedule persists a new feed polling interval and, when a scheduler is
// active in this process, retunes the running job. The returned bool is
// false for the partial success of persisting without an active scheduler.
func (s *Scheduler) Reschedule(ctx context.Context, minutes int) (bool, error) {
	if err := s.settings.UpdateCheckInterval(ctx, minutes); err != nil {
		return false, err
	}

	s.mu.Lock()
	active := s.running
	s.mu.Unlock()

	if !active {
		log.Info().Int("minutes", minutes).Msg("No active scheduler in this process, interval persisted only")
		return false, nil
	}

	d := time.Duration(minutes) * time.Minute
	for {
		select {
		case s.reschedule <- d:
			return true, nil
		default:
			// Drop a superseded pending update.
			select {
			case <-s.reschedule:
			default:
			}
		}
	}
}

// TriggerNow runs a job immediately, independent of its schedule. With no
// active scheduler in this process the job body runs synchronously on the
// caller's goroutine instead.
func (s *Scheduler) TriggerNow(ctx context.Context, kind JobKind) error {
	s.mu.Lock()
	j := s.jobs[kind]
	active := s.running
	s.mu.Unlock()

	if j == nil {
		return fmt.Errorf("unknown job %q", kind)
	}
	if !active {
		log.Info().Str("job", string(kind)).Msg("No active scheduler, running job synchronously")
		return j.fn(ctx)
	}
	if !s.dispatch(kind) {
		log.Info().Str("job", string(kind)).Msg("Job already in flight, trigger skipped")
	}
	return nil
}

// TriggerPoll runs the feed poll job immediately.
func (s *Scheduler) TriggerPoll(ctx context.Context) error {
	return s.TriggerNow(ctx, JobPollFeeds)
}

// TriggerProcess runs the article processing job immediately.
func (s *Scheduler) TriggerProcess(ctx context.Context) error {
	return s.TriggerNow(ctx, JobProcessArticles)
}

// Shutdown stops the ticking loops, waits for in-flight jobs and releases
// the advisory lock. Safe to call more than once and on a scheduler that
// never started.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.lock.Release()
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if err := s.lock.Release(); err != nil {
		return err
	}
	log.Info().Msg("Scheduler stopped")
	return nil
}
