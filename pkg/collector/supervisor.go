package collector

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned by Submit when the job queue is at capacity.
var ErrQueueFull = errors.New("collection queue full")

// ErrSupervisorClosed is returned by Submit after Close.
var ErrSupervisorClosed = errors.New("supervisor closed")

// Job is one queued collection run.
type Job struct {
	PageID  string
	Token   string
	Options Options
}

// RunOutcome is the supervised result of one job. A run that panicked still
// produces an outcome with a failed Result; nothing is fire-and-forget.
type RunOutcome struct {
	PageID string
	Result *Result
}

// Supervisor executes collection runs on a fixed worker pool with its own
// failure channel. Submitting a job instead of spawning an unawaited call
// guarantees every run is logged and marked failed on panic.
type Supervisor struct {
	collector *Collector
	jobs      chan Job
	outcomes  chan RunOutcome
	baseCtx   context.Context
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	logger    zerolog.Logger
}

// NewSupervisor starts workers consuming from a bounded queue. Outcomes must
// be drained by the caller.
func NewSupervisor(ctx context.Context, c *Collector, workers, queueSize int) *Supervisor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}

	s := &Supervisor{
		collector: c,
		jobs:      make(chan Job, queueSize),
		outcomes:  make(chan RunOutcome, queueSize),
		baseCtx:   ctx,
		logger:    log.With().Str("component", "supervisor").Logger(),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	return s
}

// Submit enqueues a job without blocking.
func (s *Supervisor) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}

	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outcomes returns the channel of supervised run results.
func (s *Supervisor) Outcomes() <-chan RunOutcome {
	return s.outcomes
}

// Close stops accepting jobs, waits for in-flight runs, and closes the
// outcome channel.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	close(s.outcomes)
}

func (s *Supervisor) worker(id int) {
	defer s.wg.Done()

	for job := range s.jobs {
		select {
		case <-s.baseCtx.Done():
			s.logger.Debug().Int("worker_id", id).Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		outcome := s.runOne(job)

		if !outcome.Result.Success {
			s.logger.Warn().
				Int("worker_id", id).
				Str("page_id", job.PageID).
				Int("errors", len(outcome.Result.Errors)).
				Bool("partial", outcome.Result.PartialSuccess).
				Msg("Supervised run did not fully succeed")
		}

		select {
		case s.outcomes <- outcome:
		case <-s.baseCtx.Done():
			return
		}
	}
}

// runOne executes a single job. Collect already recovers panics at its
// boundary; this second recover guards the supervisor loop itself.
func (s *Supervisor) runOne(job Job) (outcome RunOutcome) {
	outcome = RunOutcome{PageID: job.PageID}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("page_id", job.PageID).Interface("panic", r).
				Msg("Recovered panic in supervised run")
			outcome.Result = &Result{
				Errors: []ComponentError{{
					Component:   ComponentMetadata,
					Message:     "internal error during collection",
					Recoverable: false,
				}},
			}
		}
	}()

	outcome.Result = s.collector.Collect(s.baseCtx, job.PageID, job.Token, job.Options)
	return outcome
}
