package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type scheduleFunc func()

// Scheduler runs background tasks on behalf of an actor.
type Scheduler interface {
	Schedule(f scheduleFunc)
	// Wait blocks until all in-flight tasks complete.
	Wait()
}

type scheduler struct {
	ctx context.Context
	log *slog.Logger
	sem chan struct{}
	wg  sync.WaitGroup

	actorID string
	metrics ActorMetrics
}

// SchedulerOptions configures NewScheduler.
type SchedulerOptions struct {
	// Max caps concurrently running tasks. If 0 or negative, scheduling is unlimited.
	Max     int
	ActorID string
	Metrics ActorMetrics
	Logger  *slog.Logger
}

// NewScheduler creates a scheduler bound to ctx. Tasks not yet started when
// ctx is cancelled are dropped.
func NewScheduler(ctx context.Context, opts SchedulerOptions) Scheduler {
	s := &scheduler{
		ctx:     ctx,
		log:     opts.Logger,
		actorID: opts.ActorID,
		metrics: opts.Metrics,
	}
	if opts.Max > 0 {
		s.sem = make(chan struct{}, opts.Max)
	}
	if s.metrics == nil {
		s.metrics = NopActorMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *scheduler) Schedule(f scheduleFunc) {
	if s.ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.sem != nil {
			select {
			case <-s.ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
			defer func() { <-s.sem }()
		}

		s.run(f)
	}()
}

func (s *scheduler) run(f scheduleFunc) {
	s.metrics.TaskStarted(s.actorID)
	start, outcome := time.Now(), OutcomePanic
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", slog.String("actor", s.actorID), slog.Any("recovered", r))
		}
		s.metrics.TaskFinished(s.actorID, time.Since(start), outcome)
	}()

	f()
	outcome = OutcomeOK
}

func (s *scheduler) Wait() { s.wg.Wait() }
