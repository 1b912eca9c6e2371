package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/scheduler"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

type scheduledJob struct {
	descriptor scheduler.JobDescriptor
	params     map[string]any
	trigger    scheduler.Trigger
	cancel     context.CancelFunc
}

// Scheduler runs jobs on goroutines inside the current process. Used by
// tests and the demo daemon; production deployments plug in their own
// scheduler behind the scheduler.Scheduler interface.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	fire   scheduler.FireFunc
	logger hclog.Logger
	clock  func() time.Time

	ctx           context.Context
	ctxCancelFunc context.CancelFunc
}

var _ scheduler.Scheduler = &Scheduler{}

type Option func(*Scheduler)

func WithLogger(logger hclog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func NewScheduler(fire scheduler.FireFunc, options ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:          make(map[string]*scheduledJob),
		fire:          fire,
		logger:        hclog.Default().Named("scheduler"),
		clock:         time.Now,
		ctx:           ctx,
		ctxCancelFunc: cancel,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Scheduler) Schedule(ctx context.Context, job scheduler.JobDescriptor, params map[string]any, trigger scheduler.Trigger) error {
	var sched cron.Schedule
	if ct, ok := trigger.(scheduler.CronTrigger); ok {
		var err error
		sched, err = cron.ParseStandard(ct.Expression)
		if err != nil {
			return fmt.Errorf("failed to parse cron expression %q for job %s: %w", ct.Expression, job.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.Name]; ok {
		existing.cancel()
	}
	jobCtx, jobCancel := context.WithCancel(s.ctx)
	sj := &scheduledJob{
		descriptor: job,
		params:     params,
		trigger:    trigger,
		cancel:     jobCancel,
	}
	s.jobs[job.Name] = sj

	switch t := trigger.(type) {
	case scheduler.OneShotTrigger:
		go s.runOneShot(jobCtx, sj, t)
	case scheduler.CronTrigger:
		go s.runCron(jobCtx, sj, t, sched)
	default:
		jobCancel()
		delete(s.jobs, job.Name)
		return fmt.Errorf("unsupported trigger type %T for job %s", trigger, job.Name)
	}
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, jobName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[jobName]
	if !ok {
		return false, nil
	}
	sj.cancel()
	delete(s.jobs, jobName)
	return true, nil
}

// Stop cancels every scheduled job.
func (s *Scheduler) Stop() {
	s.ctxCancelFunc()
}

func (s *Scheduler) runOneShot(ctx context.Context, sj *scheduledJob, trigger scheduler.OneShotTrigger) {
	t := time.NewTimer(time.Until(trigger.At))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	s.fireJob(ctx, sj, trigger.At)
	s.remove(sj.descriptor.Name)
}

func (s *Scheduler) runCron(ctx context.Context, sj *scheduledJob, trigger scheduler.CronTrigger, sched cron.Schedule) {
	last := s.clock()
	for {
		next := sched.Next(last)
		now := s.clock()
		if next.After(now) {
			t := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		} else if trigger.Misfire != scheduler.MisfireFireAllMissed {
			// skip straight to the next future occurrence
			last = now
			continue
		}
		s.fireJob(ctx, sj, next)
		last = next
	}
}

func (s *Scheduler) fireJob(ctx context.Context, sj *scheduledJob, scheduledAt time.Time) {
	if ctx.Err() != nil {
		return
	}
	event := scheduler.FireEvent{
		Id:          uuid.New(),
		JobName:     sj.descriptor.Name,
		JobType:     sj.descriptor.Type,
		Params:      sj.params,
		ScheduledAt: scheduledAt,
		FiredAt:     s.clock(),
	}
	s.logger.Debug("firing job", "name", event.JobName, "scheduledAt", scheduledAt)
	s.fire(ctx, event)
}

func (s *Scheduler) remove(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobName)
}
