// Package scheduler defines the external job-scheduling boundary of the
// event subsystem. Timers are the one asynchronous edge of the engine:
// scheduling hands control to an implementation of Scheduler, which later
// re-enters the engine on a fresh transaction when the trigger fires.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MisfirePolicy decides what happens to occurrences a job missed while the
// scheduler was unable to fire it.
type MisfirePolicy string

const (
	// MisfireFireAllMissed replays every missed occurrence on recovery.
	MisfireFireAllMissed MisfirePolicy = "FIRE_ALL_MISSED"
	// MisfireSkipMissed fires only from the next future occurrence.
	MisfireSkipMissed MisfirePolicy = "SKIP_MISSED"
)

// Trigger is the closed set of firing rules. Implemented by OneShotTrigger
// and CronTrigger only.
type Trigger interface {
	isTrigger()
}

// OneShotTrigger fires exactly once at the given time.
type OneShotTrigger struct {
	At time.Time
}

func (OneShotTrigger) isTrigger() {}

// CronTrigger fires on every occurrence of a cron expression.
type CronTrigger struct {
	Expression string
	Misfire    MisfirePolicy
}

func (CronTrigger) isTrigger() {}

// JobDescriptor identifies a schedulable job. Name is deterministic and
// unique per registration so jobs can be deleted by name.
type JobDescriptor struct {
	Name string
	Type string
}

// FireEvent is delivered to the fire callback when a job comes due.
type FireEvent struct {
	Id          uuid.UUID
	JobName     string
	JobType     string
	Params      map[string]any
	ScheduledAt time.Time
	FiredAt     time.Time
}

// FireFunc handles one job occurrence.
type FireFunc func(ctx context.Context, event FireEvent)

type Scheduler interface {
	// Schedule registers the job under its descriptor name. Scheduling a
	// name twice replaces the earlier registration.
	Schedule(ctx context.Context, job JobDescriptor, params map[string]any, trigger Trigger) error

	// Delete removes a scheduled job by name. Returns false when no job with
	// that name exists, which callers treat as "already fired", not an error.
	Delete(ctx context.Context, jobName string) (bool, error)
}
