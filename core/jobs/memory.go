package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/devicemanager/core/logger"
)

type memoryJob struct {
	job
	scheduledAt *time.Time
}

// Memory is an in-process job queue with the same semantics as Postgres
type Memory struct {
	dispatcher
	retryDelays []time.Duration

	mutex  sync.Mutex
	serial int64
	jobs   map[int64]*memoryJob
	now    func() time.Time
}

// NewMemory creates a new in-process job queue
func NewMemory(concurrency int, retryDelays ...time.Duration) *Memory {
	q := &Memory{
		retryDelays: retryDelays,
		jobs:        map[int64]*memoryJob{},
		now:         time.Now,
	}
	if len(q.retryDelays) == 0 {
		q.retryDelays = DefaultRetryDelays
	}
	q.dispatcher.init(concurrency)
	q.dispatcher.fetch = q.fetch
	q.dispatcher.complete = q.complete
	return q
}

func sameEvent(a, b Event) bool {
	return a.Type == b.Type && a.Key == b.Key && a.Resource == b.Resource && a.ResourceID == b.ResourceID
}

func (q *Memory) insert(ctx context.Context, kind string, event Event, scheduleAt *time.Time) error {
	if err := q.checkHandler(event); err != nil {
		return err
	}
	contextData := logger.SerializeLoggerContext(ctx)
	q.mutex.Lock()
	var existing *memoryJob
	if kind == "event" {
		for _, j := range q.jobs {
			if j.Job == "event" && j.AttemptsLeft > 0 && sameEvent(j.Event, event) {
				existing = j
				break
			}
		}
	}
	if existing == nil {
		q.serial++
		existing = &memoryJob{job: job{Serial: q.serial, Job: kind}}
		q.jobs[q.serial] = existing
	}
	existing.Event = event
	existing.Timestamp = q.now().UTC()
	existing.AttemptsLeft = maxAttempts
	existing.ContextData = contextData
	existing.scheduledAt = scheduleAt
	q.mutex.Unlock()

	if scheduleAt == nil {
		q.TriggerJobs()
	}
	return nil
}

// RaiseEvent raises the specified event. Pending events with the same type, key, resource and
// resource id are compressed.
func (q *Memory) RaiseEvent(ctx context.Context, event Event) error {
	return q.insert(ctx, "event", event, nil)
}

// QueueEvent adds the specified event to the queue without compression
func (q *Memory) QueueEvent(ctx context.Context, event Event) error {
	return q.insert(ctx, "queue", event, nil)
}

// ScheduleEvent raises the specified event at a future point in time
func (q *Memory) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	at := scheduleAt.UTC()
	return q.insert(ctx, "event", event, &at)
}

// CancelEvent cancels a pending event. It returns true if an event was cancelled.
func (q *Memory) CancelEvent(ctx context.Context, event Event) (bool, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for serial, j := range q.jobs {
		if j.Job == "event" && j.AttemptsLeft > 0 && sameEvent(j.Event, event) {
			delete(q.jobs, serial)
			return true, nil
		}
	}
	return false, nil
}

func (q *Memory) fetch() (*job, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	now := q.now().UTC()
	var next *memoryJob
	for _, j := range q.jobs {
		if j.AttemptsLeft <= 0 || (j.scheduledAt != nil && !now.After(*j.scheduledAt)) {
			continue
		}
		if next == nil || j.Serial < next.Serial {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	first, second, third := retrySchedule(q.retryDelays, now)
	var retryAt time.Time
	switch {
	case next.AttemptsLeft > 3:
		retryAt = first
	case next.AttemptsLeft == 3:
		retryAt = second
	default:
		retryAt = third
	}
	next.AttemptsLeft--
	next.scheduledAt = &retryAt
	copied := next.job
	return &copied, nil
}

func (q *Memory) complete(j *job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if stored, ok := q.jobs[j.Serial]; ok && stored.AttemptsLeft < maxAttempts {
		delete(q.jobs, j.Serial)
	}
	return nil
}

// Health returns the queue's health status
func (q *Memory) Health(ctx context.Context, includeDetails bool) (Health, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	health := Health{}
	tenMinutesAgo := q.now().UTC().Add(-10 * time.Minute)
	for _, j := range q.jobs {
		failed := j.AttemptsLeft == 0
		if failed {
			health.Jobs.Failed++
		}
		if j.AttemptsLeft > 0 && j.AttemptsLeft < 3 {
			health.Jobs.Failing++
		}
		due := j.Timestamp
		if j.scheduledAt != nil {
			due = *j.scheduledAt
		}
		overdue := j.AttemptsLeft > 0 && tenMinutesAgo.After(due)
		if overdue {
			health.Jobs.Overdue++
		}
		if includeDetails && (failed || overdue) {
			health.Jobs.Details = append(health.Jobs.Details, JobDetail{
				Serial:       j.Serial,
				Job:          j.Job,
				Type:         j.Event.Type,
				Key:          j.Event.Key,
				Resource:     j.Event.Resource,
				ResourceID:   j.Event.ResourceID,
				AttemptsLeft: int64(j.AttemptsLeft),
				Timestamp:    j.Timestamp,
				ScheduledAt:  j.scheduledAt,
			})
		}
	}
	sort.Slice(health.Jobs.Details, func(i, k int) bool {
		return health.Jobs.Details[i].Serial < health.Jobs.Details[k].Serial
	})
	return health, nil
}

// HealthPurge deletes failed jobs
func (q *Memory) HealthPurge(ctx context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for serial, j := range q.jobs {
		if j.AttemptsLeft == 0 {
			delete(q.jobs, serial)
		}
	}
	return nil
}
