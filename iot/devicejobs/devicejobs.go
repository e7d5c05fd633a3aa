/*Package devicejobs runs bulk operations on the devices of a filter.

A job either patches the twins of its devices or invokes a method on them. The
filter is resolved when the job starts, not when it is scheduled. Jobs are
started by a scheduled event of the job queue and process their devices with
bounded concurrency and a rate limit. Every device gets a result row, so an
interrupted job continues with the devices still pending when it is retried.
*/
package devicejobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/twin"
	"golang.org/x/time/rate"
)

// The tables of the package
const (
	JobsTableName    = "devicejobs"
	ResultsTableName = "devicejobresults"
)

// EventRunJob is the job queue event which starts a job
const EventRunJob = "run-device-job"

// The job types
const (
	TypeScheduleUpdateTwin   = "ScheduleUpdateTwin"
	TypeScheduleDeviceMethod = "ScheduleDeviceMethod"
)

// The job states
const (
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// The device result states
const (
	DeviceStatusPending   = "pending"
	DeviceStatusSucceeded = "succeeded"
	DeviceStatusFailed    = "failed"
	DeviceStatusCancelled = "cancelled"
)

// Defaults of the runner
const (
	DefaultMaxExecutionSeconds = 3600
	DefaultConcurrency         = 10
	DefaultRatePerSecond       = 50
)

var (
	// ErrNotFound is returned for unknown jobs
	ErrNotFound = errors.New("job not found")
	// ErrInvalid is returned for invalid jobs
	ErrInvalid = errors.New("invalid job")
	// ErrFinished is returned when cancelling a job which is no longer active
	ErrFinished = errors.New("job already finished")
)

var validate = validator.New()

const jobPartition = "job"

// TwinUpdate is the patch a twin job applies. Null values remove keys.
type TwinUpdate struct {
	Tags    twin.Properties `json:"tags,omitempty"`
	Desired twin.Properties `json:"desired,omitempty"`
}

// MethodCall is the method a method job invokes
type MethodCall struct {
	Name           string          `json:"name" validate:"required,max=128"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty" validate:"omitempty,min=5,max=300"`
}

// Stats counts the device results of a job
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Job is a bulk device job
type Job struct {
	JobID               string      `json:"jobId"`
	JobName             string      `json:"jobName" validate:"required,max=256"`
	FilterID            string      `json:"filterId"`
	FilterName          string      `json:"filterName,omitempty"`
	Type                string      `json:"type" validate:"oneof=ScheduleUpdateTwin ScheduleDeviceMethod"`
	Twin                *TwinUpdate `json:"twin,omitempty"`
	Method              *MethodCall `json:"method,omitempty"`
	StartTime           time.Time   `json:"startTime"`
	MaxExecutionSeconds int         `json:"maxExecutionSeconds" validate:"min=0,max=172800"`
	Status              string      `json:"status"`
	Stats               Stats       `json:"stats"`
	CreatedAt           time.Time   `json:"createdAt"`
	EndTime             *time.Time  `json:"endTime,omitempty"`
	FailureReason       string      `json:"failureReason,omitempty"`
	DevicesResolved     bool        `json:"devicesResolved,omitempty"`

	ETag string `json:"-"`
}

// Active returns true if the job is scheduled or running
func (j *Job) Active() bool {
	return j.Status == StatusScheduled || j.Status == StatusRunning
}

// DeviceResult is the outcome of a job on one device
type DeviceResult struct {
	JobID     string                  `json:"jobId"`
	DeviceID  string                  `json:"deviceId"`
	Status    string                  `json:"status"`
	Error     string                  `json:"error,omitempty"`
	Response  *devices.MethodResponse `json:"response,omitempty"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// DeviceOperator is the part of the device logic jobs operate on
type DeviceOperator interface {
	AllDeviceIDs(ctx context.Context, query docstore.Query) ([]string, error)
	UpdateTwinTags(ctx context.Context, deviceID, etag string, patch twin.Properties) (*devices.Device, error)
	UpdateTwinDesired(ctx context.Context, deviceID, etag string, patch twin.Properties) (*devices.Device, error)
	InvokeMethod(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (*devices.MethodResponse, error)
}

// FilterResolver resolves filters to device queries
type FilterResolver interface {
	Get(ctx context.Context, filterID string) (*filters.Filter, error)
	Query(ctx context.Context, filterID string) (docstore.Query, error)
}

// Builder is a builder helper for the job logic
type Builder struct {
	// Jobs is the job table. This is mandatory.
	Jobs tablestore.Table
	// Results is the device result table. This is mandatory.
	Results tablestore.Table
	// Devices executes the operations. This is mandatory.
	Devices DeviceOperator
	// Filters resolves the device set of a job. This is mandatory.
	Filters FilterResolver
	// Queue starts scheduled jobs. This is mandatory.
	Queue jobs.Queue
	Metrics *metrics.Metrics
	// Concurrency is the number of devices processed in parallel
	Concurrency int
	// RatePerSecond limits the device operations per second
	RatePerSecond float64
}

// Logic implements device jobs
type Logic struct {
	jobs        tablestore.Table
	results     tablestore.Table
	devices     DeviceOperator
	filters     FilterResolver
	queue       jobs.Queue
	metrics     *metrics.Metrics
	concurrency int
	rate        rate.Limit
	now         func() time.Time
}

// New creates the job logic and installs the job handler in the queue
func New(b *Builder) *Logic {
	if b.Jobs == nil {
		panic("Jobs is missing")
	}
	if b.Results == nil {
		panic("Results is missing")
	}
	if b.Devices == nil {
		panic("Devices is missing")
	}
	if b.Filters == nil {
		panic("Filters is missing")
	}
	if b.Queue == nil {
		panic("Queue is missing")
	}
	l := &Logic{
		jobs:        b.Jobs,
		results:     b.Results,
		devices:     b.Devices,
		filters:     b.Filters,
		queue:       b.Queue,
		metrics:     b.Metrics,
		concurrency: b.Concurrency,
		rate:        rate.Limit(b.RatePerSecond),
		now:         time.Now,
	}
	if l.concurrency <= 0 {
		l.concurrency = DefaultConcurrency
	}
	if l.rate <= 0 {
		l.rate = DefaultRatePerSecond
	}
	b.Queue.HandleEvent(EventRunJob, func(ctx context.Context, event jobs.Event) error {
		return l.run(ctx, event.ResourceID)
	})
	return l
}

func runEvent(jobID string) jobs.Event {
	return jobs.Event{Type: EventRunJob, Resource: "job", ResourceID: jobID}
}

// ScheduleTwinUpdate schedules a twin patch on the devices of a filter
func (l *Logic) ScheduleTwinUpdate(ctx context.Context, job Job) (*Job, error) {
	job.Type = TypeScheduleUpdateTwin
	job.Method = nil
	if job.Twin == nil || (len(job.Twin.Tags) == 0 && len(job.Twin.Desired) == 0) {
		return nil, fmt.Errorf("%w: the twin patch is empty", ErrInvalid)
	}
	return l.schedule(ctx, job)
}

// ScheduleDeviceMethod schedules a method invocation on the devices of a filter
func (l *Logic) ScheduleDeviceMethod(ctx context.Context, job Job) (*Job, error) {
	job.Type = TypeScheduleDeviceMethod
	job.Twin = nil
	if job.Method == nil {
		return nil, fmt.Errorf("%w: the method is missing", ErrInvalid)
	}
	if err := validate.Struct(job.Method); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	if len(job.Method.Payload) > 0 && !json.Valid(job.Method.Payload) {
		return nil, fmt.Errorf("%w: method payload is not valid JSON", ErrInvalid)
	}
	return l.schedule(ctx, job)
}

func (l *Logic) schedule(ctx context.Context, job Job) (*Job, error) {
	if err := validate.Struct(job); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	filter, err := l.filters.Get(ctx, job.FilterID)
	if errors.Is(err, filters.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown filter %s", ErrInvalid, job.FilterID)
	}
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	job.JobID = uuid.New().String()
	job.FilterID = filter.ID
	job.FilterName = filter.Name
	job.Status = StatusScheduled
	job.Stats = Stats{}
	job.CreatedAt = now
	job.EndTime = nil
	job.FailureReason = ""
	if job.StartTime.IsZero() {
		job.StartTime = now
	}
	job.StartTime = job.StartTime.UTC()
	if job.MaxExecutionSeconds == 0 {
		job.MaxExecutionSeconds = DefaultMaxExecutionSeconds
	}
	entity, err := tablestore.NewEntity(jobPartition, job.JobID, job)
	if err != nil {
		return nil, err
	}
	stored, err := l.jobs.Insert(ctx, entity)
	if err != nil {
		return nil, err
	}
	job.ETag = stored.ETag
	if err := l.queue.ScheduleEvent(ctx, runEvent(job.JobID), job.StartTime); err != nil {
		if delErr := l.jobs.Delete(ctx, jobPartition, job.JobID, tablestore.AnyETag); delErr != nil {
			logger.FromContext(ctx).WithError(delErr).Errorln("Error 4501: cannot remove unscheduled job", job.JobID)
		}
		return nil, fmt.Errorf("cannot schedule job: %w", err)
	}
	logger.FromContext(ctx).Infof("scheduled %s job %s for filter '%s' at %s", job.Type, job.JobID, job.FilterName, job.StartTime)
	return &job, nil
}

func decodeJob(e tablestore.Entity) (Job, error) {
	var job Job
	if err := e.Decode(&job); err != nil {
		return job, err
	}
	job.ETag = e.ETag
	return job, nil
}

func (l *Logic) getJob(ctx context.Context, jobID string) (*Job, error) {
	entity, err := l.jobs.Get(ctx, jobPartition, jobID)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	job, err := decodeJob(entity)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns a job. The stats of running jobs are current.
func (l *Logic) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := l.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusRunning {
		results, err := l.GetJobDevices(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job.Stats = countResults(results)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first
func (l *Logic) ListJobs(ctx context.Context) ([]Job, error) {
	entities, err := l.jobs.Query(ctx, jobPartition)
	if err != nil {
		return nil, err
	}
	list := make([]Job, 0, len(entities))
	for _, e := range entities {
		job, err := decodeJob(e)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// ListJobsByFilter returns the jobs of a filter, newest first
func (l *Logic) ListJobsByFilter(ctx context.Context, filterID string) ([]Job, error) {
	all, err := l.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	list := []Job{}
	for _, job := range all {
		if job.FilterID == filterID {
			list = append(list, job)
		}
	}
	return list, nil
}

// GetJobDevices returns the device results of a job ordered by device id
func (l *Logic) GetJobDevices(ctx context.Context, jobID string) ([]DeviceResult, error) {
	entities, err := l.results.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}
	results := make([]DeviceResult, 0, len(entities))
	for _, e := range entities {
		var result DeviceResult
		if err := e.Decode(&result); err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// CancelJob cancels a scheduled or running job. Devices not yet processed are not
// touched anymore.
func (l *Logic) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	wasScheduled := false
	job, err := l.updateJob(ctx, jobID, func(job *Job) error {
		if !job.Active() {
			return fmt.Errorf("%w: %s is %s", ErrFinished, jobID, job.Status)
		}
		wasScheduled = job.Status == StatusScheduled
		now := l.now().UTC()
		job.Status = StatusCancelled
		job.EndTime = &now
		return nil
	})
	if err != nil {
		return job, err
	}
	if wasScheduled {
		if _, err := l.queue.CancelEvent(ctx, runEvent(jobID)); err != nil {
			// the runner ignores cancelled jobs
			logger.FromContext(ctx).WithError(err).Warnln("could not cancel start event of job", jobID)
		}
	}
	logger.FromContext(ctx).Infoln("cancelled job", jobID)
	return job, nil
}

// updateJob applies change to the stored job with optimistic concurrency. If change
// fails, the current job is returned together with the error.
func (l *Logic) updateJob(ctx context.Context, jobID string, change func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		job, err := l.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := change(job); err != nil {
			return job, err
		}
		entity, err := tablestore.NewEntity(jobPartition, jobID, job)
		if err != nil {
			return nil, err
		}
		entity.ETag = job.ETag
		stored, err := l.jobs.Replace(ctx, entity)
		if errors.Is(err, tablestore.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job.ETag = stored.ETag
		return job, nil
	}
	return nil, fmt.Errorf("job %s was modified too often", jobID)
}

func countResults(results []DeviceResult) Stats {
	stats := Stats{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case DeviceStatusSucceeded:
			stats.Succeeded++
		case DeviceStatusFailed:
			stats.Failed++
		case DeviceStatusPending:
			stats.Pending++
		}
	}
	return stats
}
