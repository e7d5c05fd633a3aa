/*Package jobs executes events reliably out-of-band.

Handlers are installed with HandleEvent and triggered with RaiseEvent,
QueueEvent or ScheduleEvent. A failing handler (one that returns an error or
panics) is retried with increasing delays until its attempts are exhausted;
exhausted jobs remain visible through Health until they are purged.

There are two queues: Postgres, which is shared by all instances of the
service, and Memory for tests and single process tools.
*/
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// DefaultRetryDelays are the delays before the second, third and fourth attempt
var DefaultRetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}

const maxAttempts = 4

// Event is a higher level event. Receive them with HandleEvent(), raise them with RaiseEvent(),
// schedule them with ScheduleEvent()
type Event struct {
	Type       string
	Key        string
	Resource   string
	ResourceID string
	Payload    []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s/%s", e.Type, e.Key, e.Resource, e.ResourceID)
}

// Queue is the interface the rest of the service uses to raise events
type Queue interface {
	// HandleEvent installs a callback handler for the specified event type
	HandleEvent(event string, handler func(context.Context, Event) error)
	// RaiseEvent raises an event. Pending events of the same type, key, resource and
	// resource id are compressed, the newest payload wins.
	RaiseEvent(ctx context.Context, event Event) error
	// QueueEvent adds an event without compression
	QueueEvent(ctx context.Context, event Event) error
	// ScheduleEvent raises an event at a specific point in time, with the same
	// compression as RaiseEvent
	ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error
	// CancelEvent cancels a pending event of the same type, key, resource and resource id.
	// It returns true if an event was cancelled.
	CancelEvent(ctx context.Context, event Event) (bool, error)
}

// Processor is a queue that can be driven and inspected
type Processor interface {
	Queue
	// TriggerJobs triggers job processing
	TriggerJobs()
	// ProcessJobsAsync starts a job processing loop
	ProcessJobsAsync(heartbeat time.Duration)
	// ProcessJobsSync processes pending jobs for up to max and returns true if it maxed out
	ProcessJobsSync(max time.Duration) bool
	// Health returns the queue's health status
	Health(ctx context.Context, includeDetails bool) (Health, error)
	// HealthPurge deletes failed jobs
	HealthPurge(ctx context.Context) error
}

// JobDetail is detail on a job for the health endpoint
type JobDetail struct {
	Serial       int64      `json:"serial"`
	Job          string     `json:"job"`
	Type         string     `json:"type"`
	Key          string     `json:"key"`
	Resource     string     `json:"resource"`
	ResourceID   string     `json:"resource_id"`
	AttemptsLeft int64      `json:"attempts_left"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

// Health contains the job queue's health status
type Health struct {
	Jobs struct {
		Failed  int64       `json:"failed"`
		Failing int64       `json:"failing"`
		Overdue int64       `json:"overdue"`
		Details []JobDetail `json:"details,omitempty"`
	} `json:"jobs"`
}

// job is a raised event as stored in the queue
type job struct {
	Serial       int64
	Job          string
	Event        Event
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

func (j *job) context() context.Context {
	return logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
}

func eventJobKey(event string) string {
	return "event: " + event
}

// dispatcher holds the installed handlers and the processing loop shared by all queues
type dispatcher struct {
	callbacks   map[string]func(context.Context, Event) error
	concurrency int

	hasJobsToProcess        bool
	hasJobsToProcessLock    sync.Mutex
	processJobsAsyncRuns    bool
	processJobsAsyncTrigger chan struct{}

	// fetch returns the next due job or nil
	fetch func() (*job, error)
	// complete removes a successfully processed job
	complete func(j *job) error
}

func (d *dispatcher) init(concurrency int) {
	if concurrency < 1 {
		concurrency = 4
	}
	d.concurrency = concurrency
	d.callbacks = map[string]func(context.Context, Event) error{}
}

// HandleEvent installs a callback handler the specified event. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (d *dispatcher) HandleEvent(event string, handler func(context.Context, Event) error) {
	key := eventJobKey(event)
	if _, ok := d.callbacks[key]; ok {
		logger.Default().Fatalf("callback handler for %s already installed", key)
	}
	d.callbacks[key] = handler
}

func (d *dispatcher) checkHandler(event Event) error {
	key := eventJobKey(event.Type)
	if _, ok := d.callbacks[key]; !ok {
		return fmt.Errorf("no callback handler installed for %s", key)
	}
	return nil
}

// TriggerJobs triggers pipeline processing.
func (d *dispatcher) TriggerJobs() {
	d.hasJobsToProcessLock.Lock()
	d.hasJobsToProcess = true
	runs := d.processJobsAsyncRuns
	d.hasJobsToProcessLock.Unlock()
	if runs {
		select {
		case d.processJobsAsyncTrigger <- struct{}{}:
		default:
		}
	}
}

// HasJobsToProcess returns true, if there are jobs to process.
// It then resets the process flag.
func (d *dispatcher) HasJobsToProcess() bool {
	d.hasJobsToProcessLock.Lock()
	defer d.hasJobsToProcessLock.Unlock()
	result := d.hasJobsToProcess
	d.hasJobsToProcess = false
	return result
}

// ProcessJobsAsync starts a job processing loop. It returns immediately. This
// function must only be called once.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer for
// processing of scheduled events and retries.
//
// Left-over jobs are processed right away.
func (d *dispatcher) ProcessJobsAsync(heartbeat time.Duration) {
	d.hasJobsToProcessLock.Lock()
	if d.processJobsAsyncRuns {
		d.hasJobsToProcessLock.Unlock()
		panic("already processing jobs")
	}
	d.processJobsAsyncRuns = true
	d.processJobsAsyncTrigger = make(chan struct{}, 1)
	d.hasJobsToProcessLock.Unlock()

	if heartbeat > 0 {
		go func() {
			for {
				time.Sleep(heartbeat)
				d.TriggerJobs()
			}
		}()
	}

	go func() {
		d.ProcessJobsSync(5 * time.Minute)
		for {
			<-d.processJobsAsyncTrigger
			d.ProcessJobsSync(5 * time.Minute)
		}
	}()
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then returns after the
// last commissioned job was fully processed. It returns true if it has maxed out and there are more jobs to process,
// otherwise it returns false. If you pass 0, it will process all pending jobs.
func (d *dispatcher) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.Default()
	startTime := time.Now()

	getJob := func() *job {
		j, err := d.fetch()
		if err != nil {
			rlog.WithError(err).Errorln("failed to retrieve job")
			return nil
		}
		return j
	}

	jobs := make(chan *job, d.concurrency)
	ready := make(chan bool, d.concurrency)
	for i := 0; i < d.concurrency; i++ {
		go d.pipelineWorker(jobs, ready)
	}
	defer close(jobs)

	var (
		maxedOut             bool
		jobCount, readyCount int
	)
	for i := 0; i < d.concurrency; i++ {
		j := getJob()
		if j == nil {
			break
		}
		jobCount++
		jobs <- j
	}

	for readyCount < jobCount {
		<-ready
		readyCount++
		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			if j := getJob(); j != nil {
				jobCount++
				jobs <- j
			}
		}
	}

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	return maxedOut
}

func (d *dispatcher) pipelineWorker(jobs <-chan *job, ready chan<- bool) {
	for j := range jobs {
		ctx := j.context()
		rlog := logger.FromContext(ctx)
		key := eventJobKey(j.Event.Type)
		description := key + "[" + j.Event.Key + "] #" + strconv.FormatInt(j.Serial, 10)

		// call the registered handler in a panic/recover envelope
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			timeout := time.AfterFunc(20*time.Second, func() {
				rlog.Errorf("This (%s) is taking a long time...", j.Event)
			})
			defer timeout.Stop()
			handler, ok := d.callbacks[key]
			if !ok {
				return fmt.Errorf("no handler for key %s", key)
			}
			return handler(ctx, j.Event)
		}()

		if err != nil {
			rlog.WithError(err).Error("error processing " + description)
		} else {
			rlog.Info("successfully processed " + description)
			if err = d.complete(j); err != nil {
				rlog.WithError(err).Error("could not delete processed job " + description)
			}
		}
		ready <- true
	}
}

func retrySchedule(delays []time.Duration, now time.Time) (first, second, third time.Time) {
	d := append([]time.Duration{}, delays...)
	for len(d) < 3 {
		if len(d) == 0 {
			d = append(d, DefaultRetryDelays[0])
			continue
		}
		d = append(d, d[len(d)-1])
	}
	return now.Add(d[0]), now.Add(d[1]), now.Add(d[2])
}
