package devicejobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// run executes a job. It is the handler of EventRunJob. Errors make the queue retry
// the job, which then continues with the pending devices.
func (l *Logic) run(ctx context.Context, jobID string) error {
	rlog := logger.FromContext(ctx).WithField("job", jobID)

	job, err := l.getJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		rlog.Warnln("job to run does not exist anymore")
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Active() {
		rlog.Infof("job is %s, nothing to do", job.Status)
		return nil
	}

	if !job.DevicesResolved {
		deviceIDs, err := l.resolveDevices(ctx, job)
		if errors.Is(err, filters.ErrNotFound) || errors.Is(err, filters.ErrInvalid) {
			_, err = l.finish(ctx, jobID, StatusFailed, "filter cannot be resolved: "+err.Error())
			return err
		}
		if err != nil {
			return err
		}
		if err := l.addPendingResults(ctx, jobID, deviceIDs); err != nil {
			return err
		}
	}
	job, err = l.updateJob(ctx, jobID, func(job *Job) error {
		// the device set is fixed once all pending results are written
		job.DevicesResolved = true
		if job.Active() {
			job.Status = StatusRunning
		}
		return nil
	})
	if err != nil {
		return err
	}
	if job.Status == StatusCancelled {
		return l.cancelPending(ctx, jobID)
	}

	deadline := job.StartTime.Add(time.Duration(job.MaxExecutionSeconds) * time.Second)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results, err := l.GetJobDevices(ctx, jobID)
	if err != nil {
		return err
	}
	rlog.Infof("running %s job on %d devices", job.Type, len(results))

	limiter := rate.NewLimiter(l.rate, l.concurrency)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(l.concurrency)
	for i := range results {
		result := results[i]
		if result.Status != DeviceStatusPending {
			continue
		}
		if gctx.Err() != nil || l.cancelled(ctx, jobID) {
			break
		}
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			return l.processDevice(gctx, job, result)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	switch {
	case l.cancelled(ctx, jobID):
		return l.cancelPending(ctx, jobID)
	case runCtx.Err() != nil:
		if err := l.failPending(ctx, jobID, "maximum execution time exceeded"); err != nil {
			return err
		}
		_, err = l.finish(ctx, jobID, StatusFailed, "maximum execution time exceeded")
		return err
	}
	_, err = l.finish(ctx, jobID, StatusCompleted, "")
	return err
}

func (l *Logic) resolveDevices(ctx context.Context, job *Job) ([]string, error) {
	query, err := l.filters.Query(ctx, job.FilterID)
	if err != nil {
		return nil, err
	}
	return l.devices.AllDeviceIDs(ctx, query)
}

// addPendingResults adds a pending result for every device which has no result yet
func (l *Logic) addPendingResults(ctx context.Context, jobID string, deviceIDs []string) error {
	now := l.now().UTC()
	for _, deviceID := range deviceIDs {
		err := l.writeResult(ctx, DeviceResult{JobID: jobID, DeviceID: deviceID, Status: DeviceStatusPending, UpdatedAt: now}, true)
		if err != nil && !errors.Is(err, tablestore.ErrDuplicate) {
			return err
		}
	}
	return nil
}

func (l *Logic) writeResult(ctx context.Context, result DeviceResult, insert bool) error {
	entity, err := tablestore.NewEntity(result.JobID, result.DeviceID, result)
	if err != nil {
		return err
	}
	if insert {
		_, err = l.results.Insert(ctx, entity)
		return err
	}
	entity.ETag = tablestore.AnyETag
	_, err = l.results.Replace(ctx, entity)
	return err
}

func (l *Logic) cancelled(ctx context.Context, jobID string) bool {
	job, err := l.getJob(ctx, jobID)
	return err == nil && job.Status == StatusCancelled
}

// processDevice executes the job on one device and records the result. Only failures
// to record the result are returned.
func (l *Logic) processDevice(ctx context.Context, job *Job, result DeviceResult) error {
	rlog := logger.FromContext(ctx)
	var err error
	switch job.Type {
	case TypeScheduleUpdateTwin:
		err = l.updateTwin(ctx, job, result.DeviceID)
	case TypeScheduleDeviceMethod:
		timeout := time.Duration(job.Method.TimeoutSeconds) * time.Second
		result.Response, err = l.devices.InvokeMethod(ctx, result.DeviceID, job.Method.Name, job.Method.Payload, timeout)
		if err == nil && (result.Response.Status < 200 || result.Response.Status > 299) {
			err = fmt.Errorf("method %s returned status %d", job.Method.Name, result.Response.Status)
		}
	default:
		err = fmt.Errorf("unknown job type %s", job.Type)
	}
	result.Status = DeviceStatusSucceeded
	result.Error = ""
	if err != nil {
		result.Status = DeviceStatusFailed
		result.Error = err.Error()
		rlog.WithError(err).Warnf("job %s failed on device %s", job.JobID, result.DeviceID)
	}
	result.UpdatedAt = l.now().UTC()
	l.metrics.DeviceJobResult(job.Type, result.Status)
	// the result is recorded even if the job ran out of time meanwhile
	return l.writeResult(context.Background(), result, false)
}

func (l *Logic) updateTwin(ctx context.Context, job *Job, deviceID string) error {
	if len(job.Twin.Tags) > 0 {
		if _, err := l.devices.UpdateTwinTags(ctx, deviceID, "", job.Twin.Tags); err != nil {
			return err
		}
	}
	if len(job.Twin.Desired) > 0 {
		if _, err := l.devices.UpdateTwinDesired(ctx, deviceID, "", job.Twin.Desired); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logic) markPending(ctx context.Context, jobID, status, reason string) error {
	results, err := l.GetJobDevices(ctx, jobID)
	if err != nil {
		return err
	}
	now := l.now().UTC()
	for _, result := range results {
		if result.Status != DeviceStatusPending {
			continue
		}
		result.Status = status
		result.Error = reason
		result.UpdatedAt = now
		if err := l.writeResult(ctx, result, false); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logic) failPending(ctx context.Context, jobID, reason string) error {
	return l.markPending(ctx, jobID, DeviceStatusFailed, reason)
}

func (l *Logic) cancelPending(ctx context.Context, jobID string) error {
	if err := l.markPending(ctx, jobID, DeviceStatusCancelled, "job was cancelled"); err != nil {
		return err
	}
	results, err := l.GetJobDevices(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = l.updateJob(ctx, jobID, func(job *Job) error {
		job.Stats = countResults(results)
		return nil
	})
	return err
}

// finish sets the final state of a job together with its stats. A job cancelled
// meanwhile stays cancelled.
func (l *Logic) finish(ctx context.Context, jobID, status, reason string) (*Job, error) {
	results, err := l.GetJobDevices(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats := countResults(results)
	job, err := l.updateJob(ctx, jobID, func(job *Job) error {
		job.Stats = stats
		if job.Status == StatusCancelled {
			return nil
		}
		now := l.now().UTC()
		job.Status = status
		job.FailureReason = reason
		job.EndTime = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("job %s %s: %d succeeded, %d failed", jobID, job.Status, stats.Succeeded, stats.Failed)
	return job, nil
}
