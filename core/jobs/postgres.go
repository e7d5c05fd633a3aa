package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relabs-tech/devicemanager/core/csql"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// Builder is a builder helper for the Postgres queue
type Builder struct {
	// DB is the postgres database. Must have a schema selected.
	DB *csql.DB
	// Concurrency is the number of concurrent workers, defaults to 4
	Concurrency int
	// RetryDelays overrides DefaultRetryDelays
	RetryDelays []time.Duration
	// UpdateSchema creates the job table if it does not exist
	UpdateSchema bool
}

// Postgres is a job queue stored in postgres. Multiple processes can share the
// same queue, jobs are distributed with row level locks.
type Postgres struct {
	dispatcher
	db          *csql.DB
	retryDelays []time.Duration

	jobsInsertQuery string
	jobsUpdateQuery string
	jobsDeleteQuery string
	jobsCancelQuery string
}

// NewPostgres creates a new postgres job queue
func NewPostgres(b *Builder) *Postgres {
	if b.DB == nil {
		panic("DB is missing")
	}
	q := &Postgres{db: b.DB, retryDelays: b.RetryDelays}
	if len(q.retryDelays) == 0 {
		q.retryDelays = DefaultRetryDelays
	}
	q.dispatcher.init(b.Concurrency)
	q.dispatcher.fetch = q.fetch
	q.dispatcher.complete = q.complete

	table := b.DB.Table("_job_")
	if b.UpdateSchema {
		_, err := b.DB.Exec(`CREATE table IF NOT EXISTS ` + table + `
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
resource VARCHAR NOT NULL DEFAULT '',
resource_id VARCHAR NOT NULL DEFAULT '',
payload JSON NOT NULL DEFAULT'{}'::jsonb,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::jsonb,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON ` + table + `(type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON ` + table + `(scheduled_at);
`)
		if err != nil {
			panic(err)
		}
	}

	q.jobsInsertQuery = `INSERT INTO ` + table + `
	(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET payload=$6,timestamp=$7,attempts_left=4,context=$8,scheduled_at=$9
	RETURNING serial;`

	q.jobsUpdateQuery = `UPDATE ` + table + `
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM ` + table + `
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, resource, resource_id, payload, timestamp, attempts_left, context;
`
	q.jobsDeleteQuery = `DELETE FROM ` + table + `
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`

	q.jobsCancelQuery = `DELETE FROM ` + table + `
WHERE job = 'event' AND type = $1 AND key = $2 AND resource = $3 AND resource_id = $4 AND attempts_left > 0 RETURNING serial;`

	logger.Default().Debugln("job queue on", table)
	return q
}

func (q *Postgres) insert(ctx context.Context, job string, event Event, scheduleAt *time.Time) error {
	if err := q.checkHandler(event); err != nil {
		return err
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var serial int
	err := q.db.QueryRowContext(ctx, q.jobsInsertQuery, job, event.Type, event.Key, event.Resource, event.ResourceID,
		payload, time.Now().UTC(), logger.SerializeLoggerContext(ctx), scheduleAt).Scan(&serial)
	if err != nil {
		return err
	}
	if scheduleAt == nil {
		q.TriggerJobs()
	}
	return nil
}

// RaiseEvent raises the specified event. Pending events with the same type, key, resource and
// resource id are compressed.
func (q *Postgres) RaiseEvent(ctx context.Context, event Event) error {
	return q.insert(ctx, "event", event, nil)
}

// QueueEvent adds the specified event to the queue without compression
func (q *Postgres) QueueEvent(ctx context.Context, event Event) error {
	return q.insert(ctx, "queue", event, nil)
}

// ScheduleEvent raises the specified event at a future point in time
func (q *Postgres) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	at := scheduleAt.UTC()
	return q.insert(ctx, "event", event, &at)
}

// CancelEvent cancels a pending event. It returns true if an event was cancelled.
func (q *Postgres) CancelEvent(ctx context.Context, event Event) (bool, error) {
	var serial int
	err := q.db.QueryRowContext(ctx, q.jobsCancelQuery, event.Type, event.Key, event.Resource, event.ResourceID).Scan(&serial)
	if errors.Is(err, csql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (q *Postgres) fetch() (*job, error) {
	now := time.Now().UTC()
	first, second, third := retrySchedule(q.retryDelays, now)
	j := job{}
	var payload []byte
	err := q.db.QueryRow(q.jobsUpdateQuery, now, first, second, third).Scan(
		&j.Serial,
		&j.Job,
		&j.Event.Type,
		&j.Event.Key,
		&j.Event.Resource,
		&j.Event.ResourceID,
		&payload,
		&j.Timestamp,
		&j.AttemptsLeft,
		&j.ContextData,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Event.Payload = payload
	return &j, nil
}

func (q *Postgres) complete(j *job) error {
	var serial int
	err := q.db.QueryRow(q.jobsDeleteQuery, j.Serial).Scan(&serial)
	if errors.Is(err, sql.ErrNoRows) {
		// the job was raised again while we were processing it
		return nil
	}
	return err
}

// Health returns the queue's health status
func (q *Postgres) Health(ctx context.Context, includeDetails bool) (Health, error) {
	health := Health{}
	jobs := &health.Jobs
	table := q.db.Table("_job_")

	// get the number of failed jobs
	failedJobsQuery := `SELECT count(*) from ` + table + ` WHERE attempts_left = 0;`
	if err := q.db.QueryRowContext(ctx, failedJobsQuery).Scan(&jobs.Failed); err != nil {
		return health, err
	}

	// get the number of jobs who failed at least once but are still scheduled for a retry
	failingJobsQuery := `SELECT count(*) from ` + table + ` WHERE attempts_left > 0 AND attempts_left < 3;`
	if err := q.db.QueryRowContext(ctx, failingJobsQuery).Scan(&jobs.Failing); err != nil {
		return health, err
	}

	tenMinutesAgo := time.Now().UTC().Add(-10 * time.Minute)

	// get the number of jobs who should have been executed at least ten minutes ago
	overdueJobsQuery := `SELECT count(*) from ` + table + ` WHERE attempts_left > 0 AND
	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at));`
	if err := q.db.QueryRowContext(ctx, overdueJobsQuery, tenMinutesAgo).Scan(&jobs.Overdue); err != nil {
		return health, err
	}

	if !includeDetails {
		return health, nil
	}
	jobsDetailsQuery := `SELECT serial, job, type, key, resource, resource_id, timestamp, attempts_left, scheduled_at from ` + table + ` WHERE
	attempts_left = 0 OR (attempts_left > 0 AND ((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)))
	ORDER BY serial;`
	rows, err := q.db.QueryContext(ctx, jobsDetailsQuery, tenMinutesAgo)
	if err != nil {
		return health, err
	}
	defer rows.Close()
	for rows.Next() {
		var detail JobDetail
		err := rows.Scan(
			&detail.Serial,
			&detail.Job,
			&detail.Type,
			&detail.Key,
			&detail.Resource,
			&detail.ResourceID,
			&detail.Timestamp,
			&detail.AttemptsLeft,
			&detail.ScheduledAt,
		)
		if err != nil {
			return health, err
		}
		jobs.Details = append(jobs.Details, detail)
	}
	return health, rows.Err()
}

// HealthPurge deletes old health data. Currently this is only failed jobs
func (q *Postgres) HealthPurge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE from `+q.db.Table("_job_")+` WHERE attempts_left = 0;`)
	return err
}
