// Package queue is a small Postgres-backed job queue with at-least-once
// delivery: named jobs, priorities, deferred starts and bounded retries.
// Multiple worker processes poll the same table; claims use FOR UPDATE SKIP
// LOCKED so each job runs on exactly one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/payops/internal/store"
)

const (
	maxRetryBackoff  = 15 * time.Minute
	handlerTimeout   = 5 * time.Minute
	defaultPollEvery = 2 * time.Second
)

// SendOptions control scheduling of a job.
type SendOptions struct {
	// StartAfter defers the job until the given time.
	StartAfter time.Time
	// Delay defers the job relative to now; ignored when StartAfter is set.
	Delay time.Duration
	// Priority orders ready jobs, highest first.
	Priority int
	// RetryLimit is the number of retries after a handler error.
	RetryLimit int
	// RetryBackoff spaces retries exponentially instead of immediately.
	RetryBackoff bool
}

// Job is one claimed unit of work.
type Job struct {
	ID           uuid.UUID
	Name         string
	Data         []byte
	RetryCount   int
	RetryBackoff bool
}

// Handler processes one job. A non-nil error schedules a retry until the
// job's retry limit is exhausted.
type Handler func(ctx context.Context, job *Job) error

type Queue struct {
	pool      *pgxpool.Pool
	log       *logrus.Logger
	pollEvery time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
}

func New(pool *pgxpool.Pool, log *logrus.Logger, pollEvery time.Duration) *Queue {
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &Queue{
		pool:      pool,
		log:       log,
		pollEvery: pollEvery,
		handlers:  make(map[string]Handler),
	}
}

// SendTx inserts a job through db, composing into the caller's transaction.
// This is how transitions enqueue follow-up jobs atomically with their state
// flip.
func SendTx(ctx context.Context, db store.DBTX, name string, data any, opts SendOptions) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("job payload marshal failed: %w", err)
	}

	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now().Add(opts.Delay)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, name, data, priority, retry_limit, retry_backoff, start_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), name, payload, opts.Priority, opts.RetryLimit, opts.RetryBackoff, startAfter)
	if err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	return nil
}

// Send inserts a job outside of any caller transaction.
func (q *Queue) Send(ctx context.Context, name string, data any, opts SendOptions) error {
	return SendTx(ctx, q.pool, name, data, opts)
}

// SendTx is the method form of the package-level SendTx.
func (q *Queue) SendTx(ctx context.Context, db store.DBTX, name string, data any, opts SendOptions) error {
	return SendTx(ctx, db, name, data, opts)
}

// Work registers the handler for a job name. Must be called before Run.
func (q *Queue) Work(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

// Run polls for ready jobs until ctx is cancelled, one polling goroutine per
// registered name.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			q.poll(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (q *Queue) poll(ctx context.Context, name string) {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()

	for {
		// drain everything ready before sleeping
		for {
			claimed, err := q.runOne(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.WithError(err).WithField("job", name).Error("job claim failed")
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, name string) (*Job, error) {
	var job Job
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET state = 'active', started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE name = $1 AND state = 'created' AND start_after <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, data, retry_count, retry_backoff`, name,
	).Scan(&job.ID, &job.Name, &job.Data, &job.RetryCount, &job.RetryBackoff)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) runOne(ctx context.Context, name string) (bool, error) {
	job, err := q.claim(ctx, name)
	if err != nil || job == nil {
		return false, err
	}

	log := q.log.WithFields(logrus.Fields{"job": job.Name, "id": job.ID})
	log.Debug("running job")

	jobCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	handlerErr := q.handler(name)(jobCtx, job)
	cancel()

	if handlerErr != nil {
		log.WithError(handlerErr).Error("job failed")
		if err := q.fail(ctx, job); err != nil {
			return true, err
		}
		jobsTotal.WithLabelValues(job.Name, "failed").Inc()
		return true, nil
	}

	if err := q.complete(ctx, job); err != nil {
		return true, err
	}
	jobsTotal.WithLabelValues(job.Name, "completed").Inc()
	log.Debug("finished job")
	return true, nil
}

func (q *Queue) handler(name string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[name]
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET state = 'completed', completed_at = now() WHERE id = $1`, job.ID)
	return err
}

// fail reschedules the job if retries remain, otherwise parks it as failed.
func (q *Queue) fail(ctx context.Context, job *Job) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			state = CASE WHEN retry_count < retry_limit THEN 'created' ELSE 'failed' END,
			retry_count = retry_count + 1,
			start_after = now() + $2,
			completed_at = CASE WHEN retry_count < retry_limit THEN NULL ELSE now() END
		WHERE id = $1`, job.ID, RetryDelay(job.RetryCount, job.RetryBackoff))
	return err
}

// RetryDelay computes the wait before retry n (zero-based). With backoff it
// doubles per attempt and is capped; without it retries are immediate.
func RetryDelay(retryCount int, backoff bool) time.Duration {
	if !backoff {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(retryCount))) * time.Second
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
