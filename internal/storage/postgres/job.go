package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dream_pipeline/internal/domain"
)

const jobColumns = `id, title_id, type, status, priority, attempts, max_attempts, run_at,
	lease_expires_at, lease_token, last_error, created_at, claimed_at, completed_at, updated_at`

// QueueConfig controls retry behaviour of the job queue.
type QueueConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// JobQueue is a durable work queue stored in the jobs table. At most one
// QUEUED, RETRYING or ACTIVE job exists per (title, type); the partial unique
// index jobs_open_title_type enforces it.
type JobQueue struct {
	db     *sqlx.DB
	cfg    QueueConfig
	jitter func() float64
}

func NewJobQueue(db *sqlx.DB, cfg QueueConfig) *JobQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &JobQueue{db: db, cfg: cfg, jitter: rand.Float64}
}

// Enqueue adds a QUEUED job eligible immediately. It reports false when an
// open job for the same title and type already exists.
func (q *JobQueue) Enqueue(ctx context.Context, jobType domain.JobType, titleID string) (bool, error) {
	return q.EnqueueAt(ctx, jobType, titleID, time.Time{}, 0)
}

// EnqueueAt is Enqueue with an explicit eligibility time and priority.
// A zero runAt means now.
func (q *JobQueue) EnqueueAt(ctx context.Context, jobType domain.JobType, titleID string, runAt time.Time, priority int) (bool, error) {
	if !jobType.Valid() {
		return false, fmt.Errorf("unknown job type %q", jobType)
	}

	var runAtArg any
	if !runAt.IsZero() {
		runAtArg = runAt
	}

	query := `
		INSERT INTO jobs (id, title_id, type, status, priority, attempts, max_attempts, run_at)
		VALUES ($1, $2, $3, 'QUEUED', $4, 0, $5, COALESCE($6, now()))
		ON CONFLICT (title_id, type) WHERE status IN ('QUEUED', 'ACTIVE', 'RETRYING') DO NOTHING`

	res, err := GetExecutor(ctx, q.db).ExecContext(ctx, query,
		uuid.NewString(),
		titleID,
		string(jobType),
		priority,
		q.cfg.MaxAttempts,
		runAtArg,
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Claim leases the next eligible job of the given type, or returns nil when
// there is none. Eligible means QUEUED or RETRYING and due, or ACTIVE with an
// expired lease. Concurrent callers never receive the same job. Every claim
// carries a fresh lease token; only the holder of the current token may settle it.
func (q *JobQueue) Claim(ctx context.Context, jobType domain.JobType, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE jobs SET
			status = 'ACTIVE',
			lease_expires_at = now() + ($2 * interval '1 millisecond'),
			lease_token = $3,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE type = $1
			  AND ((status IN ('QUEUED', 'RETRYING') AND run_at <= now())
			    OR (status = 'ACTIVE' AND lease_expires_at <= now()))
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := getContext(ctx, q.db, &job, query, string(jobType), lease.Milliseconds(), uuid.NewString())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Acknowledge marks a claimed job COMPLETED. It fails with ErrLeaseLost when
// the lease was reclaimed by another worker since job was claimed.
func (q *JobQueue) Acknowledge(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs SET
			status = 'COMPLETED',
			lease_expires_at = NULL,
			lease_token = NULL,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE' AND lease_token = $2`

	res, err := GetExecutor(ctx, q.db).ExecContext(ctx, query, job.ID, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("acknowledge job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return q.notHeld(ctx, job.ID)
	}
	return nil
}

// Fail records a failed attempt of a claimed job. The job becomes RETRYING with
// a backoff delay, or FAILED once it has used its attempts. The updated job is returned.
func (q *JobQueue) Fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	return q.fail(ctx, job, cause, false)
}

// FailPermanently marks a claimed job FAILED without further attempts.
func (q *JobQueue) FailPermanently(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	return q.fail(ctx, job, cause, true)
}

func (q *JobQueue) fail(ctx context.Context, claimed *domain.Job, cause error, permanent bool) (*domain.Job, error) {
	jobID := claimed.ID
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	var updated domain.Job
	err := withTx(ctx, q.db, func(txCtx context.Context) error {
		var job domain.Job
		err := getContext(txCtx, q.db, &job,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if job.Status != domain.JobActive {
			return fmt.Errorf("%w: %s is %s", domain.ErrJobNotActive, jobID, job.Status)
		}
		if !sameToken(job.LeaseToken, claimed.LeaseToken) {
			return fmt.Errorf("%w: %s", domain.ErrLeaseLost, jobID)
		}

		attempts := job.Attempts + 1
		status := domain.JobRetrying
		var delay time.Duration
		if permanent || attempts >= job.MaxAttempts {
			status = domain.JobFailed
		} else {
			delay = q.backoff(attempts)
		}

		query := `
			UPDATE jobs SET
				status = $2,
				attempts = $3,
				last_error = $4,
				run_at = now() + ($5 * interval '1 millisecond'),
				lease_expires_at = NULL,
				lease_token = NULL,
				updated_at = now()
			WHERE id = $1
			RETURNING ` + jobColumns

		return getContext(txCtx, q.db, &updated, query, jobID, string(status), attempts, message, delay.Milliseconds())
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// CancelOpen marks every QUEUED or RETRYING job of a title FAILED with reason.
// ACTIVE jobs are left to their workers.
func (q *JobQueue) CancelOpen(ctx context.Context, titleID, reason string) (int64, error) {
	query := `
		UPDATE jobs SET
			status = 'FAILED',
			last_error = $2,
			updated_at = now()
		WHERE title_id = $1 AND status IN ('QUEUED', 'RETRYING')`

	res, err := GetExecutor(ctx, q.db).ExecContext(ctx, query, titleID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get returns a job by id.
func (q *JobQueue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := getContext(ctx, q.db, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// CountCreatedSince counts jobs of a type created at or after since.
func (q *JobQueue) CountCreatedSince(ctx context.Context, jobType domain.JobType, since time.Time) (int, error) {
	var n int
	err := getContext(ctx, q.db, &n,
		`SELECT COUNT(*) FROM jobs WHERE type = $1 AND created_at >= $2 AND COALESCE(last_error, '') <> $3`,
		string(jobType), since, domain.ReasonSuperseded,
	)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Stats returns job counts grouped by type and status.
func (q *JobQueue) Stats(ctx context.Context) ([]domain.QueueDepth, error) {
	var depth []domain.QueueDepth
	err := selectContext(ctx, q.db, &depth,
		`SELECT type, status, COUNT(*) AS count FROM jobs GROUP BY type, status ORDER BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (q *JobQueue) notHeld(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobActive {
		return fmt.Errorf("%w: %s", domain.ErrLeaseLost, jobID)
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrJobNotActive, jobID, job.Status)
}

func sameToken(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func (q *JobQueue) backoff(attempt int) time.Duration {
	return Backoff(attempt, q.cfg.InitialBackoff, q.cfg.MaxBackoff, q.jitter)
}

// Backoff returns the retry delay after the given attempt: exponential from
// initial, capped at max, with jitter drawn from the upper half of the window.
func Backoff(attempt int, initial, max time.Duration, jitter func() float64) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}
