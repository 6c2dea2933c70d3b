package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderflow/internal/domain"
)

const pgUndefinedColumn = "42703"

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, owner_id, tier, status, priority, credits_reserved, prompt, quality, provider,
provider_job_id, progress, result_url, error_message, queue_position, queued_at, started_at, completed_at,
created_at, updated_at`

// Create inserts a new job record, filling job.ID when empty.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	query := `
INSERT INTO jobs (id, owner_id, tier, status, priority, credits_reserved, prompt, quality, provider, queued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.Tier,
		job.Status,
		job.Priority,
		job.CreditsReserved,
		job.Prompt,
		job.Quality,
		job.Provider,
		job.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Update applies a partial patch and returns the updated record.
func (r *JobRepositoryPG) Update(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	query := `
UPDATE jobs
SET status          = COALESCE($2, status),
    progress        = COALESCE($3, progress),
    provider_job_id = COALESCE($4, provider_job_id),
    result_url      = COALESCE($5, result_url),
    error_message   = COALESCE($6, error_message),
    queue_position  = CASE WHEN $7::boolean THEN NULL ELSE COALESCE($8, queue_position) END,
    started_at      = COALESCE($9, started_at),
    completed_at    = COALESCE($10, completed_at),
    updated_at      = NOW()
WHERE id = $1
RETURNING ` + jobColumns + `;`

	row := r.pool.QueryRow(ctx, query,
		jobID,
		(*string)(patch.Status),
		patch.Progress,
		patch.ProviderJobID,
		patch.ResultURL,
		patch.ErrorMessage,
		patch.ClearQueuePos,
		patch.QueuePosition,
		patch.StartedAt,
		patch.CompletedAt,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns jobs matching the filter, queued entries first by stored
// position, then newest first.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR owner_id = $1)
AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
ORDER BY queue_position ASC NULLS LAST, created_at DESC;`

	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	rows, err := r.pool.Query(ctx, query, filter.OwnerID, statuses)
	if err != nil {
		if isUndefinedColumn(err) {
			return nil, domain.ErrQueueUnsupported
		}
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateQueuePositions rewrites stored queue positions in a single statement.
func (r *JobRepositoryPG) UpdateQueuePositions(ctx context.Context, positions map[string]int) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(positions))
	pos := make([]int, 0, len(positions))
	for id, p := range positions {
		ids = append(ids, id)
		pos = append(pos, p)
	}
	query := `
UPDATE jobs
SET queue_position = v.pos, updated_at = NOW()
FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::int[]) AS pos) AS v
WHERE jobs.id = v.id;
`
	if _, err := r.pool.Exec(ctx, query, ids, pos); err != nil {
		if isUndefinedColumn(err) {
			return domain.ErrQueueUnsupported
		}
		return fmt.Errorf("update queue positions: %w", err)
	}
	return nil
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedColumn
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Tier,
		&job.Status,
		&job.Priority,
		&job.CreditsReserved,
		&job.Prompt,
		&job.Quality,
		&job.Provider,
		&job.ProviderJobID,
		&job.Progress,
		&job.ResultURL,
		&job.ErrorMessage,
		&job.QueuePosition,
		&job.QueuedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}
