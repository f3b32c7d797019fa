package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// JobColumns — список колонок jobs для SELECT (используется и координатором).
const JobColumns = `id, run_id, name, type, params, depends_on, status,
	       claimed_by, claimed_at, attempt, max_attempts, outputs, error,
	       created_at, updated_at`

// JobRepo — read-репозиторий для jobs.
//
// Как и RunRepo, отдаёт только снимки: захват и переходы статусов
// идут через координатор транзакций.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + JobColumns + ` FROM jobs WHERE id = $1`
	return ScanJob(r.pool.QueryRow(ctx, query, id))
}

// ListByRunID возвращает все jobs для run.
func (r *JobRepo) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Job, error) {
	query := `SELECT ` + JobColumns + ` FROM jobs WHERE run_id = $1 ORDER BY created_at ASC`
	return r.queryJobs(ctx, query, runID)
}

// ListReady возвращает READY jobs — кандидатов на захват.
//
// Порядок — по времени создания: старые jobs захватываются первыми.
// Список — всего лишь подсказка: между чтением и попыткой захвата job
// может забрать другой executor, это штатный Conflict.
func (r *JobRepo) ListReady(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `
		SELECT ` + JobColumns + `
		FROM jobs
		WHERE status = 'READY' AND claimed_by IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryJobs(ctx, query, limit)
}

// CountReady возвращает количество READY jobs.
func (r *JobRepo) CountReady(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'READY' AND claimed_by IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return count, nil
}

// queryJobs выполняет запрос и сканирует результат в []Job.
func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ScanJob сканирует одну строку в Job.
func ScanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var paramsJSON, outputsJSON []byte
	var claimedBy, jobError *string

	err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.Name,
		&job.Type,
		&paramsJSON,
		&job.DependsOn,
		&job.Status,
		&claimedBy,
		&job.ClaimedAt,
		&job.Attempt,
		&job.MaxAttempts,
		&outputsJSON,
		&jobError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if outputsJSON != nil {
		if err := json.Unmarshal(outputsJSON, &job.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if claimedBy != nil {
		job.ClaimedBy = *claimedBy
	}
	if jobError != nil {
		job.Error = *jobError
	}

	return &job, nil
}
