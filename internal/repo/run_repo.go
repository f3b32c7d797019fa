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

// runColumns — список колонок runs для SELECT.
const runColumns = `id, workflow_id, status, triggered_by, inputs, error,
	       idempotency_key, finished_at, created_at, updated_at`

// RunRepo — read-репозиторий для runs.
//
// Мутации статусов выполняет только координатор транзакций (internal/txn);
// здесь — чтение возможно устаревших представлений для оркестратора и фасада.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*domain.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workflow_id = $1 AND idempotency_key = $2`
	return scanRun(r.pool.QueryRow(ctx, query, workflowID, key))
}

// List возвращает runs с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter domain.RunFilter) ([]domain.WorkflowRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::uuid IS NULL OR workflow_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::text IS NULL OR triggered_by = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.WorkflowID),
		nullString(string(filter.Status)),
		nullString(filter.TriggeredBy),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListPending возвращает runs в статусе PENDING (для polling fallback).
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListCancelled возвращает подмножество ids, чьи runs в статусе CANCELLED.
// Используется оркестратором для прерывания выполняющихся jobs отменённых runs.
func (r *RunRepo) ListCancelled(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id FROM runs WHERE id = ANY($1) AND status = 'CANCELLED'`, ids)
	if err != nil {
		return nil, fmt.Errorf("list cancelled runs: %w", err)
	}
	defer rows.Close()

	var cancelled []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, rows.Err()
}

// --- Helpers ---

// scanRun сканирует одну строку в WorkflowRun.
func scanRun(row pgx.Row) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var inputsJSON []byte
	var runError, idempotencyKey *string

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.Status,
		&run.TriggeredBy,
		&inputsJSON,
		&runError,
		&idempotencyKey,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if runError != nil {
		run.Error = *runError
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
