package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// ScheduleRepo — репозиторий для работы с schedules.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// ListDue возвращает schedules, готовые к срабатыванию
// (enabled=true, next_due_at <= now).
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT id, workflow_id, name, cron_expr, inputs, enabled,
		       next_due_at, last_run_id, created_at
		FROM schedules
		WHERE enabled = true AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// Update обновляет next_due_at и last_run_id после срабатывания.
func (r *ScheduleRepo) Update(ctx context.Context, sched *domain.Schedule) error {
	query := `
		UPDATE schedules
		SET next_due_at = $2, last_run_id = $3
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, sched.ID, sched.NextDueAt, sched.LastRunID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanSchedule сканирует одну строку в Schedule.
func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var sched domain.Schedule
	var inputsJSON []byte

	err := row.Scan(
		&sched.ID,
		&sched.WorkflowID,
		&sched.Name,
		&sched.CronExpr,
		&inputsJSON,
		&sched.Enabled,
		&sched.NextDueAt,
		&sched.LastRunID,
		&sched.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &sched.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}

	return &sched, nil
}
