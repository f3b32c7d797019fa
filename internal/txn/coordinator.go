package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
)

// Coordinator — единственная точка записи для runs и jobs.
//
// Каждый переход состояния — отдельная транзакция с guard-условием в
// WHERE: ожидаемый исходный статус и владелец захвата проверяются самой
// БД. 0 затронутых строк означает проигранную гонку (Conflict) или
// устаревший захват (StaleClaim), а не ошибку. Уведомления об изменениях
// публикуются через pg_notify в той же транзакции, что и мутация.
type Coordinator struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	publisher Publisher
}

// Publisher — дополнительный транспорт доставки событий изменений
// (AMQP-вариант слушателя). pg_notify публикуется всегда; publisher —
// best-effort после commit.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// NewCoordinator создаёт координатор поверх пула соединений.
func NewCoordinator(pool *pgxpool.Pool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		pool:   pool,
		logger: logger.With("component", "txn"),
	}
}

// SetPublisher подключает дополнительный транспорт событий.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

// Apply выполняет описанный переход.
//
// Для finish/cancel_run возвращаемый job равен nil.
func (c *Coordinator) Apply(ctx context.Context, t Transition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	switch t.Op {
	case OpClaim:
		return c.ClaimJob(ctx, t.JobID, t.ExecutorID)
	case OpStart:
		return c.StartJob(ctx, t.JobID, t.ExecutorID)
	case OpFinish:
		return nil, c.FinishJob(ctx, t.JobID, t.ExecutorID, t.Outcome)
	case OpCancelRun:
		return nil, c.CancelRun(ctx, t.RunID)
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrBadTransition, t.Op)
}

// ClaimJob атомарно захватывает READY job для executor.
//
// Один UPDATE с guard: переход применяется не более чем у одного из
// конкурирующих вызывающих, остальные получают Conflict и идут к
// следующему кандидату.
func (c *Coordinator) ClaimJob(ctx context.Context, jobID uuid.UUID, executorID string) (*domain.Job, error) {
	const op = "claim"
	query := `
		UPDATE jobs
		SET status = 'CLAIMED', claimed_by = $2, claimed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'READY' AND claimed_by IS NULL
		RETURNING ` + repo.JobColumns

	job, err := repo.ScanJob(c.pool.QueryRow(ctx, query, jobID, executorID))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, conflict(op)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return job, nil
}

// StartJob переводит захваченный job в RUNNING и инкрементирует attempt.
//
// Guard по claimed_by: если захват уже отозван (отмена или sweep),
// вызывающий получает ErrStaleClaim и не приступает к работе.
func (c *Coordinator) StartJob(ctx context.Context, jobID uuid.UUID, executorID string) (*domain.Job, error) {
	const op = "start"
	query := `
		UPDATE jobs
		SET status = 'RUNNING', attempt = attempt + 1, updated_at = now()
		WHERE id = $1 AND status = 'CLAIMED' AND claimed_by = $2
		RETURNING ` + repo.JobColumns

	job, err := repo.ScanJob(c.pool.QueryRow(ctx, query, jobID, executorID))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrStaleClaim
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return job, nil
}

// FinishJob фиксирует итог выполнения job.
//
// FAILED с неисчерпанными попытками возвращается в READY для retry.
// Guard по claimed_by и RUNNING: если run отменили во время выполнения,
// терминальная запись executor-а отсекается (ErrStaleClaim) и статус
// CANCELLED, выставленный отменой, сохраняется — отмена всегда побеждает.
func (c *Coordinator) FinishJob(ctx context.Context, jobID uuid.UUID, executorID string, outcome domain.JobOutcome) error {
	const op = "finish"

	outputsJSON, err := marshalNullable(outcome.Outputs)
	if err != nil {
		return fmt.Errorf("txn %s: marshal outputs: %w", op, err)
	}

	var ev domain.ChangeEvent
	txErr := c.withTx(ctx, op, func(tx pgx.Tx) error {
		query := `
			UPDATE jobs
			SET status = CASE
			        WHEN $3 = 'FAILED' AND attempt < max_attempts THEN 'READY'
			        ELSE $3
			    END,
			    outputs = $4,
			    error = $5,
			    claimed_by = NULL, claimed_at = NULL, updated_at = now()
			WHERE id = $1 AND claimed_by = $2 AND status = 'RUNNING'
			RETURNING run_id`

		var runID uuid.UUID
		err := tx.QueryRow(ctx, query,
			jobID, executorID, string(outcome.Status), outputsJSON, nullableText(outcome.Error),
		).Scan(&runID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleClaim
		}
		if err != nil {
			return err
		}

		ev = domain.ChangeEvent{
			Table:    domain.ChangeTableJobs,
			Op:       domain.ChangeOpUpdate,
			EntityID: jobID,
			RunID:    runID,
		}
		return c.notify(ctx, tx, ev)
	})
	if txErr != nil {
		return txErr
	}

	c.publish(ctx, ev)
	return nil
}

// CancelRun отменяет run и каскадом все его нетерминальные jobs.
//
// Захваты отменённых jobs сбрасываются сразу: executor, который ещё
// выполняет такой job, при попытке зафиксировать итог получит StaleClaim.
func (c *Coordinator) CancelRun(ctx context.Context, runID uuid.UUID) error {
	const op = "cancel_run"

	err := c.withTx(ctx, op, func(tx pgx.Tx) error {
		var status domain.RunStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return repo.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return conflict(op)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE runs
			SET status = 'CANCELLED', finished_at = now(), updated_at = now()
			WHERE id = $1`, runID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'CANCELLED', claimed_by = NULL, claimed_at = NULL, updated_at = now()
			WHERE run_id = $1 AND status IN ('PENDING', 'READY', 'CLAIMED', 'RUNNING')`,
			runID); err != nil {
			return err
		}

		return c.notify(ctx, tx, domain.ChangeEvent{
			Table:    domain.ChangeTableRuns,
			Op:       domain.ChangeOpUpdate,
			EntityID: runID,
			RunID:    runID,
		})
	})
	if err != nil {
		return err
	}

	c.publish(ctx, domain.ChangeEvent{
		Table:    domain.ChangeTableRuns,
		Op:       domain.ChangeOpUpdate,
		EntityID: runID,
		RunID:    runID,
	})
	return nil
}

// CreateRunWithJobs создаёт run вместе со всеми его jobs атомарно.
//
// Уникальный индекс (workflow_id, idempotency_key) превращает повторный
// триггер с тем же ключом в ErrAlreadyExists — фасад тогда возвращает
// уже существующий run.
func (c *Coordinator) CreateRunWithJobs(ctx context.Context, run *domain.WorkflowRun, jobs []domain.Job) error {
	const op = "create_run"

	inputsJSON, err := marshalNullable(run.Inputs)
	if err != nil {
		return fmt.Errorf("txn %s: marshal inputs: %w", op, err)
	}

	err = c.withTx(ctx, op, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO runs (id, workflow_id, status, triggered_by, inputs,
			                  idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			run.ID, run.WorkflowID, string(run.Status), run.TriggeredBy,
			inputsJSON, nullableText(run.IdempotencyKey), run.CreatedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i := range jobs {
			job := &jobs[i]
			paramsJSON, err := marshalNullable(job.Params)
			if err != nil {
				return fmt.Errorf("marshal params for job %q: %w", job.Name, err)
			}
			batch.Queue(`
				INSERT INTO jobs (id, run_id, name, type, params, depends_on,
				                  status, attempt, max_attempts, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)`,
				job.ID, job.RunID, job.Name, job.Type, paramsJSON, job.DependsOn,
				string(job.Status), job.MaxAttempts, job.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		return c.notify(ctx, tx, domain.ChangeEvent{
			Table:    domain.ChangeTableRuns,
			Op:       domain.ChangeOpInsert,
			EntityID: run.ID,
			RunID:    run.ID,
		})
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	c.publish(ctx, domain.ChangeEvent{
		Table:    domain.ChangeTableRuns,
		Op:       domain.ChangeOpInsert,
		EntityID: run.ID,
		RunID:    run.ID,
	})
	return nil
}

// PromoteReady переводит PENDING jobs с выполненными зависимостями в READY
// и помечает их runs как RUNNING. Возвращает число продвинутых jobs.
//
// Повторный вызов без изменений в БД продвигает 0 строк: операция
// идемпотентна, дубликаты событий безвредны.
func (c *Coordinator) PromoteReady(ctx context.Context) (int, error) {
	const op = "promote"
	var promoted int64

	err := c.withTx(ctx, op, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs j
			SET status = 'READY', updated_at = now()
			WHERE j.status = 'PENDING'
			  AND EXISTS (
			      SELECT 1 FROM runs r
			      WHERE r.id = j.run_id AND r.status IN ('PENDING', 'RUNNING'))
			  AND NOT EXISTS (
			      SELECT 1 FROM jobs d
			      WHERE d.run_id = j.run_id
			        AND d.name = ANY(j.depends_on)
			        AND d.status <> 'SUCCEEDED')`)
		if err != nil {
			return err
		}
		promoted = tag.RowsAffected()

		_, err = tx.Exec(ctx, `
			UPDATE runs r
			SET status = 'RUNNING', updated_at = now()
			WHERE r.status = 'PENDING'
			  AND EXISTS (
			      SELECT 1 FROM jobs j
			      WHERE j.run_id = r.id AND j.status <> 'PENDING')`)
		return err
	})
	return int(promoted), err
}

// FinalizeRuns выводит терминальный статус runs из статусов их jobs:
// все jobs SUCCEEDED -> run SUCCEEDED; есть job FAILED с исчерпанными
// попытками -> run FAILED, остальные нетерминальные jobs отменяются.
// Возвращает число финализированных runs.
func (c *Coordinator) FinalizeRuns(ctx context.Context) (int, error) {
	const op = "finalize"
	var finished []uuid.UUID

	err := c.withTx(ctx, op, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE runs r
			SET status = 'SUCCEEDED', finished_at = now(), updated_at = now()
			WHERE r.status IN ('PENDING', 'RUNNING')
			  AND EXISTS (SELECT 1 FROM jobs j WHERE j.run_id = r.id)
			  AND NOT EXISTS (
			      SELECT 1 FROM jobs j
			      WHERE j.run_id = r.id AND j.status <> 'SUCCEEDED')
			RETURNING r.id`)
		if err != nil {
			return err
		}
		finished, err = collectIDs(rows, finished)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			UPDATE runs r
			SET status = 'FAILED',
			    error = 'one or more jobs exhausted retries',
			    finished_at = now(), updated_at = now()
			WHERE r.status IN ('PENDING', 'RUNNING')
			  AND EXISTS (
			      SELECT 1 FROM jobs j
			      WHERE j.run_id = r.id AND j.status = 'FAILED')
			RETURNING r.id`)
		if err != nil {
			return err
		}
		var failed []uuid.UUID
		failed, err = collectIDs(rows, nil)
		if err != nil {
			return err
		}

		if len(failed) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'CANCELLED', claimed_by = NULL, claimed_at = NULL, updated_at = now()
				WHERE run_id = ANY($1)
				  AND status IN ('PENDING', 'READY', 'CLAIMED', 'RUNNING')`,
				failed); err != nil {
				return err
			}
			finished = append(finished, failed...)
		}

		for _, id := range finished {
			if err := c.notify(ctx, tx, domain.ChangeEvent{
				Table:    domain.ChangeTableRuns,
				Op:       domain.ChangeOpUpdate,
				EntityID: id,
				RunID:    id,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range finished {
		c.publish(ctx, domain.ChangeEvent{
			Table:    domain.ChangeTableRuns,
			Op:       domain.ChangeOpUpdate,
			EntityID: id,
			RunID:    id,
		})
	}
	return len(finished), nil
}

// SweepStaleClaims отзывает захваты, по которым executor не отчитался
// за olderThan: с остатком попыток job возвращается в READY, иначе
// помечается FAILED. Возвращает число отозванных захватов.
func (c *Coordinator) SweepStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "sweep"
	cutoff := time.Now().Add(-olderThan)

	tag, err := c.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempt < max_attempts THEN 'READY' ELSE 'FAILED' END,
		    error = CASE WHEN attempt < max_attempts THEN error
		                 ELSE 'claim expired without a terminal report' END,
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE status IN ('CLAIMED', 'RUNNING') AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, classify(op, err)
	}

	if n := tag.RowsAffected(); n > 0 {
		c.logger.Warn("reclaimed stale claims", "count", n, "older_than", olderThan)
		return int(n), nil
	}
	return 0, nil
}

// ReleaseClaims возвращает в READY все захваты перечисленных executors.
// Вызывается при graceful shutdown, чтобы не ждать claim timeout.
func (c *Coordinator) ReleaseClaims(ctx context.Context, executorIDs []string) (int, error) {
	const op = "release"
	if len(executorIDs) == 0 {
		return 0, nil
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'READY', claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE claimed_by = ANY($1) AND status IN ('CLAIMED', 'RUNNING')`, executorIDs)
	if err != nil {
		return 0, classify(op, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Helpers ---

// withTx выполняет fn в транзакции с классификацией ошибок.
func (c *Coordinator) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		var txErr *TxError
		if errors.As(err, &txErr) || errors.Is(err, ErrStaleClaim) ||
			errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return classify(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

// notify публикует событие изменения в той же транзакции, что и мутация:
// слушатели увидят его только после успешного commit.
func (c *Coordinator) notify(ctx context.Context, tx pgx.Tx, ev domain.ChangeEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, domain.ChangeChannel, string(payload))
	return err
}

// publish отправляет событие в дополнительный транспорт после commit.
// Ошибка не фатальна: пропуск компенсирует polling.
func (c *Coordinator) publish(ctx context.Context, ev domain.ChangeEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish change event failed",
			"table", ev.Table, "run_id", ev.RunID, "error", err)
	}
}

func collectIDs(rows pgx.Rows, dst []uuid.UUID) ([]uuid.UUID, error) {
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return dst, err
		}
		dst = append(dst, id)
	}
	return dst, rows.Err()
}

// marshalNullable сериализует map в JSON, пустую map — в NULL.
func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// nullableText возвращает NULL вместо пустой строки.
func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
