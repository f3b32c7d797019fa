//go:build integration

package txn

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
)

// Интеграционные тесты координатора: нужна мигрированная БД.
//
//	DB_URL=postgresql://... go test -tags integration ./internal/txn
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL не задан, пропускаем интеграционные тесты")
	}

	pool, err := repo.NewPool(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// insertClaimedJob создаёт run с одним захваченным job.
func insertClaimedJob(t *testing.T, pool *pgxpool.Pool, attempt, maxAttempts int, claimedAgo time.Duration) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	wfID, runID, jobID := uuid.New(), uuid.New(), uuid.New()

	if _, err := pool.Exec(ctx, `
		INSERT INTO workflows (id, name, spec, created_at)
		VALUES ($1, $2, '{"jobs": []}', now())`,
		wfID, "sweep-test-"+wfID.String()[:8]); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, status, triggered_by, created_at, updated_at)
		VALUES ($1, $2, 'RUNNING', 'test', now(), now())`,
		runID, wfID); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO jobs (id, run_id, name, type, status, claimed_by, claimed_at,
		                  attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, 'fetch', 'noop', 'RUNNING', 'exec-gone-0', $3,
		        $4, $5, now(), now())`,
		jobID, runID, time.Now().Add(-claimedAgo), attempt, maxAttempts); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM jobs WHERE run_id = $1`, runID)
		pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
		pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, wfID)
	})
	return jobID
}

func jobState(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) (domain.JobStatus, *string, string) {
	t.Helper()

	var status domain.JobStatus
	var claimedBy *string
	var jobError *string
	err := pool.QueryRow(context.Background(),
		`SELECT status, claimed_by, error FROM jobs WHERE id = $1`, id).
		Scan(&status, &claimedBy, &jobError)
	if err != nil {
		t.Fatalf("select job: %v", err)
	}

	errText := ""
	if jobError != nil {
		errText = *jobError
	}
	return status, claimedBy, errText
}

func TestSweepStaleClaimsRequeuesWhenAttemptsRemain(t *testing.T) {
	pool := testPool(t)
	coord := NewCoordinator(pool, slog.New(slog.DiscardHandler))

	// attempt 1 из 3, захват протух 10 минут назад.
	jobID := insertClaimedJob(t, pool, 1, 3, 10*time.Minute)

	n, err := coord.SweepStaleClaims(context.Background(), 2*time.Minute)
	if err != nil {
		t.Fatalf("SweepStaleClaims() = %v", err)
	}
	if n < 1 {
		t.Errorf("отозвано %d захватов, хотим >= 1", n)
	}

	status, claimedBy, _ := jobState(t, pool, jobID)
	if status != domain.JobStatusReady {
		t.Errorf("статус = %s, хотим READY (попытки остались)", status)
	}
	if claimedBy != nil {
		t.Errorf("claimed_by = %q, хотим NULL после отзыва", *claimedBy)
	}
}

func TestSweepStaleClaimsFailsExhaustedJob(t *testing.T) {
	pool := testPool(t)
	coord := NewCoordinator(pool, slog.New(slog.DiscardHandler))

	// Последняя попытка уже шла: attempt 3 из 3.
	jobID := insertClaimedJob(t, pool, 3, 3, 10*time.Minute)

	if _, err := coord.SweepStaleClaims(context.Background(), 2*time.Minute); err != nil {
		t.Fatalf("SweepStaleClaims() = %v", err)
	}

	status, claimedBy, errText := jobState(t, pool, jobID)
	if status != domain.JobStatusFailed {
		t.Errorf("статус = %s, хотим FAILED (попытки исчерпаны)", status)
	}
	if claimedBy != nil {
		t.Errorf("claimed_by = %q, хотим NULL после отзыва", *claimedBy)
	}
	if errText != "claim expired without a terminal report" {
		t.Errorf("error = %q, хотим текст об истёкшем захвате", errText)
	}
}

func TestSweepStaleClaimsKeepsFreshClaims(t *testing.T) {
	pool := testPool(t)
	coord := NewCoordinator(pool, slog.New(slog.DiscardHandler))

	// Захват свежий: executor ещё работает.
	jobID := insertClaimedJob(t, pool, 1, 3, 10*time.Second)

	if _, err := coord.SweepStaleClaims(context.Background(), 2*time.Minute); err != nil {
		t.Fatalf("SweepStaleClaims() = %v", err)
	}

	status, claimedBy, _ := jobState(t, pool, jobID)
	if status != domain.JobStatusRunning {
		t.Errorf("статус = %s, хотим RUNNING (захват не протух)", status)
	}
	if claimedBy == nil {
		t.Error("claimed_by сброшен у живого захвата")
	}
}
