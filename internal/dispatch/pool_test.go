package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/txn"
)

// memStore — in-memory замена координатора и источника jobs.
// Повторяет guard-семантику переходов: захват получает ровно один
// вызывающий, устаревший захват отсекается.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemStore(jobs ...*domain.Job) *memStore {
	s := &memStore{jobs: make(map[uuid.UUID]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) ListReady(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusReady && j.ClaimedBy == "" {
			out = append(out, *j)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ClaimJob(_ context.Context, id uuid.UUID, executorID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusReady || j.ClaimedBy != "" {
		return nil, &txn.TxError{Kind: txn.KindConflict, Op: "claim"}
	}
	j.Status = domain.JobStatusClaimed
	j.ClaimedBy = executorID
	snapshot := *j
	return &snapshot, nil
}

func (s *memStore) StartJob(_ context.Context, id uuid.UUID, executorID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusClaimed || j.ClaimedBy != executorID {
		return nil, txn.ErrStaleClaim
	}
	j.Status = domain.JobStatusRunning
	j.Attempt++
	snapshot := *j
	return &snapshot, nil
}

func (s *memStore) FinishJob(_ context.Context, id uuid.UUID, executorID string, outcome domain.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning || j.ClaimedBy != executorID {
		return txn.ErrStaleClaim
	}

	if outcome.Status == domain.JobStatusFailed && j.Attempt < j.MaxAttempts {
		j.Status = domain.JobStatusReady
	} else {
		j.Status = outcome.Status
	}
	j.Outputs = outcome.Outputs
	j.Error = outcome.Error
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	return nil
}

// cancelJob имитирует отмену run: статус CANCELLED, захват сброшен.
func (s *memStore) cancelJob(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.jobs[id]
	j.Status = domain.JobStatusCancelled
	j.ClaimedBy = ""
	j.ClaimedAt = nil
}

func (s *memStore) status(id uuid.UUID) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func (s *memStore) attempt(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Attempt
}

func (s *memStore) claimedBy(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].ClaimedBy
}

func newTestJob(jobType string, maxAttempts int) *domain.Job {
	return &domain.Job{
		ID:          uuid.New(),
		RunID:       uuid.New(),
		Name:        "job-" + uuid.New().String()[:8],
		Type:        jobType,
		Status:      domain.JobStatusReady,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

// countingExecutor считает вызовы Execute.
type countingExecutor struct {
	calls atomic.Int64
	err   string
	block chan struct{} // если не nil — Execute ждёт закрытия или ctx
}

func (e *countingExecutor) Execute(ctx context.Context, _ *domain.Job) (*ExecutionResult, error) {
	e.calls.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != "" {
		return &ExecutionResult{Error: e.err}, nil
	}
	return &ExecutionResult{Outputs: map[string]any{"ok": true}}, nil
}

// stubbornExecutor игнорирует отмену: висит, пока не закроют release.
type stubbornExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (e *stubbornExecutor) Execute(context.Context, *domain.Job) (*ExecutionResult, error) {
	close(e.started)
	<-e.release
	return &ExecutionResult{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("условие не выполнилось за 5s")
}

func TestPoolExecutesAllReadyJobs(t *testing.T) {
	jobs := make([]*domain.Job, 6)
	for i := range jobs {
		jobs[i] = newTestJob("test", 1)
	}
	store := newMemStore(jobs...)

	exec := &countingExecutor{}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	var terminal atomic.Int64
	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        3,
		OnTerminal:  func(uuid.UUID) { terminal.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Wake()

	waitFor(t, func() bool {
		for _, j := range jobs {
			if store.status(j.ID) != domain.JobStatusSucceeded {
				return false
			}
		}
		return true
	})

	if got := exec.calls.Load(); got != 6 {
		t.Errorf("Execute вызван %d раз, хотим 6 (ровно один захват на job)", got)
	}
	if got := terminal.Load(); got != 6 {
		t.Errorf("OnTerminal вызван %d раз, хотим 6", got)
	}
}

func TestPoolClaimsJobExactlyOnce(t *testing.T) {
	job := newTestJob("test", 1)
	store := newMemStore(job)

	exec := &countingExecutor{}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        8,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	// Будим все 8 слотов ради одного job.
	pool.Wake()

	waitFor(t, func() bool {
		return store.status(job.ID) == domain.JobStatusSucceeded
	})

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("Execute вызван %d раз при 8 конкурирующих слотах, хотим 1", got)
	}
}

func TestPoolSkipsForeignClaims(t *testing.T) {
	taken := newTestJob("test", 1)
	taken.Status = domain.JobStatusClaimed
	taken.ClaimedBy = "someone-else"
	free := newTestJob("test", 1)

	store := newMemStore(taken, free)
	exec := &countingExecutor{}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Wake()

	waitFor(t, func() bool {
		return store.status(free.ID) == domain.JobStatusSucceeded
	})

	if store.status(taken.ID) != domain.JobStatusClaimed {
		t.Error("чужой захват не должен быть тронут")
	}
}

func TestPoolRetriesFailedJob(t *testing.T) {
	job := newTestJob("test", 3)
	store := newMemStore(job)

	exec := &countingExecutor{err: "boom"}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Wake()

	waitFor(t, func() bool {
		return store.status(job.ID) == domain.JobStatusFailed
	})

	if got := store.attempt(job.ID); got != 3 {
		t.Errorf("attempt = %d, хотим 3 (все попытки исчерпаны)", got)
	}
	if got := exec.calls.Load(); got != 3 {
		t.Errorf("Execute вызван %d раз, хотим 3", got)
	}
}

func TestPoolCancellationWins(t *testing.T) {
	job := newTestJob("test", 1)
	store := newMemStore(job)

	exec := &countingExecutor{block: make(chan struct{})}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	var terminal atomic.Int64
	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        1,
		OnTerminal:  func(uuid.UUID) { terminal.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Wake()

	// Ждём, пока job начнёт выполняться.
	waitFor(t, func() bool {
		return store.status(job.ID) == domain.JobStatusRunning
	})

	// Отмена: БД-статус уже CANCELLED, затем прерываем executor.
	store.cancelJob(job.ID)
	pool.Abort(job.RunID)

	// Терминальный отчёт executor-а должен быть отсечён как StaleClaim.
	waitFor(t, func() bool {
		return len(pool.ActiveRunIDs()) == 0
	})

	if got := store.status(job.ID); got != domain.JobStatusCancelled {
		t.Errorf("статус = %s, хотим CANCELLED (отмена всегда побеждает)", got)
	}
	if got := terminal.Load(); got != 0 {
		t.Errorf("OnTerminal вызван %d раз после отсечённого отчёта, хотим 0", got)
	}
}

func TestPoolShutdownLeavesClaimHeld(t *testing.T) {
	job := newTestJob("test", 3)
	store := newMemStore(job)

	exec := &countingExecutor{block: make(chan struct{})}
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	var terminal atomic.Int64
	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        1,
		OnTerminal:  func(uuid.UUID) { terminal.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	pool.Wake()
	waitFor(t, func() bool {
		return store.status(job.ID) == domain.JobStatusRunning
	})

	// Остановка движка посреди выполнения: run никто не отменял.
	cancel()
	pool.Stop()

	// Прерванный job не должен стать CANCELLED — статус и захват
	// остаются, чтобы ReleaseClaims (или sweep) вернул его в READY.
	if got := store.status(job.ID); got != domain.JobStatusRunning {
		t.Errorf("статус = %s, хотим RUNNING (shutdown не отменяет run)", got)
	}
	if got := store.claimedBy(job.ID); got == "" {
		t.Error("захват сброшен при shutdown, хотим удержанный claim для ReleaseClaims")
	}
	if got := terminal.Load(); got != 0 {
		t.Errorf("OnTerminal вызван %d раз при shutdown, хотим 0", got)
	}
}

func TestPoolAbandonsUnresponsiveExecutor(t *testing.T) {
	job := newTestJob("test", 1)
	store := newMemStore(job)

	exec := &stubbornExecutor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(exec.release)
	registry := &Registry{executors: map[string]Executor{"test": exec}}

	pool := NewPool(Config{
		Coordinator: store,
		Source:      store,
		Registry:    registry,
		Size:        1,
		CancelGrace: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Wake()
	<-exec.started

	pool.Abort(job.RunID)

	// Executor не реагирует на отмену: по истечении grace слот бросает
	// его и фиксирует CANCELLED самостоятельно.
	waitFor(t, func() bool {
		return store.status(job.ID) == domain.JobStatusCancelled
	})
}
