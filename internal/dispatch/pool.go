package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/txn"
)

// Default configuration values.
const (
	defaultPoolSize    = 4
	defaultBatchSize   = 16
	defaultFinishGrace = 5 * time.Second
	defaultCancelGrace = 5 * time.Second
)

// Coordinator — переходы состояний, нужные executor-у.
type Coordinator interface {
	ClaimJob(ctx context.Context, jobID uuid.UUID, executorID string) (*domain.Job, error)
	StartJob(ctx context.Context, jobID uuid.UUID, executorID string) (*domain.Job, error)
	FinishJob(ctx context.Context, jobID uuid.UUID, executorID string, outcome domain.JobOutcome) error
}

// JobSource — источник кандидатов на захват.
type JobSource interface {
	ListReady(ctx context.Context, limit int) ([]domain.Job, error)
}

// Pool — пул executor-слотов.
//
// Каждый слот в цикле: берёт кандидатов из JobSource, пытается
// захватить первого доступного, выполняет и фиксирует итог. Список
// кандидатов — только подсказка: эксклюзивность даёт guard захвата,
// проигранный захват (Conflict) — штатный исход, слот просто переходит
// к следующему кандидату.
//
// Пул пассивен: работу он начинает по Wake() от оркестратора
// (событие или poll), сам БД не опрашивает.
type Pool struct {
	coord    Coordinator
	source   JobSource
	registry *Registry
	logger   *slog.Logger

	size        int
	batchSize   int
	cancelGrace time.Duration

	// wake — коалесцирующий сигнал «появились READY jobs», по одному
	// каналу на слот: занятый слот сигнал не теряет, свободный
	// просыпается сразу.
	wake []chan struct{}

	// onTerminal вызывается после фиксации терминального статуса job.
	onTerminal func(runID uuid.UUID)

	mu          sync.Mutex
	running     map[uuid.UUID]map[uuid.UUID]context.CancelFunc
	executorIDs []string
	stopped     bool

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Pool.
type Config struct {
	Coordinator Coordinator
	Source      JobSource

	// Registry — реестр executor'ов (nil — NewRegistry()).
	Registry *Registry

	// Size — число слотов (default: 4).
	Size int

	// BatchSize — размер выборки кандидатов (default: 16).
	BatchSize int

	// CancelGrace — сколько ждать реакции executor'а на отмену,
	// прежде чем бросить его и зафиксировать CANCELLED (default: 5s).
	CancelGrace time.Duration

	// OnTerminal — уведомление оркестратора о терминальном статусе job.
	OnTerminal func(runID uuid.UUID)

	Logger *slog.Logger
}

// NewPool создаёт пул executor-слотов.
func NewPool(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = defaultPoolSize
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	cancelGrace := cfg.CancelGrace
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onTerminal := cfg.OnTerminal
	if onTerminal == nil {
		onTerminal = func(uuid.UUID) {}
	}

	p := &Pool{
		coord:       cfg.Coordinator,
		source:      cfg.Source,
		registry:    registry,
		logger:      logger.With("component", "dispatch"),
		size:        size,
		batchSize:   batchSize,
		cancelGrace: cancelGrace,
		onTerminal:  onTerminal,
		running:     make(map[uuid.UUID]map[uuid.UUID]context.CancelFunc),
	}

	prefix := uuid.New().String()[:8]
	for i := 0; i < size; i++ {
		p.executorIDs = append(p.executorIDs, fmt.Sprintf("exec-%s-%d", prefix, i))
		p.wake = append(p.wake, make(chan struct{}, 1))
	}

	return p
}

// Start запускает слоты пула.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	for i, execID := range p.executorIDs {
		p.wg.Add(1)
		go func(execID string, wake <-chan struct{}) {
			defer p.wg.Done()
			p.slotLoop(ctx, execID, wake)
		}(execID, p.wake[i])
	}

	p.logger.Info("dispatch pool started", "slots", p.size)
}

// Wake сигнализирует пулу о возможной работе.
//
// Сигнал коалесцируется per-slot: сколько бы событий ни пришло, пока
// слот занят, он проснётся один раз и сам выгребет всё из JobSource.
func (p *Pool) Wake() {
	for _, ch := range p.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Abort прерывает выполняющиеся jobs указанного run.
//
// Вызывается при отмене run: контексты executor'ов отменяются,
// их терминальные отчёты отсечёт guard (захват уже сброшен отменой).
func (p *Pool) Abort(runID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.running[runID] {
		cancel()
	}
}

// ActiveRunIDs возвращает runs с выполняющимися jobs.
func (p *Pool) ActiveRunIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	return ids
}

// ExecutorIDs возвращает идентификаторы слотов.
// Нужен для освобождения захватов при shutdown.
func (p *Pool) ExecutorIDs() []string {
	return p.executorIDs
}

// Stop останавливает пул и ждёт завершения слотов.
//
// Выполняющиеся jobs получают отмену контекста; их захваты освобождает
// вызывающий через Coordinator.ReleaseClaims.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	p.wg.Wait()

	p.logger.Info("dispatch pool stopped")
}

// shuttingDown различает остановку движка и отмену отдельного run:
// контекст слота рвётся сигналом или Stop(), контекст job — ещё и Abort().
func (p *Pool) shuttingDown(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// slotLoop — цикл одного слота.
func (p *Pool) slotLoop(ctx context.Context, execID string, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			p.drain(ctx, execID)
		}
	}
}

// drain выгребает READY jobs, пока захваты удаются.
func (p *Pool) drain(ctx context.Context, execID string) {
	for ctx.Err() == nil {
		job := p.claimNext(ctx, execID)
		if job == nil {
			return
		}
		p.runJob(ctx, execID, job)
	}
}

// claimNext пытается захватить первого доступного кандидата.
//
// Возвращает nil, когда кандидатов нет или все захвачены другими.
func (p *Pool) claimNext(ctx context.Context, execID string) *domain.Job {
	candidates, err := p.source.ListReady(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("list ready jobs failed", "executor", execID, "error", err)
		}
		return nil
	}

	for i := range candidates {
		job, err := p.coord.ClaimJob(ctx, candidates[i].ID, execID)
		if txn.IsConflict(err) {
			telemetry.ClaimConflicts.Inc()
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("claim failed",
					"executor", execID, "job_id", candidates[i].ID, "error", err)
			}
			return nil
		}
		telemetry.JobsClaimed.Inc()
		return job
	}
	return nil
}

// runJob выполняет захваченный job и фиксирует итог.
func (p *Pool) runJob(ctx context.Context, execID string, claimed *domain.Job) {
	logger := p.logger.With("executor", execID, "job_id", claimed.ID, "run_id", claimed.RunID)

	job, err := p.coord.StartJob(ctx, claimed.ID, execID)
	if errors.Is(err, txn.ErrStaleClaim) {
		logger.Debug("claim revoked before start")
		return
	}
	if err != nil {
		logger.Error("start job failed", "error", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.track(job.RunID, job.ID, cancel)
	defer func() {
		cancel()
		p.untrack(job.RunID, job.ID)
	}()

	telemetry.PoolBusy.Inc()
	defer telemetry.PoolBusy.Dec()

	logger.Info("job started", "type", job.Type, "attempt", job.Attempt)
	startedAt := time.Now()

	outcome := p.execute(jobCtx, job)
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(startedAt).Seconds())

	// Прерывание остановкой пула — не отмена run: CANCELLED здесь не
	// фиксируем, захват остаётся за слотом. ReleaseClaims при shutdown
	// (или sweep по таймауту) вернёт job в READY для другого engine.
	if outcome.Status == domain.JobStatusCancelled && p.shuttingDown(ctx) {
		logger.Info("job interrupted by shutdown, claim left for release")
		return
	}

	// Итог фиксируем вне jobCtx: отмена job не должна рвать отчёт.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFinishGrace)
	defer finishCancel()

	err = p.coord.FinishJob(finishCtx, job.ID, execID, outcome)
	if errors.Is(err, txn.ErrStaleClaim) {
		// Отмена или sweep успели раньше — их статус авторитетен.
		logger.Debug("terminal report discarded, claim revoked")
		return
	}
	if err != nil {
		logger.Error("finish job failed", "error", err)
		return
	}

	telemetry.JobsFinished.WithLabelValues(string(outcome.Status)).Inc()
	logger.Info("job finished",
		"status", outcome.Status, "duration", time.Since(startedAt))

	p.onTerminal(job.RunID)
}

// execute вызывает executor и переводит его ответ в JobOutcome.
//
// После отмены телу даётся cancelGrace на реакцию; не отреагировавший
// executor бросается (горутина дорабатывает вхолостую), а job
// фиксируется как CANCELLED — отмена не должна ждать зависшее тело.
func (p *Pool) execute(ctx context.Context, job *domain.Job) domain.JobOutcome {
	executor, err := p.registry.Get(job.Type)
	if err != nil {
		return domain.JobOutcome{Status: domain.JobStatusFailed, Error: err.Error()}
	}

	done := make(chan domain.JobOutcome, 1)
	go func() {
		result, err := executor.Execute(ctx, job)
		switch {
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// Прерваны отменой run или shutdown.
			done <- domain.JobOutcome{Status: domain.JobStatusCancelled, Error: "execution aborted"}
		case err != nil:
			done <- domain.JobOutcome{Status: domain.JobStatusFailed, Error: err.Error()}
		case result.Error != "":
			done <- domain.JobOutcome{
				Status:  domain.JobStatusFailed,
				Outputs: result.Outputs,
				Error:   result.Error,
			}
		default:
			done <- domain.JobOutcome{Status: domain.JobStatusSucceeded, Outputs: result.Outputs}
		}
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
	}

	select {
	case outcome := <-done:
		return outcome
	case <-time.After(p.cancelGrace):
		p.logger.Warn("executor ignored cancellation, abandoning",
			"job_id", job.ID, "type", job.Type)
		return domain.JobOutcome{Status: domain.JobStatusCancelled, Error: "execution abandoned"}
	}
}

func (p *Pool) track(runID, jobID uuid.UUID, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running[runID] == nil {
		p.running[runID] = make(map[uuid.UUID]context.CancelFunc)
	}
	p.running[runID][jobID] = cancel
}

func (p *Pool) untrack(runID, jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running[runID], jobID)
	if len(p.running[runID]) == 0 {
		delete(p.running, runID)
	}
}
