package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/listen"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 5 * time.Second
	defaultClaimTimeout = 2 * time.Minute

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Coordinator — операции обслуживания, которые выполняет оркестратор.
type Coordinator interface {
	SweepStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)
	PromoteReady(ctx context.Context) (int, error)
	FinalizeRuns(ctx context.Context) (int, error)
}

// RunSource — чтение runs для обнаружения отмен.
type RunSource interface {
	ListCancelled(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// JobCounter — счётчик READY jobs для решения «будить ли пул».
type JobCounter interface {
	CountReady(ctx context.Context) (int, error)
}

// WorkerPool — управление пулом executor-слотов.
type WorkerPool interface {
	Wake()
	Abort(runID uuid.UUID)
	ActiveRunIDs() []uuid.UUID
}

// ListenerFactory строит слушателя событий. Вызывается повторно
// после ErrConnectionLost.
type ListenerFactory func(ctx context.Context) (listen.Listener, error)

// Orchestrator продвигает runs по конвейеру.
//
// Два источника срабатывания:
//   - события об изменениях (event-driven, низкая латентность)
//   - периодический polling (fallback на случай потерянных событий)
//
// Оба источника сводятся к одному коалесцированному проходу evaluate:
// смести протухшие захваты, продвинуть PENDING jobs, финализировать
// runs, прервать отменённые, разбудить пул. Каждый шаг выводит
// решение заново из БД, поэтому дубликаты и пропуски событий
// безвредны.
type Orchestrator struct {
	coord Coordinator
	runs  RunSource
	jobs  JobCounter
	pool  WorkerPool

	newListener ListenerFactory

	// evalCh — коалесцирующий сигнал «пора пересмотреть состояние».
	evalCh chan struct{}

	pollInterval time.Duration
	claimTimeout time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Orchestrator.
type Config struct {
	Coordinator Coordinator
	Runs        RunSource
	Jobs        JobCounter
	Pool        WorkerPool

	// NewListener — фабрика слушателя (nil — только polling).
	NewListener ListenerFactory

	// PollInterval — интервал polling fallback (default: 5s).
	PollInterval time.Duration

	// ClaimTimeout — срок, после которого захват без отчёта
	// считается протухшим (default: 2m).
	ClaimTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		coord:        cfg.Coordinator,
		runs:         cfg.Runs,
		jobs:         cfg.Jobs,
		pool:         cfg.Pool,
		newListener:  cfg.NewListener,
		evalCh:       make(chan struct{}, 1),
		pollInterval: pollInterval,
		claimTimeout: claimTimeout,
		logger:       logger.With("component", "orchestrator"),
	}
}

// Start запускает циклы оркестратора.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"claim_timeout", o.claimTimeout,
	)

	if o.newListener != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.listenLoop(ctx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.evalLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
}

// Stop останавливает оркестратор и ждёт завершения циклов.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// OnJobTerminal — callback для пула: job достиг терминального статуса,
// возможно открылись зависимые jobs или run готов к финализации.
func (o *Orchestrator) OnJobTerminal(runID uuid.UUID) {
	o.triggerEvaluate()
}

// triggerEvaluate планирует проход evaluate, коалесцируя сигналы.
func (o *Orchestrator) triggerEvaluate() {
	select {
	case o.evalCh <- struct{}{}:
	default:
	}
}

// listenLoop получает события и пересоздаёт слушателя после разрывов.
func (o *Orchestrator) listenLoop(ctx context.Context) {
	delay := reconnectBaseDelay

	for ctx.Err() == nil {
		listener, err := o.newListener(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("listener setup failed, retrying", "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		o.receiveEvents(ctx, listener)
		listener.Close()
	}
}

// receiveEvents крутит Receive до отмены или потери соединения.
func (o *Orchestrator) receiveEvents(ctx context.Context, listener listen.Listener) {
	for {
		ev, err := listener.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, listen.ErrConnectionLost) {
				o.logger.Warn("listener connection lost, rebuilding")
				return
			}
			o.logger.Error("receive event failed", "error", err)
			return
		}

		o.logger.Debug("change event",
			"table", ev.Table, "op", ev.Op, "run_id", ev.RunID)
		o.triggerEvaluate()
	}
}

// pollLoop — polling fallback: компенсирует потерянные события.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый проход сразу: подхватываем состояние, накопившееся
	// пока движок был выключен.
	o.triggerEvaluate()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.triggerEvaluate()
		}
	}
}

// evalLoop последовательно выполняет запланированные проходы.
func (o *Orchestrator) evalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.evalCh:
			o.evaluate(ctx)
		}
	}
}

// evaluate — один проход конвейера.
//
// Порядок существенен: сначала освобождаются протухшие захваты,
// затем продвигаются jobs с выполненными зависимостями, затем
// финализируются runs — каждый шаг открывает работу следующему.
func (o *Orchestrator) evaluate(ctx context.Context) {
	swept, err := o.coord.SweepStaleClaims(ctx, o.claimTimeout)
	if err != nil {
		o.logger.Error("sweep stale claims failed", "error", err)
	} else if swept > 0 {
		telemetry.StaleReclaims.Add(float64(swept))
	}

	promoted, err := o.coord.PromoteReady(ctx)
	if err != nil {
		o.logger.Error("promote ready failed", "error", err)
	} else if promoted > 0 {
		o.logger.Debug("promoted jobs", "count", promoted)
	}

	finalized, err := o.coord.FinalizeRuns(ctx)
	if err != nil {
		o.logger.Error("finalize runs failed", "error", err)
	} else if finalized > 0 {
		telemetry.RunsFinalized.Add(float64(finalized))
		o.logger.Info("finalized runs", "count", finalized)
	}

	o.abortCancelled(ctx)

	ready, err := o.jobs.CountReady(ctx)
	if err != nil {
		o.logger.Error("count ready jobs failed", "error", err)
		return
	}
	if ready > 0 {
		o.pool.Wake()
	}
}

// abortCancelled прерывает выполняющиеся jobs отменённых runs.
func (o *Orchestrator) abortCancelled(ctx context.Context) {
	active := o.pool.ActiveRunIDs()
	if len(active) == 0 {
		return
	}

	cancelled, err := o.runs.ListCancelled(ctx, active)
	if err != nil {
		o.logger.Error("list cancelled runs failed", "error", err)
		return
	}

	for _, runID := range cancelled {
		o.logger.Info("aborting jobs of cancelled run", "run_id", runID)
		o.pool.Abort(runID)
	}
}
