package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/service"
)

const defaultBatchSize = 100

// systemPrincipal — от чьего имени планировщик триггерит runs.
var systemPrincipal = domain.Principal{Name: "scheduler", Roles: []string{"admin"}}

// ScheduleStore — хранение schedules.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Update(ctx context.Context, sched *domain.Schedule) error
}

// WorkflowStore — чтение workflows по ID.
type WorkflowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
}

// RunTrigger — запуск runs (фасад).
type RunTrigger interface {
	TriggerRun(ctx context.Context, p domain.Principal, req service.TriggerRequest) (*domain.WorkflowRun, error)
}

// Scheduler создаёт runs по расписаниям.
//
// Ключ идемпотентности "{schedule_id}_{due_unix}" гарантирует не более
// одного run на срабатывание: упавший между триггером и обновлением
// next_due_at планировщик при рестарте получит существующий run, а не
// создаст дубликат.
type Scheduler struct {
	schedules ScheduleStore
	workflows WorkflowStore
	trigger   RunTrigger
	logger    *slog.Logger
	batchSize int
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Workflows WorkflowStore
	Trigger   RunTrigger
	Logger    *slog.Logger

	// BatchSize — количество schedules за один тик (default: 100).
	BatchSize int
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		workflows: cfg.Workflows,
		trigger:   cfg.Trigger,
		logger:    logger.With("component", "scheduler"),
		batchSize: batchSize,
	}
}

// Run крутит тики до отмены контекста.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick выполняет один тик: триггерит due schedules.
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var created int
	for i := range schedules {
		sched := &schedules[i]

		ok, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		if ok {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules), "runs_created", created)
	return nil
}

// processSchedule триггерит один schedule и сдвигает next_due_at.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	wf, err := s.workflows.GetByID(ctx, sched.WorkflowID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("workflow not found for schedule, skipping",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get workflow: %w", err)
	}

	// Один run на срабатывание: ключ привязан к schedule и времени due.
	idempKey := fmt.Sprintf("%s_%d", sched.ID, sched.NextDueAt.Unix())

	run, err := s.trigger.TriggerRun(ctx, systemPrincipal, service.TriggerRequest{
		Workflow:       wf.Name,
		Inputs:         sched.Inputs,
		IdempotencyKey: idempKey,
	})
	if err != nil {
		return false, fmt.Errorf("trigger run: %w", err)
	}

	s.logger.Info("triggered scheduled run",
		"run_id", run.ID,
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"workflow", wf.Name,
	)

	nextDue, err := NextDue(sched.CronExpr, now)
	if err != nil {
		// Выражение испортилось после создания: next_due_at не трогаем,
		// повторный тик упрётся в тот же idempotency key и дубликата
		// не создаст.
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID, "error", err)
		return true, nil
	}

	sched.RecordRun(run.ID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return true, fmt.Errorf("update schedule: %w", err)
	}
	return true, nil
}
