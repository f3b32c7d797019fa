package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
)

const defaultMaxAttempts = 3

// Coordinator — мутации, которые фасад делегирует координатору.
type Coordinator interface {
	CreateRunWithJobs(ctx context.Context, run *domain.WorkflowRun, jobs []domain.Job) error
	CancelRun(ctx context.Context, runID uuid.UUID) error
}

// RunStore — чтение runs.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowRun, error)
	GetByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*domain.WorkflowRun, error)
	List(ctx context.Context, filter domain.RunFilter) ([]domain.WorkflowRun, error)
}

// JobStore — чтение jobs.
type JobStore interface {
	ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Job, error)
}

// WorkflowStore — хранение workflows.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.Workflow) error
	GetByName(ctx context.Context, name string) (*domain.Workflow, error)
	List(ctx context.Context) ([]domain.Workflow, error)
}

// Facade — единственная точка входа для внешних вызывающих (CLI, API).
//
// Каждая операция: проверка роли, затем делегирование хранилищу или
// координатору. Ошибки нижних слоёв переводятся в Error с безопасными
// сообщениями — внутренние детали наружу не уходят.
type Facade struct {
	auth      Authorizer
	coord     Coordinator
	runs      RunStore
	jobs      JobStore
	workflows WorkflowStore

	maxAttempts int
	logger      *slog.Logger
}

// Config — конфигурация Facade.
type Config struct {
	Authorizer Authorizer
	Coord      Coordinator
	Runs       RunStore
	Jobs       JobStore
	Workflows  WorkflowStore

	// MaxAttempts — default max_attempts для jobs без явного значения
	// в шаблоне (default: 3).
	MaxAttempts int

	Logger *slog.Logger
}

// New создаёт Facade.
func New(cfg Config) *Facade {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Facade{
		auth:        cfg.Authorizer,
		coord:       cfg.Coord,
		runs:        cfg.Runs,
		jobs:        cfg.Jobs,
		workflows:   cfg.Workflows,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "service"),
	}
}

// TriggerRequest — запрос на запуск workflow.
type TriggerRequest struct {
	// Workflow — имя workflow.
	Workflow string

	// Inputs — входные данные run.
	Inputs map[string]any

	// IdempotencyKey — опциональный ключ: повторный триггер с тем же
	// ключом возвращает уже созданный run вместо нового.
	IdempotencyKey string
}

// TriggerRun создаёт run со всеми jobs из шаблона workflow.
func (f *Facade) TriggerRun(ctx context.Context, p domain.Principal, req TriggerRequest) (*domain.WorkflowRun, error) {
	if !f.auth.Allowed(p, ActionRunTrigger) {
		return nil, unauthorized("trigger runs")
	}

	wf, err := f.workflows.GetByName(ctx, req.Workflow)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound("workflow "+req.Workflow, err)
	}
	if err != nil {
		return nil, lift(err)
	}

	if err := wf.Spec.Validate(); err != nil {
		return nil, domainErr(fmt.Sprintf("workflow %s has an invalid spec: %v", wf.Name, err), err)
	}

	run, jobs := wf.Instantiate(p.Name, req.Inputs, f.maxAttempts)
	run.IdempotencyKey = req.IdempotencyKey

	err = f.coord.CreateRunWithJobs(ctx, run, jobs)
	if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
		// Повторный триггер: отдаём существующий run.
		existing, getErr := f.runs.GetByIdempotencyKey(ctx, wf.ID, req.IdempotencyKey)
		if getErr != nil {
			return nil, lift(getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, lift(err)
	}

	f.logger.Info("run triggered",
		"run_id", run.ID, "workflow", wf.Name, "principal", p.Name)
	return run, nil
}

// CancelRun отменяет run. Отмена терминального run — доменная ошибка.
func (f *Facade) CancelRun(ctx context.Context, p domain.Principal, runID uuid.UUID) error {
	if !f.auth.Allowed(p, ActionRunCancel) {
		return unauthorized("cancel runs")
	}

	if _, err := f.visibleRun(ctx, p, runID); err != nil {
		return err
	}

	err := f.coord.CancelRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("run", err)
	}
	if err != nil {
		lifted := lift(err)
		var svcErr *Error
		if errors.As(lifted, &svcErr) && svcErr.Kind == KindTransaction {
			// Конфликт отмены терминального run — доменный исход.
			return domainErr("run is already finished", err)
		}
		return lifted
	}

	f.logger.Info("run cancelled", "run_id", runID, "principal", p.Name)
	return nil
}

// GetRun возвращает run вместе с его jobs.
func (f *Facade) GetRun(ctx context.Context, p domain.Principal, runID uuid.UUID) (*domain.RunSnapshot, error) {
	if !f.auth.Allowed(p, ActionRunRead) {
		return nil, unauthorized("read runs")
	}

	run, err := f.visibleRun(ctx, p, runID)
	if err != nil {
		return nil, err
	}

	jobs, err := f.jobs.ListByRunID(ctx, runID)
	if err != nil {
		return nil, lift(err)
	}

	return &domain.RunSnapshot{Run: *run, Jobs: jobs}, nil
}

// ListRuns возвращает runs по фильтру.
//
// Принципал без run:read:all видит только собственные runs.
func (f *Facade) ListRuns(ctx context.Context, p domain.Principal, filter domain.RunFilter) ([]domain.WorkflowRun, error) {
	if !f.auth.Allowed(p, ActionRunRead) {
		return nil, unauthorized("read runs")
	}

	if !f.auth.Allowed(p, ActionRunReadAll) {
		filter.TriggeredBy = p.Name
	}

	runs, err := f.runs.List(ctx, filter)
	if err != nil {
		return nil, lift(err)
	}
	return runs, nil
}

// CreateWorkflow регистрирует новый workflow с валидацией графа.
func (f *Facade) CreateWorkflow(ctx context.Context, p domain.Principal, name string, spec domain.WorkflowSpec) (*domain.Workflow, error) {
	if !f.auth.Allowed(p, ActionWorkflowWrite) {
		return nil, unauthorized("create workflows")
	}

	if err := spec.Validate(); err != nil {
		return nil, domainErr(fmt.Sprintf("invalid workflow spec: %v", err), err)
	}

	wf := &domain.Workflow{
		ID:        uuid.New(),
		Name:      name,
		Spec:      spec,
		CreatedAt: time.Now(),
	}

	err := f.workflows.Create(ctx, wf)
	if errors.Is(err, repo.ErrAlreadyExists) {
		return nil, domainErr("workflow "+name+" already exists", err)
	}
	if err != nil {
		return nil, lift(err)
	}

	f.logger.Info("workflow created", "workflow", name, "principal", p.Name)
	return wf, nil
}

// ListWorkflows возвращает все workflows.
func (f *Facade) ListWorkflows(ctx context.Context, p domain.Principal) ([]domain.Workflow, error) {
	if !f.auth.Allowed(p, ActionWorkflowRead) {
		return nil, unauthorized("read workflows")
	}

	workflows, err := f.workflows.List(ctx)
	if err != nil {
		return nil, lift(err)
	}
	return workflows, nil
}

// visibleRun загружает run с учётом видимости: чужой run для principal
// без run:read:all неотличим от несуществующего.
func (f *Facade) visibleRun(ctx context.Context, p domain.Principal, runID uuid.UUID) (*domain.WorkflowRun, error) {
	run, err := f.runs.GetByID(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound("run", err)
	}
	if err != nil {
		return nil, lift(err)
	}

	if !f.auth.Allowed(p, ActionRunReadAll) && run.TriggeredBy != p.Name {
		return nil, notFound("run", repo.ErrNotFound)
	}
	return run, nil
}
