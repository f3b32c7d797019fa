package dispatch

import (
	"context"
	"fmt"

	"github.com/shaiso/conveyor/internal/domain"
)

// Executor — интерфейс выполнения конкретного типа job.
//
// Реализации: HTTPExecutor, DelayExecutor, NoopExecutor.
//
// job.Params содержит конфигурацию из шаблона workflow.
// ctx отменяется при отмене run или остановке пула: executor обязан
// прерваться и вернуть ctx.Err().
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error)
}

// ExecutionResult — результат выполнения job.
type ExecutionResult struct {
	// Outputs — выходные данные выполнения.
	Outputs map[string]any

	// Error — сообщение о логической ошибке выполнения.
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по типу job.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами по умолчанию.
//
// Регистрирует: http, delay, noop.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("noop", &NoopExecutor{})
	return r
}

// Register добавляет executor для типа job.
func (r *Registry) Register(jobType string, executor Executor) {
	r.executors[jobType] = executor
}

// Get возвращает executor для типа job.
func (r *Registry) Get(jobType string) (Executor, error) {
	executor, ok := r.executors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return executor, nil
}
