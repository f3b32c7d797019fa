package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ошибки валидации workflow spec.
var (
	// ErrEmptySpec — spec не содержит ни одного job.
	ErrEmptySpec = errors.New("workflow spec has no jobs")

	// ErrDuplicateJobName — имя job повторяется внутри spec.
	ErrDuplicateJobName = errors.New("duplicate job name")

	// ErrMissingDependency — job зависит от несуществующего job.
	ErrMissingDependency = errors.New("depends on unknown job")

	// ErrCyclicDependency — обнаружена циклическая зависимость.
	ErrCyclicDependency = errors.New("cyclic dependency in workflow")
)

// Workflow — определение workflow: именованный набор шаблонов jobs
// с зависимостями между ними.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// Spec — шаблоны jobs и их зависимости.
	Spec WorkflowSpec `json:"spec"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowSpec — декларативное описание jobs workflow.
type WorkflowSpec struct {
	// Jobs — шаблоны jobs. Порядок не важен: последовательность
	// выполнения определяется зависимостями.
	Jobs []JobTemplate `json:"jobs" yaml:"jobs"`
}

// JobTemplate — шаблон одного job внутри workflow.
type JobTemplate struct {
	// Name — имя job, уникальное внутри workflow.
	Name string `json:"name" yaml:"name"`

	// Type — тип job: "http", "delay", "noop".
	Type string `json:"type" yaml:"type"`

	// Params — параметры, передаваемые executor'у.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// DependsOn — имена jobs, которые должны завершиться SUCCEEDED
	// прежде, чем этот job станет READY.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// MaxAttempts — лимит попыток выполнения (0 — использовать default).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Validate проверяет spec: непустой набор jobs, уникальность имён,
// существование зависимостей и отсутствие циклов (алгоритм Кана).
func (s *WorkflowSpec) Validate() error {
	if len(s.Jobs) == 0 {
		return ErrEmptySpec
	}

	inDegree := make(map[string]int, len(s.Jobs))
	for i := range s.Jobs {
		name := s.Jobs[i].Name
		if _, exists := inDegree[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateJobName, name)
		}
		inDegree[name] = 0
	}

	// dependents[dep] — имена jobs, зависящих от dep.
	dependents := make(map[string][]string)
	for i := range s.Jobs {
		job := &s.Jobs[i]
		for _, dep := range job.DependsOn {
			if _, exists := inDegree[dep]; !exists {
				return fmt.Errorf("%w: %s → %s", ErrMissingDependency, job.Name, dep)
			}
			dependents[dep] = append(dependents[dep], job.Name)
			inDegree[job.Name]++
		}
	}

	// Топологическая сортировка: если обработаны не все узлы — цикл.
	queue := make([]string, 0, len(s.Jobs))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(s.Jobs) {
		return ErrCyclicDependency
	}

	return nil
}

// Instantiate создаёт run и его jobs из workflow.
//
// Все jobs создаются в статусе PENDING; промоушен в READY выполняет
// оркестратор после коммита (jobs без зависимостей станут READY на
// первом же evaluation pass).
func (w *Workflow) Instantiate(triggeredBy string, inputs map[string]any, defaultMaxAttempts int) (*WorkflowRun, []Job) {
	now := time.Now()

	run := &WorkflowRun{
		ID:          uuid.New(),
		WorkflowID:  w.ID,
		Status:      RunStatusPending,
		TriggeredBy: triggeredBy,
		Inputs:      inputs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	jobs := make([]Job, 0, len(w.Spec.Jobs))
	for i := range w.Spec.Jobs {
		tmpl := &w.Spec.Jobs[i]

		maxAttempts := tmpl.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		jobs = append(jobs, Job{
			ID:          uuid.New(),
			RunID:       run.ID,
			Name:        tmpl.Name,
			Type:        tmpl.Type,
			Params:      tmpl.Params,
			DependsOn:   tmpl.DependsOn,
			Status:      JobStatusPending,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	return run, jobs
}
