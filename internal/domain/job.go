package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job — отдельная единица работы внутри run.
//
// Jobs создаются вместе с run из JobTemplate'ов workflow и образуют
// направленный граф: job может зависеть от предшественников по имени.
//
// Инварианты:
//   - в любой момент времени claim (claimed_by) держит не более одного
//     executor'а — гарантируется guarded-запросом захвата;
//   - job переходит в RUNNING только будучи захваченным.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// Name — имя job внутри run (уникально в пределах run,
	// соответствует JobTemplate.Name).
	Name string `json:"name"`

	// Type — тип job: "http", "delay", "noop".
	Type string `json:"type"`

	// Params — входные параметры job из шаблона workflow.
	Params map[string]any `json:"params,omitempty"`

	// DependsOn — имена jobs этого же run, которые должны завершиться
	// SUCCEEDED прежде, чем этот job станет READY.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status — текущий статус job.
	Status JobStatus `json:"status"`

	// ClaimedBy — идентификатор executor'а, держащего claim.
	// Пустая строка — claim отсутствует.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedAt — время захвата. Используется reconciliation sweep'ом
	// для обнаружения протухших claims.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Attempt — количество начатых выполнений.
	// Увеличивается атомарно при переходе CLAIMED → RUNNING.
	Attempt int `json:"attempt"`

	// MaxAttempts — лимит попыток, после которого FAILED финален.
	MaxAttempts int `json:"max_attempts"`

	// Outputs — результаты выполнения job.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Error — текст последней ошибки выполнения.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания job.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если job завершён.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// CanRetry проверяет, остались ли попытки.
func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

// DepsSatisfied проверяет, что все зависимости присутствуют
// в succeeded (имена jobs, завершившихся SUCCEEDED).
func (j *Job) DepsSatisfied(succeeded map[string]bool) bool {
	for _, dep := range j.DependsOn {
		if !succeeded[dep] {
			return false
		}
	}
	return true
}

// JobOutcome — терминальный результат выполнения тела job,
// который executor коммитит через координатор.
type JobOutcome struct {
	// Status — SUCCEEDED, FAILED или CANCELLED.
	Status JobStatus

	// Outputs — выходные данные (для SUCCEEDED).
	Outputs map[string]any

	// Error — сообщение об ошибке (для FAILED).
	Error string
}
