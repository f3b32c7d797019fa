package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowRun — экземпляр выполнения workflow.
//
// Run создаётся когда:
// - Пользователь запускает workflow через фасад (CLI/API)
// - Scheduler создаёт run по расписанию
//
// Состояние run меняется только внутри закоммиченной транзакции
// (координатор транзакций — единственный путь мутации).
type WorkflowRun struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на workflow, который выполняется.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// TriggeredBy — имя принципала, запустившего run.
	TriggeredBy string `json:"triggered_by"`

	// Inputs — входные параметры, переданные при запуске.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности для предотвращения дубликатов.
	// Например, для scheduled runs: "{schedule_id}_{next_due_at}"
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// FinishedAt — время завершения (в любом финальном статусе).
	// Nil, если run ещё выполняется.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *WorkflowRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *WorkflowRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// RunSnapshot — согласованный срез run вместе с его jobs.
//
// Снимок валиден только на момент чтения: между транзакциями это
// возможно устаревшее представление (eventual consistency в пределах
// одного интервала polling/notification).
type RunSnapshot struct {
	Run  WorkflowRun `json:"run"`
	Jobs []Job       `json:"jobs"`
}

// RunFilter — параметры фильтрации при листинге runs.
type RunFilter struct {
	WorkflowID  *uuid.UUID
	Status      RunStatus
	TriggeredBy string
	Limit       int
	Offset      int
}
