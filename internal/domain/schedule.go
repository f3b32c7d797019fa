package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание периодического запуска workflow.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// WorkflowID — workflow, который запускается по расписанию.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// CronExpr — cron-выражение (5 полей, стандартный синтаксис).
	CronExpr string `json:"cron_expr"`

	// Inputs — входные параметры для создаваемых runs.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Enabled — выключенные schedules пропускаются.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего срабатывания.
	NextDueAt time.Time `json:"next_due_at"`

	// LastRunID — последний созданный run.
	LastRunID *uuid.UUID `json:"last_run_id,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// RecordRun фиксирует созданный run и следующее время срабатывания.
func (s *Schedule) RecordRun(runID uuid.UUID, nextDue time.Time) {
	s.LastRunID = &runID
	s.NextDueAt = nextDue
}
