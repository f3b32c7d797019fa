package txn

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
)

// Op — вид перехода состояния.
type Op string

const (
	// OpClaim — READY -> CLAIMED: эксклюзивный захват job executor-ом.
	OpClaim Op = "claim"

	// OpStart — CLAIMED -> RUNNING: начало выполнения, attempt++.
	OpStart Op = "start"

	// OpFinish — RUNNING -> терминальный статус (или READY при retry).
	OpFinish Op = "finish"

	// OpCancelRun — отмена run каскадом на все нетерминальные jobs.
	OpCancelRun Op = "cancel_run"
)

// Ошибки валидации переходов.
var (
	ErrBadTransition = errors.New("invalid transition")
)

// Transition — описание одного перехода состояния.
//
// Каждый переход выполняется в отдельной транзакции: guard в WHERE
// повторяет допустимость перехода на стороне БД, так что переход либо
// применяется целиком, либо отсекается как Conflict/StaleClaim.
type Transition struct {
	Op Op

	// JobID — job для claim/start/finish.
	JobID uuid.UUID

	// RunID — run для cancel_run.
	RunID uuid.UUID

	// ExecutorID — владелец захвата для claim/start/finish.
	ExecutorID string

	// Outcome — итог выполнения для finish.
	Outcome domain.JobOutcome
}

// Validate проверяет полноту описания перехода до обращения к БД.
func (t Transition) Validate() error {
	switch t.Op {
	case OpClaim, OpStart:
		if t.JobID == uuid.Nil {
			return fmt.Errorf("%w: %s requires job id", ErrBadTransition, t.Op)
		}
		if t.ExecutorID == "" {
			return fmt.Errorf("%w: %s requires executor id", ErrBadTransition, t.Op)
		}
	case OpFinish:
		if t.JobID == uuid.Nil {
			return fmt.Errorf("%w: finish requires job id", ErrBadTransition)
		}
		if t.ExecutorID == "" {
			return fmt.Errorf("%w: finish requires executor id", ErrBadTransition)
		}
		switch t.Outcome.Status {
		case domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled:
		default:
			return fmt.Errorf("%w: finish outcome must be terminal, got %q",
				ErrBadTransition, t.Outcome.Status)
		}
	case OpCancelRun:
		if t.RunID == uuid.Nil {
			return fmt.Errorf("%w: cancel_run requires run id", ErrBadTransition)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadTransition, t.Op)
	}
	return nil
}
