package txn

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
)

func TestTransitionValidate(t *testing.T) {
	jobID := uuid.New()
	runID := uuid.New()

	tests := []struct {
		name    string
		tr      Transition
		wantErr bool
	}{
		{
			name: "валидный claim",
			tr:   Transition{Op: OpClaim, JobID: jobID, ExecutorID: "exec-1"},
		},
		{
			name:    "claim без executor",
			tr:      Transition{Op: OpClaim, JobID: jobID},
			wantErr: true,
		},
		{
			name:    "start без job",
			tr:      Transition{Op: OpStart, ExecutorID: "exec-1"},
			wantErr: true,
		},
		{
			name: "валидный finish",
			tr: Transition{
				Op: OpFinish, JobID: jobID, ExecutorID: "exec-1",
				Outcome: domain.JobOutcome{Status: domain.JobStatusSucceeded},
			},
		},
		{
			name: "finish с нетерминальным статусом",
			tr: Transition{
				Op: OpFinish, JobID: jobID, ExecutorID: "exec-1",
				Outcome: domain.JobOutcome{Status: domain.JobStatusRunning},
			},
			wantErr: true,
		},
		{
			name: "finish с FAILED",
			tr: Transition{
				Op: OpFinish, JobID: jobID, ExecutorID: "exec-1",
				Outcome: domain.JobOutcome{Status: domain.JobStatusFailed, Error: "boom"},
			},
		},
		{
			name: "валидный cancel_run",
			tr:   Transition{Op: OpCancelRun, RunID: runID},
		},
		{
			name:    "cancel_run без run",
			tr:      Transition{Op: OpCancelRun},
			wantErr: true,
		},
		{
			name:    "неизвестный op",
			tr:      Transition{Op: "promote", JobID: jobID},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, ждали ошибку")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrBadTransition) {
				t.Errorf("ошибка %v не оборачивает ErrBadTransition", err)
			}
		})
	}
}
