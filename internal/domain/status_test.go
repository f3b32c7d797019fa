package domain

import "testing"

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []JobStatus{JobStatusPending, JobStatusReady, JobStatusClaimed, JobStatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusPending, JobStatusReady, true},
		{JobStatusReady, JobStatusClaimed, true},
		{JobStatusClaimed, JobStatusRunning, true},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusFailed, JobStatusReady, true},

		// Отмена из любого нефинального статуса
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusReady, JobStatusCancelled, true},
		{JobStatusClaimed, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusFailed, JobStatusCancelled, true},

		// Недопустимые переходы
		{JobStatusPending, JobStatusClaimed, false},
		{JobStatusPending, JobStatusRunning, false},
		{JobStatusReady, JobStatusRunning, false},
		{JobStatusClaimed, JobStatusSucceeded, false},
		{JobStatusSucceeded, JobStatusReady, false},
		{JobStatusSucceeded, JobStatusCancelled, false},
		{JobStatusCancelled, JobStatusReady, false},
		{JobStatusCancelled, JobStatusCancelled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s → %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestDeriveRunStatus(t *testing.T) {
	tests := []struct {
		name string
		jobs []JobStatus
		want RunStatus
	}{
		{"no jobs", nil, RunStatusPending},
		{"all pending", []JobStatus{JobStatusPending, JobStatusPending}, RunStatusPending},
		{"one ready", []JobStatus{JobStatusReady, JobStatusPending}, RunStatusRunning},
		{"one running", []JobStatus{JobStatusRunning, JobStatusPending}, RunStatusRunning},
		{"one claimed", []JobStatus{JobStatusClaimed, JobStatusPending}, RunStatusRunning},
		{"partially done", []JobStatus{JobStatusSucceeded, JobStatusPending}, RunStatusRunning},
		{"all succeeded", []JobStatus{JobStatusSucceeded, JobStatusSucceeded}, RunStatusSucceeded},
		{"one failed wins", []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusRunning}, RunStatusFailed},
		{"cancelled wins over failed", []JobStatus{JobStatusFailed, JobStatusCancelled}, RunStatusCancelled},
		{"cancelled wins over succeeded", []JobStatus{JobStatusSucceeded, JobStatusCancelled}, RunStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveRunStatus(tt.jobs); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// Run никогда не может быть одновременно SUCCEEDED и FAILED:
// derive — чистая функция с единственным результатом, проверяем
// приоритет FAILED над полным успехом остальных.
func TestDeriveRunStatus_NeverBothTerminal(t *testing.T) {
	jobs := []JobStatus{JobStatusSucceeded, JobStatusSucceeded, JobStatusFailed}
	if got := DeriveRunStatus(jobs); got != RunStatusFailed {
		t.Errorf("expected FAILED, got %s", got)
	}
}
