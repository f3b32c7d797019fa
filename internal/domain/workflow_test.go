package domain

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestWorkflowSpec_Validate_Empty(t *testing.T) {
	spec := WorkflowSpec{}
	if err := spec.Validate(); !errors.Is(err, ErrEmptySpec) {
		t.Errorf("expected ErrEmptySpec, got %v", err)
	}
}

func TestWorkflowSpec_Validate_DuplicateName(t *testing.T) {
	spec := WorkflowSpec{
		Jobs: []JobTemplate{
			{Name: "build", Type: "noop"},
			{Name: "build", Type: "noop"},
		},
	}
	if err := spec.Validate(); !errors.Is(err, ErrDuplicateJobName) {
		t.Errorf("expected ErrDuplicateJobName, got %v", err)
	}
}

func TestWorkflowSpec_Validate_MissingDependency(t *testing.T) {
	spec := WorkflowSpec{
		Jobs: []JobTemplate{
			{Name: "deploy", Type: "noop", DependsOn: []string{"build"}},
		},
	}
	if err := spec.Validate(); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("expected ErrMissingDependency, got %v", err)
	}
}

func TestWorkflowSpec_Validate_Cycle(t *testing.T) {
	spec := WorkflowSpec{
		Jobs: []JobTemplate{
			{Name: "a", Type: "noop", DependsOn: []string{"c"}},
			{Name: "b", Type: "noop", DependsOn: []string{"a"}},
			{Name: "c", Type: "noop", DependsOn: []string{"b"}},
		},
	}
	if err := spec.Validate(); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestWorkflowSpec_Validate_Valid(t *testing.T) {
	spec := WorkflowSpec{
		Jobs: []JobTemplate{
			{Name: "build", Type: "http"},
			{Name: "test", Type: "http", DependsOn: []string{"build"}},
			{Name: "deploy", Type: "http", DependsOn: []string{"build", "test"}},
		},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWorkflow_Instantiate(t *testing.T) {
	wf := &Workflow{
		ID:   uuid.New(),
		Name: "pipeline",
		Spec: WorkflowSpec{
			Jobs: []JobTemplate{
				{Name: "build", Type: "http", MaxAttempts: 5},
				{Name: "deploy", Type: "http", DependsOn: []string{"build"}},
			},
		},
	}

	run, jobs := wf.Instantiate("alice", map[string]any{"env": "prod"}, 3)

	if run.WorkflowID != wf.ID {
		t.Error("run should reference workflow")
	}
	if run.Status != RunStatusPending {
		t.Errorf("expected PENDING run, got %s", run.Status)
	}
	if run.TriggeredBy != "alice" {
		t.Errorf("expected triggered_by alice, got %s", run.TriggeredBy)
	}

	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for i := range jobs {
		if jobs[i].RunID != run.ID {
			t.Error("job should reference run")
		}
		if jobs[i].Status != JobStatusPending {
			t.Errorf("expected PENDING job, got %s", jobs[i].Status)
		}
	}

	// Явный лимит сохраняется, нулевой заменяется на default
	if jobs[0].MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", jobs[0].MaxAttempts)
	}
	if jobs[1].MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", jobs[1].MaxAttempts)
	}

	if len(jobs[1].DependsOn) != 1 || jobs[1].DependsOn[0] != "build" {
		t.Error("dependencies should be copied from template")
	}
}

func TestJob_DepsSatisfied(t *testing.T) {
	job := &Job{DependsOn: []string{"a", "b"}}

	if job.DepsSatisfied(map[string]bool{"a": true}) {
		t.Error("should not be satisfied with missing dependency")
	}
	if !job.DepsSatisfied(map[string]bool{"a": true, "b": true}) {
		t.Error("should be satisfied with all dependencies succeeded")
	}

	noDeps := &Job{}
	if !noDeps.DepsSatisfied(nil) {
		t.Error("job without dependencies is always satisfied")
	}
}

func TestParseChangeEventRoundTrip(t *testing.T) {
	id := uuid.New()
	runID := uuid.New()

	ev := &ChangeEvent{Table: ChangeTableJobs, Op: ChangeOpUpdate, EntityID: id, RunID: runID}
	payload, err := ev.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := ParseChangeEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Table != ChangeTableJobs || parsed.Op != ChangeOpUpdate {
		t.Error("table/op should round-trip")
	}
	if parsed.EntityID != id || parsed.RunID != runID {
		t.Error("ids should round-trip")
	}

	if _, err := ParseChangeEvent([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}
