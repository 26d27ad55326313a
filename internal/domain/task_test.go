package domain_test

import (
	"testing"
	"time"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

func TestExecutionStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.ExecutionStatus
		want   string
	}{
		{domain.ExecPending, "pending"},
		{domain.ExecRunning, "running"},
		{domain.ExecRetrying, "retrying"},
		{domain.ExecCompleted, "completed"},
		{domain.ExecFailed, "failed"},
		{domain.ExecCancelled, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecFailed, domain.ExecCancelled} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.ExecutionStatus{domain.ExecPending, domain.ExecRunning, domain.ExecRetrying} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestRecordOutcome_RollingAverage(t *testing.T) {
	task := &domain.Task{ExecutionCount: 4, AvgDuration: 100, SuccessRate: 100}

	task.RecordOutcome(true, 200)

	if task.ExecutionCount != 5 {
		t.Errorf("ExecutionCount = %d, want 5", task.ExecutionCount)
	}
	if task.AvgDuration != 120 {
		t.Errorf("AvgDuration = %v, want 120", task.AvgDuration)
	}
	if task.SuccessRate != 100 {
		t.Errorf("SuccessRate = %v, want 100", task.SuccessRate)
	}
}

func TestRecordOutcome_FailureLowersSuccessRate(t *testing.T) {
	task := &domain.Task{ExecutionCount: 1, SuccessRate: 100, AvgDuration: 50}

	task.RecordOutcome(false, 150)

	if task.SuccessRate != 50 {
		t.Errorf("SuccessRate = %v, want 50", task.SuccessRate)
	}
	if task.AvgDuration != 100 {
		t.Errorf("AvgDuration = %v, want 100", task.AvgDuration)
	}
}

func TestExecutionClone_IsIndependent(t *testing.T) {
	now := time.Now()
	e := &domain.Execution{ID: "e1", StartedAt: &now, Output: []byte(`{"a":1}`)}

	c := e.Clone()
	later := now.Add(time.Hour)
	*c.StartedAt = later
	c.Output[0] = 'X'

	if !e.StartedAt.Equal(now) {
		t.Error("mutating the clone's StartedAt changed the original")
	}
	if e.Output[0] != '{' {
		t.Error("mutating the clone's Output changed the original")
	}
}

func TestTaskStatus_AcceptsRuns(t *testing.T) {
	tests := []struct {
		status domain.TaskStatus
		want   bool
	}{
		{domain.TaskDraft, true},
		{domain.TaskActive, true},
		{domain.TaskRunning, true},
		{domain.TaskError, true},
		{domain.TaskPaused, false},
		{domain.TaskInactive, false},
	}
	for _, tt := range tests {
		if got := tt.status.AcceptsRuns(); got != tt.want {
			t.Errorf("%s.AcceptsRuns() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
