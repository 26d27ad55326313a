package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ExecutionNotFoundError is returned when an execution ID does not exist.
type ExecutionNotFoundError struct {
	ExecutionID string
}

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution not found: %s", e.ExecutionID)
}

// ExecutionExistsError is returned when an execution ID is already taken.
type ExecutionExistsError struct {
	ExecutionID string
}

func (e *ExecutionExistsError) Error() string {
	return fmt.Sprintf("execution already exists: %s", e.ExecutionID)
}

// InvalidTransitionError is returned when an operation is not a legal edge
// from the execution's current status. The execution is left untouched.
type InvalidTransitionError struct {
	ExecutionID string
	From        ExecutionStatus
	Op          string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s execution %s in status %s", e.Op, e.ExecutionID, e.From)
}

// TaskNotRunnableError is returned when an execution is started while its
// task is paused or inactive.
type TaskNotRunnableError struct {
	TaskID string
	Status TaskStatus
}

func (e *TaskNotRunnableError) Error() string {
	return fmt.Sprintf("task %s is %s and does not accept runs", e.TaskID, e.Status)
}

// RateLimitExceededError is returned when a caller exceeds its request budget.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// UnauthorizedError is returned when a handshake credential is missing or
// rejected.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}
