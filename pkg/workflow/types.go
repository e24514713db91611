// Package workflow runs multi-step workflows triggered by events or started
// manually. Steps form a dependency DAG, are resolved against a handler
// registry at registration time, and run sequentially or in parallel waves.
package workflow

import (
	"context"
	"time"
)

// Status is the state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether no further steps will be scheduled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepSkipped     StepStatus = "skipped"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepFunc executes a step (or compensates one) with its mapped input.
type StepFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Step is one node of a workflow.
//
// InputMapping maps input keys to gjson paths over the execution context; when
// empty the whole context is passed. OutputMapping maps context paths to gjson
// paths over the step result; when empty the result is stored under the step id.
// Condition is an optional expression such as `order.total > 100 && !flags.skip`.
type Step struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Handler       string            `json:"handler"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
	DependsOn     []string          `json:"dependsOn,omitempty"`
	Condition     string            `json:"condition,omitempty"`
	Compensation  string            `json:"compensation,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	MaxRetries    int               `json:"maxRetries,omitempty"`
}

// Definition describes a workflow.
type Definition struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Version           string        `json:"version"`
	TriggerEvents     []string      `json:"triggerEvents,omitempty"`
	Steps             []Step        `json:"steps"`
	ParallelExecution bool          `json:"parallelExecution"`
	Timeout           time.Duration `json:"timeout,omitempty"`
}

// StepResult records what happened to a step.
type StepResult struct {
	StepID     string                 `json:"stepId"`
	Status     StepStatus             `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Attempts   int                    `json:"attempts"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
}

// Execution is a snapshot of a workflow run.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflowId"`
	TriggerEventID   string                 `json:"triggerEventId,omitempty"`
	Status           Status                 `json:"status"`
	CurrentStepIndex int                    `json:"currentStepIndex"`
	CompletedSteps   []string               `json:"completedSteps"`
	SkippedSteps     []string               `json:"skippedSteps,omitempty"`
	FailedSteps      []string               `json:"failedSteps,omitempty"`
	Context          map[string]interface{} `json:"context"`
	StepResults      map[string]StepResult  `json:"stepResults"`
	Error            string                 `json:"error,omitempty"`
	StartedAt        time.Time              `json:"startedAt"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
}

// ListFilter selects executions. Zero fields do not constrain.
type ListFilter struct {
	WorkflowID string `json:"workflowId,omitempty"`
	Status     Status `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
