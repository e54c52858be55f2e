package models

import "time"

// WorkflowStatus is the workflow lifecycle status.
type WorkflowStatus string

// Workflow status values.
const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow accepts no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step execution status.
type StepStatus string

// Step status values.
const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// OnErrorPolicy controls workflow behavior when a step exhausts its retries.
type OnErrorPolicy string

// OnError policies. "fail" stops the workflow; "continue" marks the step
// failed and keeps scheduling unaffected successors.
const (
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorContinue OnErrorPolicy = "continue"
)

// Step is one node in a workflow DAG.
type Step struct {
	ID            string        `yaml:"id" json:"id"`
	Task          string        `yaml:"task" json:"task"`
	AgentSelector string        `yaml:"agent,omitempty" json:"agent_selector,omitempty"`
	When          string        `yaml:"when,omitempty" json:"when,omitempty"`
	DependsOn     []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries       int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// StepResult records the outcome of one step attempt.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Workflow is a DAG of steps with a shared execution context.
type Workflow struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	TeamID         string                 `json:"team_id,omitempty"`
	Status         WorkflowStatus         `json:"status"`
	Steps          []Step                 `json:"steps"`
	OnError        OnErrorPolicy          `json:"on_error"`
	MaxConcurrency int                    `json:"max_concurrency"`
	Timeout        time.Duration          `json:"timeout,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
	Results        map[string]*StepResult `json:"results,omitempty"`
	Version        int64                  `json:"version"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	DeletedAt      *time.Time             `json:"-"`
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s
		cp.Steps[i].DependsOn = append([]string(nil), s.DependsOn...)
	}
	if w.Context != nil {
		cp.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			cp.Context[k] = v
		}
	}
	if w.Results != nil {
		cp.Results = make(map[string]*StepResult, len(w.Results))
		for k, v := range w.Results {
			r := *v
			cp.Results[k] = &r
		}
	}
	return &cp
}
