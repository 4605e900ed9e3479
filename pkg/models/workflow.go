package models

import (
	"encoding/json"
	"time"
)

// WorkerStatus is the per-worker progress state inside a workflow.
type WorkerStatus string

const (
	WorkerPending        WorkerStatus = "pending"
	WorkerInProgress     WorkerStatus = "in-progress"
	WorkerSuccess        WorkerStatus = "success"
	WorkerError          WorkerStatus = "error"
	WorkerStaleCompleted WorkerStatus = "stale-completed"
)

// Terminal reports whether the status is final. A stale-completed worker is
// terminal: the circuit breaker force-completed it and nothing waits on it.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerSuccess, WorkerError, WorkerStaleCompleted:
		return true
	}
	return false
}

// WorkflowState is the lifecycle state of a parallel workflow.
type WorkflowState string

const (
	WorkflowInit               WorkflowState = "init"
	WorkflowRunning            WorkflowState = "running"
	WorkflowCollecting         WorkflowState = "collecting"
	WorkflowPartiallyCollected WorkflowState = "partially-collected"
	WorkflowCompleted          WorkflowState = "completed"
	WorkflowAborted            WorkflowState = "aborted"
)

// WorkerSpec describes one parallel worker requested at workflow init.
type WorkerSpec struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	WorkerID string `json:"workerId,omitempty"`
}

// WorkerResult is the reported outcome for one workflow worker. Stale means
// the breaker force-completed it and Payload is the last payload it provided.
type WorkerResult struct {
	Name      string          `json:"name"`
	Status    WorkerStatus    `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
