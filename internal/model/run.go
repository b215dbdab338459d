package model

import (
	"strings"
	"time"
)

// Run status constants.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// ValidRunTransition reports whether a run may move from one status to another.
func ValidRunTransition(from, to string) bool {
	return fire(runMachine(from), to)
}

// RunTerminal reports whether status is a terminal run status.
func RunTerminal(status string) bool {
	return status == RunSucceeded || status == RunFailed
}

// RunStatusFromEngine maps a pipeline engine run state onto a run status.
// Unknown states report ok=false and must not change local state.
func RunStatusFromEngine(state string) (status string, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "SUCCEEDED":
		return RunSucceeded, true
	case "FAILED", "ERROR", "CANCELED", "CANCELLED":
		return RunFailed, true
	case "PENDING", "RUNNING", "CANCELING", "PAUSED":
		return RunRunning, true
	default:
		return "", false
	}
}

// Run is one submission of a ready workflow to the pipeline engine.
type Run struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	KFPRunID        string     `json:"kfp_run_id"`
	Status          string     `json:"status"`
	SpecSnapshotKey string     `json:"spec_snapshot_key"`
	UIURL           string     `json:"ui_url,omitempty"`
	ArtifactKey     string     `json:"artifact_key,omitempty"`
	ArtifactStore   string     `json:"artifact_store,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
