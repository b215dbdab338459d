package model

import "time"

// Workflow status constants.
const (
	WorkflowPending = "PENDING"
	WorkflowReady   = "READY"
	WorkflowFailed  = "FAILED"
)

// workflowStatuses is the closed set accepted from external callers.
var workflowStatuses = map[string]bool{
	WorkflowPending: true,
	WorkflowReady:   true,
	WorkflowFailed:  true,
}

// ValidWorkflowStatus reports whether s is a member of the workflow status enum.
func ValidWorkflowStatus(s string) bool {
	return workflowStatuses[s]
}

// ValidWorkflowTransition reports whether a workflow may move from one status
// to another. READY and FAILED are terminal.
func ValidWorkflowTransition(from, to string) bool {
	return fire(workflowMachine(from), to)
}

// Org is the tenant boundary that owns workflows.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is one prompt-to-pipeline generation request.
type Workflow struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	Name          string    `json:"name"`
	Prompt        string    `json:"-"`
	SpecKey       string    `json:"spec_key"`
	Status        string    `json:"status"`
	CallbackToken string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
