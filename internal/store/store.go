package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/gantry/internal/model"
)

var (
	// ErrNotFound is returned when an org, workflow or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when a compare-and-set update lost to a
	// concurrent writer.
	ErrConflict = errors.New("status changed concurrently")

	// ErrMissingSpecKey is returned when a workflow would become READY
	// without a stored spec.
	ErrMissingSpecKey = errors.New("ready workflow requires a spec key")

	// ErrMissingRunID is returned when a run would become RUNNING without a
	// remote run identifier.
	ErrMissingRunID = errors.New("running run requires a remote run id")
)

// Stats holds aggregate counts for the stats endpoint.
type Stats struct {
	Workflows         int            `json:"workflows"`
	WorkflowsByStatus map[string]int `json:"workflows_by_status"`
	Runs              int            `json:"runs"`
	RunsByStatus      map[string]int `json:"runs_by_status"`
}

// Store defines the persistence operations for orgs, workflows and runs. It is
// the only serialization point for entity mutation.
type Store interface {
	CreateOrg(ctx context.Context, o *model.Org) error
	GetOrg(ctx context.Context, id string) (*model.Org, error)

	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	GetWorkflowByCallbackToken(ctx context.Context, token string) (*model.Workflow, error)
	// ListWorkflows pages through workflows newest first. An empty orgID
	// lists every org.
	ListWorkflows(ctx context.Context, orgID string, limit, offset int) ([]*model.Workflow, int, error)
	// UpdateWorkflowStatus sets status and spec key in a single statement.
	UpdateWorkflowStatus(ctx context.Context, id, status, specKey string) error

	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, workflowID string) ([]*model.Run, error)
	ListRunsByStatus(ctx context.Context, status string) ([]*model.Run, error)
	MarkRunSubmitted(ctx context.Context, id, kfpRunID, uiURL string, startedAt time.Time) error
	// UpdateRunStatus moves a run from one status to another only if it is
	// still in from. finishedAt is recorded only when none was recorded yet.
	UpdateRunStatus(ctx context.Context, id, from, to string, finishedAt *time.Time) error
	SetRunArtifact(ctx context.Context, id, key, storeName string) error

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
