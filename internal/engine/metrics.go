package engine

import "github.com/prometheus/client_golang/prometheus"

// Dependency label values for gateway failures.
const (
	depComposer = "composer"
	depStorage  = "storage"
	depKFP      = "kfp"
	depArtifact = "artifact"
)

// Result label values for reconciliation.
const (
	reconcileUpdated   = "updated"
	reconcileUnchanged = "unchanged"
	reconcileIgnored   = "ignored"
	reconcileConflict  = "conflict"
	reconcileError     = "error"
)

var (
	gatewayFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_gateway_failures_total",
			Help: "Failed calls to external dependencies.",
		},
		[]string{"dependency"},
	)

	workflowsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_workflows_generated_total",
			Help: "Workflow generation requests by resulting status.",
		},
		[]string{"status"},
	)

	runsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_runs_submitted_total",
			Help: "Run submissions by resulting status.",
		},
		[]string{"status"},
	)

	runsReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_runs_reconciled_total",
			Help: "Run reconciliations against the engine by result.",
		},
		[]string{"result"},
	)

	artifactsArchivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_artifacts_archived_total",
			Help: "Archived artifacts by storage backend.",
		},
		[]string{"store"},
	)
)

func init() {
	prometheus.MustRegister(gatewayFailuresTotal)
	prometheus.MustRegister(workflowsGeneratedTotal)
	prometheus.MustRegister(runsSubmittedTotal)
	prometheus.MustRegister(runsReconciledTotal)
	prometheus.MustRegister(artifactsArchivedTotal)
}
