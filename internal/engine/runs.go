package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/gantry/internal/archiver"
	"github.com/seantiz/gantry/internal/kfp"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/objstore"
	"github.com/seantiz/gantry/internal/store"
)

const (
	// DefaultExperiment is the engine experiment runs are filed under.
	DefaultExperiment = "gantry"

	// DefaultRetrievalTTL is used when no TTL is requested.
	DefaultRetrievalTTL = time.Hour

	// MaxRetrievalTTL is the longest lifetime of a presigned URL.
	MaxRetrievalTTL = 7 * 24 * time.Hour

	defaultReconcileConcurrency = 8
)

// Archiver stores run artifacts durably.
type Archiver interface {
	Archive(ctx context.Context, run *model.Run, step, artifact string) (*archiver.Result, error)
	RetrievalURL(ctx context.Context, run *model.Run, ttl time.Duration) (string, error)
}

// RunConfig configures the run controller.
type RunConfig struct {
	Experiment string
	// UIBaseURL is the engine UI root used for run links.
	UIBaseURL string
	// TempDir holds pipeline files while they are submitted. Empty means
	// the system default.
	TempDir string
	// ReconcileConcurrency bounds parallel engine queries when listing.
	ReconcileConcurrency int
}

// Runs owns the Run lifecycle: submission to the engine and reconciliation
// of local status against the engine's live state.
type Runs struct {
	store    store.Store
	specs    objstore.Storage
	kfp      kfp.Client
	archiver Archiver
	broker   *StatusBroker
	cfg      RunConfig
	logger   *slog.Logger
}

// NewRuns creates a run controller.
func NewRuns(s store.Store, specs objstore.Storage, client kfp.Client, arch Archiver, broker *StatusBroker, cfg RunConfig, logger *slog.Logger) *Runs {
	if cfg.Experiment == "" {
		cfg.Experiment = DefaultExperiment
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = defaultReconcileConcurrency
	}
	cfg.UIBaseURL = strings.TrimRight(cfg.UIBaseURL, "/")
	return &Runs{
		store:    s,
		specs:    specs,
		kfp:      client,
		archiver: arch,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Broker returns the status broker run changes are published on.
func (c *Runs) Broker() *StatusBroker {
	return c.broker
}

// UIURL returns the engine UI link of a remote run.
func (c *Runs) UIURL(kfpRunID string) string {
	return c.cfg.UIBaseURL + "/#/runs/details/" + kfpRunID
}

// Submit creates a run of a READY workflow and submits it to the engine.
// Every failure after the run is created leaves it FAILED; the cause is
// part of the returned error.
func (c *Runs) Submit(ctx context.Context, p Principal, workflowID string, params map[string]any) (*model.Run, error) {
	const op = "run workflow"

	w, err := loadWorkflow(ctx, c.store, p, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WorkflowReady {
		return nil, newError(KindPrecondition, op, "workflow must be READY to run", nil)
	}

	run := &model.Run{
		ID:              model.NewID(),
		WorkflowID:      w.ID,
		Status:          model.RunPending,
		SpecSnapshotKey: w.SpecKey,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, newError(KindInternal, op, "create run", err)
	}

	doc, err := c.specs.Open(ctx, run.SpecSnapshotKey)
	if err != nil {
		gatewayFailuresTotal.WithLabelValues(depStorage).Inc()
		c.logger.Error("could not fetch spec", "run_id", run.ID, "spec_key", run.SpecSnapshotKey, "error", err)
		c.fail(ctx, run)
		return run, newError(KindGateway, op, "could not fetch pipeline from storage", err)
	}

	kfpRunID, err := c.submit(ctx, run, doc, params)
	if err != nil {
		gatewayFailuresTotal.WithLabelValues(depKFP).Inc()
		c.logger.Error("engine submission failed", "run_id", run.ID, "error", err)
		c.fail(ctx, run)
		return run, newError(KindGateway, op, "failed to submit to engine", err)
	}

	started := time.Now().UTC()
	uiURL := c.UIURL(kfpRunID)
	if err := c.store.MarkRunSubmitted(ctx, run.ID, kfpRunID, uiURL, started); err != nil {
		c.logger.Error("could not record submission", "run_id", run.ID, "kfp_run_id", kfpRunID, "error", err)
		c.fail(ctx, run)
		return run, newError(KindInternal, op, "record submission", err)
	}

	run.KFPRunID = kfpRunID
	run.UIURL = uiURL
	run.Status = model.RunRunning
	run.StartedAt = &started
	runsSubmittedTotal.WithLabelValues(model.RunRunning).Inc()
	c.broker.Publish(RunEvent{RunID: run.ID, Status: run.Status, At: started})

	c.logger.Info("run submitted", "run_id", run.ID, "workflow_id", w.ID, "kfp_run_id", kfpRunID)
	return run, nil
}

// submit stages the spec in a temporary file for the engine client and
// submits it under the job name run-{id}.
func (c *Runs) submit(ctx context.Context, run *model.Run, doc []byte, params map[string]any) (string, error) {
	f, err := os.CreateTemp(c.cfg.TempDir, "gantry-*.yaml")
	if err != nil {
		return "", fmt.Errorf("stage pipeline: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(doc); err != nil {
		f.Close()
		return "", fmt.Errorf("stage pipeline: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("stage pipeline: %w", err)
	}

	expID, err := c.kfp.EnsureExperiment(ctx, c.cfg.Experiment)
	if err != nil {
		return "", err
	}
	return c.kfp.SubmitRun(ctx, kfp.RunRequest{
		ExperimentID: expID,
		JobName:      "run-" + run.ID,
		SpecPath:     f.Name(),
		Params:       params,
	})
}

// fail moves a pending run to FAILED. It runs even when ctx was canceled.
func (c *Runs) fail(ctx context.Context, run *model.Run) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := c.store.UpdateRunStatus(ctx, run.ID, model.RunPending, model.RunFailed, &now); err != nil {
		c.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
		return
	}
	run.Status = model.RunFailed
	run.FinishedAt = &now
	runsSubmittedTotal.WithLabelValues(model.RunFailed).Inc()
	c.broker.Publish(RunEvent{RunID: run.ID, Status: run.Status, At: now})
	c.broker.Close(run.ID)
}

// Get returns a run of a workflow visible to the principal without
// contacting the engine.
func (c *Runs) Get(ctx context.Context, p Principal, workflowID, runID string) (*model.Run, error) {
	if _, err := loadWorkflow(ctx, c.store, p, workflowID); err != nil {
		return nil, err
	}
	r, err := c.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && r.WorkflowID != workflowID) {
		return nil, newError(KindNotFound, "get run", "run not found", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, "get run", "load run", err)
	}
	return r, nil
}

// ReconcileAndGet returns a run after bringing its status in line with the
// engine. Engine failures are logged and the last known status returned.
func (c *Runs) ReconcileAndGet(ctx context.Context, p Principal, workflowID, runID string) (*model.Run, error) {
	r, err := c.Get(ctx, p, workflowID, runID)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, r), nil
}

// List returns every run of a workflow, each reconciled.
func (c *Runs) List(ctx context.Context, p Principal, workflowID string) ([]*model.Run, error) {
	if _, err := loadWorkflow(ctx, c.store, p, workflowID); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, workflowID)
	if err != nil {
		return nil, newError(KindInternal, "list runs", "query runs", err)
	}
	c.reconcileAll(ctx, runs)
	return runs, nil
}

// ReconcileActive reconciles every RUNNING run and returns how many were
// checked.
func (c *Runs) ReconcileActive(ctx context.Context) (int, error) {
	runs, err := c.store.ListRunsByStatus(ctx, model.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	c.reconcileAll(ctx, runs)
	return len(runs), nil
}

// reconcileAll reconciles runs in place with bounded concurrency.
func (c *Runs) reconcileAll(ctx context.Context, runs []*model.Run) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ReconcileConcurrency)
	for i := range runs {
		g.Go(func() error {
			runs[i] = c.reconcile(gctx, runs[i])
			return nil
		})
	}
	_ = g.Wait()
}

// reconcile queries the engine for a submitted, non-terminal run and
// records a changed status. Terminal statuses get their finish time once.
// It never fails: on any problem the run is returned as it was.
func (c *Runs) reconcile(ctx context.Context, r *model.Run) *model.Run {
	if r.KFPRunID == "" || model.RunTerminal(r.Status) {
		return r
	}

	state, err := c.kfp.GetRunState(ctx, r.KFPRunID)
	if err != nil {
		gatewayFailuresTotal.WithLabelValues(depKFP).Inc()
		runsReconciledTotal.WithLabelValues(reconcileError).Inc()
		c.logger.Warn("engine status query failed, keeping last known status",
			"run_id", r.ID, "kfp_run_id", r.KFPRunID, "error", err)
		return r
	}

	to, ok := model.RunStatusFromEngine(state)
	if !ok {
		runsReconciledTotal.WithLabelValues(reconcileIgnored).Inc()
		c.logger.Debug("ignoring engine state", "run_id", r.ID, "state", state)
		return r
	}
	if to == r.Status {
		runsReconciledTotal.WithLabelValues(reconcileUnchanged).Inc()
		return r
	}

	var finished *time.Time
	if model.RunTerminal(to) {
		now := time.Now().UTC()
		finished = &now
	}

	err = c.store.UpdateRunStatus(ctx, r.ID, r.Status, to, finished)
	switch {
	case errors.Is(err, store.ErrConflict):
		runsReconciledTotal.WithLabelValues(reconcileConflict).Inc()
		return c.reread(ctx, r)
	case err != nil:
		runsReconciledTotal.WithLabelValues(reconcileError).Inc()
		c.logger.Warn("could not record reconciled status", "run_id", r.ID, "from", r.Status, "to", to, "error", err)
		return r
	}

	runsReconciledTotal.WithLabelValues(reconcileUpdated).Inc()
	c.logger.Info("run status changed", "run_id", r.ID, "from", r.Status, "to", to)

	updated := c.reread(ctx, r)
	if updated == r {
		r.Status = to
		if r.FinishedAt == nil {
			r.FinishedAt = finished
		}
	}
	c.broker.Publish(RunEvent{RunID: updated.ID, Status: updated.Status, At: time.Now().UTC()})
	if model.RunTerminal(updated.Status) {
		c.broker.Close(updated.ID)
	}
	return updated
}

func (c *Runs) reread(ctx context.Context, r *model.Run) *model.Run {
	fresh, err := c.store.GetRun(ctx, r.ID)
	if err != nil {
		c.logger.Warn("could not re-read run", "run_id", r.ID, "error", err)
		return r
	}
	return fresh
}

// Watch subscribes to status events of a run and returns its reconciled
// current state. The subscription is taken first so no change between the
// read and the subscribe is lost.
func (c *Runs) Watch(ctx context.Context, p Principal, workflowID, runID string) (*model.Run, <-chan RunEvent, func(), error) {
	r, err := c.Get(ctx, p, workflowID, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	events, unsubscribe := c.broker.Subscribe(r.ID)
	return c.reconcile(ctx, c.reread(ctx, r)), events, unsubscribe, nil
}

// Archive copies an output artifact of a run step into durable storage.
func (c *Runs) Archive(ctx context.Context, p Principal, workflowID, runID, step, artifact string) (*archiver.Result, error) {
	const op = "archive artifact"

	if strings.TrimSpace(step) == "" || strings.TrimSpace(artifact) == "" {
		return nil, newError(KindValidation, op, "step and artifact are required", nil)
	}
	if !validArtifactName(artifact) {
		return nil, newError(KindValidation, op, "artifact name must not contain path separators or ..", nil)
	}
	r, err := c.Get(ctx, p, workflowID, runID)
	if err != nil {
		return nil, err
	}

	res, err := c.archiver.Archive(ctx, r, step, artifact)
	var (
		downloadErr *archiver.DownloadError
		uploadErr   *archiver.UploadError
	)
	switch {
	case err == nil:
		artifactsArchivedTotal.WithLabelValues(res.Store).Inc()
		return res, nil
	case errors.Is(err, archiver.ErrNotFound):
		return nil, newError(KindNotFound, op, "artifact not found", nil)
	case errors.As(err, &downloadErr):
		gatewayFailuresTotal.WithLabelValues(depArtifact).Inc()
		return nil, newError(KindGateway, op, "could not download artifact", err)
	case errors.As(err, &uploadErr):
		gatewayFailuresTotal.WithLabelValues(depStorage).Inc()
		return nil, newError(KindGateway, op, "could not upload artifact", err)
	default:
		return nil, newError(KindInternal, op, "archive failed", err)
	}
}

// validArtifactName reports whether name can be used as one storage key
// segment.
func validArtifactName(name string) bool {
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// RetrievalURL returns a URL for a run's archived artifact, "" when none
// was archived. ttl of zero selects DefaultRetrievalTTL.
func (c *Runs) RetrievalURL(ctx context.Context, p Principal, workflowID, runID string, ttl time.Duration) (string, error) {
	const op = "artifact url"

	if ttl == 0 {
		ttl = DefaultRetrievalTTL
	}
	if ttl < time.Second || ttl > MaxRetrievalTTL {
		return "", newError(KindValidation, op, fmt.Sprintf("ttl must be between 1s and %s", MaxRetrievalTTL), nil)
	}
	r, err := c.Get(ctx, p, workflowID, runID)
	if err != nil {
		return "", err
	}
	u, err := c.archiver.RetrievalURL(ctx, r, ttl)
	if err != nil {
		gatewayFailuresTotal.WithLabelValues(depStorage).Inc()
		return "", newError(KindGateway, op, "could not build retrieval url", err)
	}
	return u, nil
}
