package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/seantiz/gantry/internal/composer"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/objstore"
	"github.com/seantiz/gantry/internal/pipeline"
	"github.com/seantiz/gantry/internal/store"
)

// specContentType is the content type pipeline documents are stored with.
const specContentType = "application/x-yaml"

// WorkflowConfig configures the workflow controller.
type WorkflowConfig struct {
	// CallbackBaseURL is the externally reachable root of this service,
	// used to build composer webhook URLs.
	CallbackBaseURL string
	// Namespace prefixes storage keys of generated specs.
	Namespace string
	// Async leaves workflows PENDING after a successful composer call and
	// waits for the webhook instead of reading the response body.
	Async bool
}

// Workflows owns the Workflow lifecycle: generation through the composer,
// storage of the resulting spec and webhook completion.
type Workflows struct {
	store    store.Store
	specs    objstore.Storage
	composer composer.Client
	overlay  *pipeline.Overlay
	cfg      WorkflowConfig
	logger   *slog.Logger
}

// NewWorkflows creates a workflow controller.
func NewWorkflows(s store.Store, specs objstore.Storage, c composer.Client, overlay *pipeline.Overlay, cfg WorkflowConfig, logger *slog.Logger) *Workflows {
	if cfg.Namespace == "" {
		cfg.Namespace = "workflows"
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &Workflows{
		store:    s,
		specs:    specs,
		composer: c,
		overlay:  overlay,
		cfg:      cfg,
		logger:   logger,
	}
}

// SpecKey returns the storage key of a workflow's generated spec.
func (c *Workflows) SpecKey(workflowID string) string {
	return c.cfg.Namespace + "/" + workflowID + ".yaml"
}

// CallbackURL returns the webhook URL handed to the composer.
func (c *Workflows) CallbackURL(token string) string {
	return c.cfg.CallbackBaseURL + "/v1/workflows/webhook/" + token
}

// Generate creates a workflow for the principal's org and asks the
// composer for its pipeline. A workflow is never left PENDING after a
// synchronous composer call returns.
func (c *Workflows) Generate(ctx context.Context, p Principal, name, prompt string) (*model.Workflow, error) {
	const op = "generate workflow"

	if p.OrgID == "" {
		return nil, newError(KindAuthorization, op, "you must belong to an organization to generate workflows", nil)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, newError(KindValidation, op, "prompt is required", nil)
	}
	if _, err := c.store.GetOrg(ctx, p.OrgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindAuthorization, op, "unknown organization", nil)
		}
		return nil, newError(KindInternal, op, "load organization", err)
	}

	now := time.Now().UTC()
	w := &model.Workflow{
		ID:            model.NewID(),
		OrgID:         p.OrgID,
		Name:          strings.TrimSpace(name),
		Prompt:        prompt,
		Status:        model.WorkflowPending,
		CallbackToken: model.NewCallbackToken(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateWorkflow(ctx, w); err != nil {
		return nil, newError(KindInternal, op, "create workflow", err)
	}

	body, err := c.composer.Generate(ctx, prompt, c.CallbackURL(w.CallbackToken))
	if errors.Is(err, composer.ErrResponseTooLarge) {
		c.logger.Error("composer response rejected", "workflow_id", w.ID, "error", err)
		c.fail(ctx, w)
		return w, newError(KindInternal, op, "generated pipeline is too large", err)
	}
	if err != nil {
		gatewayFailuresTotal.WithLabelValues(depComposer).Inc()
		c.logger.Error("composer call failed", "workflow_id", w.ID, "error", err)
		c.fail(ctx, w)
		return w, newError(KindGateway, op, "failed to start generation job", err)
	}

	if c.cfg.Async {
		workflowsGeneratedTotal.WithLabelValues(model.WorkflowPending).Inc()
		c.logger.Info("generation started", "workflow_id", w.ID)
		return w, nil
	}

	if err := c.complete(ctx, w, body); err != nil {
		c.logger.Error("storing generated spec failed", "workflow_id", w.ID, "error", err)
		c.fail(ctx, w)
		return w, newError(KindInternal, op, "could not store generated pipeline", err)
	}
	return w, nil
}

// complete validates and stores a generated spec, then marks the workflow
// READY with its key in one store update.
func (c *Workflows) complete(ctx context.Context, w *model.Workflow, doc []byte) error {
	if err := pipeline.Validate(doc); err != nil {
		return err
	}
	key := c.SpecKey(w.ID)
	if err := c.specs.Save(ctx, key, doc, specContentType); err != nil {
		gatewayFailuresTotal.WithLabelValues(depStorage).Inc()
		return fmt.Errorf("save spec: %w", err)
	}
	if err := c.store.UpdateWorkflowStatus(ctx, w.ID, model.WorkflowReady, key); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	w.Status = model.WorkflowReady
	w.SpecKey = key
	w.UpdatedAt = time.Now().UTC()
	workflowsGeneratedTotal.WithLabelValues(model.WorkflowReady).Inc()
	c.logger.Info("workflow ready", "workflow_id", w.ID, "spec_key", key)
	return nil
}

// fail marks the workflow FAILED. It runs even when ctx was canceled.
func (c *Workflows) fail(ctx context.Context, w *model.Workflow) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.UpdateWorkflowStatus(ctx, w.ID, model.WorkflowFailed, ""); err != nil {
		c.logger.Error("failed to mark workflow failed", "workflow_id", w.ID, "error", err)
		return
	}
	w.Status = model.WorkflowFailed
	w.SpecKey = ""
	w.UpdatedAt = time.Now().UTC()
	workflowsGeneratedTotal.WithLabelValues(model.WorkflowFailed).Inc()
}

// Get returns a workflow visible to the principal.
func (c *Workflows) Get(ctx context.Context, p Principal, id string) (*model.Workflow, error) {
	return loadWorkflow(ctx, c.store, p, id)
}

// Describe returns a workflow and, once it is READY, the display form of
// its pipeline. A workflow that is not ready yet has a nil DisplaySpec.
func (c *Workflows) Describe(ctx context.Context, p Principal, id string) (*model.Workflow, *pipeline.DisplaySpec, error) {
	w, err := loadWorkflow(ctx, c.store, p, id)
	if err != nil {
		return nil, nil, err
	}
	if w.Status != model.WorkflowReady {
		return w, nil, nil
	}

	doc, err := c.specs.Open(ctx, w.SpecKey)
	if err != nil {
		c.logger.Warn("could not read stored spec", "workflow_id", w.ID, "spec_key", w.SpecKey, "error", err)
		return w, nil, nil
	}
	spec, err := pipeline.Translate(doc, c.overlay)
	if err != nil {
		c.logger.Warn("stored spec does not translate", "workflow_id", w.ID, "error", err)
		return w, nil, nil
	}
	return w, spec, nil
}

// List pages through the workflows visible to the principal, newest first.
func (c *Workflows) List(ctx context.Context, p Principal, limit, offset int) ([]*model.Workflow, int, error) {
	if !p.SuperAdmin && p.OrgID == "" {
		return nil, 0, newError(KindAuthorization, "list workflows", "no organization", nil)
	}
	ws, total, err := c.store.ListWorkflows(ctx, p.scope(), limit, offset)
	if err != nil {
		return nil, 0, newError(KindInternal, "list workflows", "query workflows", err)
	}
	return ws, total, nil
}

// HandleCallback applies a composer webhook delivery identified by the
// workflow's callback token.
func (c *Workflows) HandleCallback(ctx context.Context, token, status, contentType string, body []byte) (*model.Workflow, error) {
	const op = "workflow webhook"

	w, err := c.store.GetWorkflowByCallbackToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, op, "unknown webhook", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, op, "load workflow", err)
	}

	status = strings.ToUpper(strings.TrimSpace(status))
	if !model.ValidWorkflowStatus(status) {
		return nil, newError(KindValidation, op, "invalid status", nil)
	}
	if !isYAMLMediaType(contentType) {
		return nil, newError(KindUnsupportedMedia, op, "content type must be application/x-yaml", nil)
	}

	if status == w.Status {
		return w, nil
	}
	if !model.ValidWorkflowTransition(w.Status, status) {
		return nil, newError(KindPrecondition, op,
			fmt.Sprintf("workflow is %s and cannot become %s", w.Status, status), nil)
	}

	switch status {
	case model.WorkflowReady:
		if err := c.complete(ctx, w, body); err != nil {
			if pipeline.IsMalformed(err) {
				return nil, newError(KindValidation, op, "body is not a pipeline document", err)
			}
			return nil, newError(KindInternal, op, "could not store pipeline", err)
		}
	case model.WorkflowFailed:
		if err := c.store.UpdateWorkflowStatus(ctx, w.ID, model.WorkflowFailed, ""); err != nil {
			return nil, newError(KindInternal, op, "mark failed", err)
		}
		w.Status = model.WorkflowFailed
		w.UpdatedAt = time.Now().UTC()
		workflowsGeneratedTotal.WithLabelValues(model.WorkflowFailed).Inc()
	}

	c.logger.Info("webhook applied", "workflow_id", w.ID, "status", w.Status)
	return w, nil
}

func isYAMLMediaType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/x-yaml", "application/yaml", "text/yaml":
		return true
	}
	return false
}

// loadWorkflow fetches a workflow and hides it from principals of other orgs.
func loadWorkflow(ctx context.Context, s store.Store, p Principal, id string) (*model.Workflow, error) {
	w, err := s.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "get workflow", "workflow not found", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, "get workflow", "load workflow", err)
	}
	if !p.Sees(w.OrgID) {
		return nil, newError(KindNotFound, "get workflow", "workflow not found", nil)
	}
	return w, nil
}
