// Package locator resolves the download URL of a named output artifact of a
// step in a remote pipeline run.
//
// The engine does not expose artifact locations directly. They are dug out
// of the run's workflow manifest: the node of the step carries a
// pod-spec-patch parameter (JSON), whose container command holds an
// --executor_input argument (JSON again), whose outputs list the artifact
// URIs. Every level may be absent or malformed; such nodes are skipped.
package locator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/buger/jsonparser"
)

// ErrNotFound is returned when no artifact could be located. It is an
// expected outcome, not a failure.
var ErrNotFound = errors.New("artifact not found")

// Query identifies an artifact of a run step.
type Query struct {
	RunID        string
	StepName     string
	ArtifactName string
	// EngineHost overrides the engine address used by sources that call the
	// REST API directly.
	EngineHost string
}

// ManifestSource retrieves the workflow manifest of a run. An empty string
// with a nil error means the source has nothing and the next one is tried.
type ManifestSource interface {
	Name() string
	Manifest(ctx context.Context, q Query) (string, error)
}

// Locator walks an ordered chain of manifest sources.
type Locator struct {
	sources []ManifestSource
	uiBase  string
	logger  *slog.Logger
}

// New creates a Locator. uiBase is the engine UI root used to rewrite
// minio:// URIs.
func New(uiBase string, logger *slog.Logger, sources ...ManifestSource) *Locator {
	return &Locator{
		sources: sources,
		uiBase:  strings.TrimRight(uiBase, "/"),
		logger:  logger,
	}
}

// Locate returns a fetchable URL for the artifact or ErrNotFound.
func (l *Locator) Locate(ctx context.Context, q Query) (string, error) {
	manifest := l.manifest(ctx, q)
	if manifest == "" {
		l.logger.Warn("no workflow manifest available", "kfp_run_id", q.RunID)
		return "", ErrNotFound
	}

	uri, err := scanNodes([]byte(manifest), q.StepName, q.ArtifactName)
	if err != nil {
		l.logger.Warn("workflow manifest is not valid JSON", "kfp_run_id", q.RunID, "error", err)
		return "", ErrNotFound
	}
	if uri == "" {
		l.logger.Debug("artifact not in manifest",
			"kfp_run_id", q.RunID, "step", q.StepName, "artifact", q.ArtifactName)
		return "", ErrNotFound
	}
	return l.translate(uri), nil
}

func (l *Locator) manifest(ctx context.Context, q Query) string {
	for _, src := range l.sources {
		m, err := src.Manifest(ctx, q)
		if err != nil {
			l.logger.Warn("manifest source failed", "source", src.Name(), "kfp_run_id", q.RunID, "error", err)
			continue
		}
		if m != "" {
			return m
		}
	}
	return ""
}

// translate rewrites minio:// URIs to the engine UI's artifact gateway.
func (l *Locator) translate(uri string) string {
	if p, ok := strings.CutPrefix(uri, "minio://"); ok {
		return l.uiBase + "/artifacts/minio/" + p
	}
	return uri
}

// manifestAt returns the first non-empty string found at one of the paths.
func manifestAt(doc []byte, paths ...[]string) string {
	for _, p := range paths {
		if s, err := jsonparser.GetString(doc, p...); err == nil && s != "" {
			return s
		}
	}
	return ""
}

var errFound = errors.New("found")

// scanNodes returns the URI of the artifact in the first matching node, ""
// when none has it, or an error when the manifest is not a JSON document.
func scanNodes(manifest []byte, step, artifact string) (string, error) {
	if _, _, _, err := jsonparser.Get(manifest); err != nil {
		return "", err
	}

	var uri string
	err := jsonparser.ObjectEach(manifest, func(_ []byte, node []byte, typ jsonparser.ValueType, _ int) error {
		if typ != jsonparser.Object {
			return nil
		}
		if name, _ := jsonparser.GetString(node, "displayName"); name != step {
			return nil
		}
		if u := artifactFromNode(node, artifact); u != "" {
			uri = u
			return errFound
		}
		return nil
	}, "status", "nodes")

	if errors.Is(err, errFound) {
		return uri, nil
	}
	// Missing or malformed status.nodes: nothing to find.
	return "", nil
}

func artifactFromNode(node []byte, artifact string) string {
	podSpec := podSpecPatch(node)
	if podSpec == "" {
		return ""
	}
	execInput := executorInput([]byte(podSpec))
	if execInput == "" {
		return ""
	}
	uri, _ := jsonparser.GetString([]byte(execInput), "outputs", "artifacts", artifact, "artifacts", "[0]", "uri")
	return uri
}

func podSpecPatch(node []byte) string {
	var value string
	_, _ = jsonparser.ArrayEach(node, func(p []byte, typ jsonparser.ValueType, _ int, _ error) {
		if value != "" || typ != jsonparser.Object {
			return
		}
		if name, _ := jsonparser.GetString(p, "name"); name == "pod-spec-patch" {
			value, _ = jsonparser.GetString(p, "value")
		}
	}, "inputs", "parameters")
	return value
}

func executorInput(podSpec []byte) string {
	var (
		next  bool
		value string
	)
	_, _ = jsonparser.ArrayEach(podSpec, func(arg []byte, typ jsonparser.ValueType, _ int, _ error) {
		if value != "" || typ != jsonparser.String {
			return
		}
		s, err := jsonparser.ParseString(arg)
		if err != nil {
			return
		}
		if next {
			value = s
			return
		}
		next = s == "--executor_input"
	}, "containers", "[0]", "command")
	return value
}
