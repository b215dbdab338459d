// testserver starts a Gantry gateway with in-process stub composer and
// engine for end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/seantiz/gantry/internal/api"
	"github.com/seantiz/gantry/internal/archiver"
	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/kfp"
	"github.com/seantiz/gantry/internal/locator"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/objstore"
	"github.com/seantiz/gantry/internal/pipeline"
	"github.com/seantiz/gantry/internal/store"
)

// testOrgID is the organization seeded at startup.
const testOrgID = "test-org"

const stubPipeline = `pipelineInfo:
  name: podcast
  description: Turn a video into a narrated podcast
components:
  comp-downloader:
    executorLabel: exec-downloader
    inputDefinitions:
      parameters:
        url: {parameterType: STRING}
  comp-performer:
    executorLabel: exec-performer
    inputDefinitions:
      parameters:
        voice: {parameterType: STRING}
        audio_format: {parameterType: STRING}
deploymentSpec:
  executors:
    exec-downloader: {container: {image: "ghcr.io/gantry/downloader:1"}}
    exec-performer: {container: {image: "ghcr.io/gantry/performer:1"}}
root:
  dag:
    tasks:
      downloader: {componentRef: {name: comp-downloader}}
      performer: {componentRef: {name: comp-performer}}
`

// stubComposer answers every prompt with the same pipeline after a delay.
type stubComposer struct {
	delay time.Duration
}

func (c *stubComposer) Generate(ctx context.Context, _, _ string) ([]byte, error) {
	select {
	case <-time.After(c.delay):
		return []byte(stubPipeline), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stubEngine reports a run RUNNING until its duration has elapsed, then
// SUCCEEDED.
type stubEngine struct {
	duration time.Duration

	mu      sync.Mutex
	nextID  int
	started map[string]time.Time
}

func (e *stubEngine) EnsureExperiment(_ context.Context, name string) (string, error) {
	return "exp-" + name, nil
}

func (e *stubEngine) SubmitRun(_ context.Context, req kfp.RunRequest) (string, error) {
	if _, err := os.Stat(req.SpecPath); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("stub-run-%d", e.nextID)
	e.started[id] = time.Now()
	return id, nil
}

func (e *stubEngine) GetRunState(_ context.Context, runID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started, ok := e.started[runID]
	if !ok {
		return "", &kfp.APIError{Method: "GET", Path: "/apis/v2beta1/runs/" + runID, Code: 404, Body: "run not found"}
	}
	if time.Since(started) < e.duration {
		return "RUNNING", nil
	}
	return "SUCCEEDED", nil
}

func (e *stubEngine) GetRunDetail(_ context.Context, runID string) ([]byte, error) {
	return []byte(`{"run_id":"` + runID + `"}`), nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("GANTRY_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.CreateOrg(context.Background(), &model.Org{ID: testOrgID, Name: "test", CreatedAt: time.Now().UTC()}); err != nil {
		log.Fatalf("failed to seed org: %v", err)
	}

	dir, err := os.MkdirTemp("", "gantry-testserver-")
	if err != nil {
		log.Fatalf("failed to create object dir: %v", err)
	}
	defer os.RemoveAll(dir)

	local, err := objstore.NewLocalStore(dir, "http://localhost"+addr+"/objects")
	if err != nil {
		log.Fatalf("failed to open object store: %v", err)
	}
	stores := objstore.NewRegistry()
	stores.Register("local", local)

	eng := &stubEngine{duration: 2 * time.Second, started: make(map[string]time.Time)}
	arch, err := archiver.New(locator.New("http://localhost"+addr, logger, &locator.EngineSource{Client: eng}),
		stores, db, archiver.Config{Primary: "local"}, logger)
	if err != nil {
		log.Fatalf("failed to create archiver: %v", err)
	}

	workflows := engine.NewWorkflows(db, local, &stubComposer{delay: 200 * time.Millisecond}, pipeline.DefaultOverlay(),
		engine.WorkflowConfig{CallbackBaseURL: "http://localhost" + addr, Namespace: "workflows"}, logger)
	runs := engine.NewRuns(db, local, eng, arch, engine.NewStatusBroker(),
		engine.RunConfig{UIBaseURL: "http://localhost" + addr}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	rec := engine.NewReconciler(runs, time.Second, logger)
	rec.Start(ctx)

	srv := api.NewServer(addr, db, workflows, runs, logger)
	srv.MountObjects(dir)

	logger.Info("testserver: starting", "addr", addr, "org_id", testOrgID)
	err = srv.Run()
	cancel()
	rec.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
