package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/gantry/internal/archiver"
	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/kfp"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/objstore"
	"github.com/seantiz/gantry/internal/pipeline"
	"github.com/seantiz/gantry/internal/store"
)

const testSpec = `pipelineInfo:
  name: podcast
  description: Podcast from a video
components:
  comp-downloader:
    executorLabel: exec-downloader
    inputDefinitions:
      parameters:
        url: {parameterType: STRING}
deploymentSpec:
  executors:
    exec-downloader: {container: {image: dl:1}}
root:
  dag:
    tasks:
      downloader: {componentRef: {name: comp-downloader}}
`

type stubComposer struct {
	body []byte
	err  error
}

func (c *stubComposer) Generate(context.Context, string, string) ([]byte, error) {
	return c.body, c.err
}

type stubKFP struct {
	mu    sync.Mutex
	state string
}

func (k *stubKFP) EnsureExperiment(_ context.Context, name string) (string, error) {
	return "exp-" + name, nil
}

func (k *stubKFP) SubmitRun(context.Context, kfp.RunRequest) (string, error) {
	return "kfp-1", nil
}

func (k *stubKFP) GetRunState(context.Context, string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state, nil
}

func (k *stubKFP) GetRunDetail(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (k *stubKFP) setState(state string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = state
}

type stubArchiver struct {
	res *archiver.Result
	err error
	url string
}

func (a *stubArchiver) Archive(context.Context, *model.Run, string, string) (*archiver.Result, error) {
	return a.res, a.err
}

func (a *stubArchiver) RetrievalURL(context.Context, *model.Run, time.Duration) (string, error) {
	return a.url, nil
}

type testServer struct {
	*Server
	kfp      *stubKFP
	archiver *stubArchiver
	org      *model.Org
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, false)
}

func newTestServerWith(t *testing.T, async bool) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	specs, err := objstore.NewLocalStore(t.TempDir(), "http://files.test")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	org := &model.Org{ID: model.NewID(), Name: "acme", CreatedAt: time.Now().UTC()}
	if err := s.CreateOrg(context.Background(), org); err != nil {
		t.Fatalf("CreateOrg: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	k := &stubKFP{state: "RUNNING"}
	arch := &stubArchiver{}

	workflows := engine.NewWorkflows(s, specs, &stubComposer{body: []byte(testSpec)}, pipeline.DefaultOverlay(),
		engine.WorkflowConfig{CallbackBaseURL: "http://gw.test", Namespace: "workflows", Async: async}, logger)
	runs := engine.NewRuns(s, specs, k, arch, engine.NewStatusBroker(),
		engine.RunConfig{UIBaseURL: "http://kfp-ui.test", TempDir: t.TempDir()}, logger)

	return &testServer{
		Server:   NewServer(":0", s, workflows, runs, logger),
		kfp:      k,
		archiver: arch,
		org:      org,
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestObjectsMount(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	local, err := objstore.NewLocalStore(dir, "http://files.test")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := local.Save(context.Background(), "runs/a/audio.wav", []byte("RIFF"), "audio/wav"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	srv.MountObjects(dir)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/objects/runs/a/audio.wav")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "RIFF" {
		t.Errorf("body = %q, want RIFF", body)
	}
}
