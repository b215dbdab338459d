package locator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/gantry/internal/kfp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// stepNode builds a manifest node whose pod-spec-patch resolves to the
// given artifact URIs.
func stepNode(t *testing.T, step string, artifacts map[string]string) map[string]any {
	t.Helper()
	outs := map[string]any{}
	for name, uri := range artifacts {
		outs[name] = map[string]any{"artifacts": []any{map[string]any{"uri": uri}}}
	}
	execInput := mustJSON(t, map[string]any{"outputs": map[string]any{"artifacts": outs}})
	podSpec := mustJSON(t, map[string]any{
		"containers": []any{map[string]any{
			"command": []any{"sh", "-c", "--executor_input", execInput, "--function_to_execute", "main"},
		}},
	})
	return map[string]any{
		"displayName": step,
		"inputs": map[string]any{"parameters": []any{
			map[string]any{"name": "cached-decision", "value": "true"},
			map[string]any{"name": "pod-spec-patch", "value": podSpec},
		}},
	}
}

func manifest(t *testing.T, nodes map[string]any) string {
	return mustJSON(t, map[string]any{"status": map[string]any{"nodes": nodes}})
}

type fakeClient struct {
	kfp.Client
	detail []byte
	err    error
	calls  int
}

func (f *fakeClient) GetRunDetail(_ context.Context, _ string) ([]byte, error) {
	f.calls++
	return f.detail, f.err
}

// locate runs a lookup that is expected to succeed and checks the URL.
func locate(t *testing.T, l *Locator, q Query, want string) {
	t.Helper()
	got, err := l.Locate(context.Background(), q)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}

type staticSource struct {
	name     string
	manifest string
	err      error
	calls    int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Manifest(context.Context, Query) (string, error) {
	s.calls++
	return s.manifest, s.err
}

func TestLocateMinioURI(t *testing.T) {
	m := manifest(t, map[string]any{
		"n1": stepNode(t, "downloader", map[string]string{"audio": "s3://other/a.mp3"}),
		"n2": stepNode(t, "performer", map[string]string{"podcast": "minio://bucket/path.wav"}),
	})
	client := &fakeClient{detail: []byte(mustJSON(t, map[string]any{
		"pipeline_runtime": map[string]any{"workflow_manifest": m},
	}))}

	l := New("http://ui.local/", testLogger(), EngineSource{Client: client})
	locate(t, l, Query{RunID: "r1", StepName: "performer", ArtifactName: "podcast"},
		"http://ui.local/artifacts/minio/bucket/path.wav")
}

func TestLocateOtherSchemesUnchanged(t *testing.T) {
	m := manifest(t, map[string]any{
		"n1": stepNode(t, "downloader", map[string]string{"audio": "https://cdn.example/a.mp3"}),
	})
	l := New("http://ui", testLogger(), &staticSource{name: "s", manifest: m})

	locate(t, l, Query{RunID: "r1", StepName: "downloader", ArtifactName: "audio"}, "https://cdn.example/a.mp3")
}

func TestLocateEngineRunDetailsShape(t *testing.T) {
	m := manifest(t, map[string]any{"n": stepNode(t, "s", map[string]string{"a": "minio://b/k"})})
	client := &fakeClient{detail: []byte(mustJSON(t, map[string]any{
		"run_details": map[string]any{"pipeline_runtime": map[string]any{"workflow_manifest": m}},
	}))}

	l := New("http://ui", testLogger(), EngineSource{Client: client})
	locate(t, l, Query{RunID: "r", StepName: "s", ArtifactName: "a"}, "http://ui/artifacts/minio/b/k")
}

func TestLocateFallsThroughChain(t *testing.T) {
	m := manifest(t, map[string]any{"n": stepNode(t, "s", map[string]string{"a": "minio://b/k"})})
	first := &staticSource{name: "broken", err: errors.New("incompatible client")}
	second := &staticSource{name: "empty"}
	third := &staticSource{name: "good", manifest: m}
	fourth := &staticSource{name: "unused", manifest: m}

	l := New("http://ui", testLogger(), first, second, third, fourth)
	locate(t, l, Query{RunID: "r", StepName: "s", ArtifactName: "a"}, "http://ui/artifacts/minio/b/k")

	for _, tt := range []struct {
		src  *staticSource
		want int
	}{{first, 1}, {second, 1}, {third, 1}, {fourth, 0}} {
		if tt.src.calls != tt.want {
			t.Errorf("source %s called %d times, want %d", tt.src.name, tt.src.calls, tt.want)
		}
	}
}

func TestLocateNotFound(t *testing.T) {
	good := manifest(t, map[string]any{"n": stepNode(t, "s", map[string]string{"a": "minio://b/k"})})

	tests := []struct {
		name     string
		manifest string
		query    Query
	}{
		{"no manifest", "", Query{StepName: "s", ArtifactName: "a"}},
		{"invalid json", "{not json", Query{StepName: "s", ArtifactName: "a"}},
		{"no nodes", `{"status":{}}`, Query{StepName: "s", ArtifactName: "a"}},
		{"unknown step", good, Query{StepName: "other", ArtifactName: "a"}},
		{"unknown artifact", good, Query{StepName: "s", ArtifactName: "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New("http://ui", testLogger(), &staticSource{name: "s", manifest: tt.manifest})
			if _, err := l.Locate(context.Background(), tt.query); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLocateSkipsMalformedNodes(t *testing.T) {
	nodes := map[string]any{
		"a-scalar":     "oops",
		"b-no-inputs":  map[string]any{"displayName": "s"},
		"c-bad-patch":  map[string]any{"displayName": "s", "inputs": map[string]any{"parameters": []any{map[string]any{"name": "pod-spec-patch", "value": "{broken"}}}},
		"d-no-command": map[string]any{"displayName": "s", "inputs": map[string]any{"parameters": []any{map[string]any{"name": "pod-spec-patch", "value": `{"containers":[{}]}`}}}},
		"e-bad-exec": map[string]any{"displayName": "s", "inputs": map[string]any{"parameters": []any{map[string]any{
			"name": "pod-spec-patch", "value": `{"containers":[{"command":["--executor_input","{nope"]}]}`,
		}}}},
		"f-good": stepNode(t, "s", map[string]string{"a": "minio://b/k"}),
	}
	l := New("http://ui", testLogger(), &staticSource{name: "s", manifest: manifest(t, nodes)})

	locate(t, l, Query{RunID: "r", StepName: "s", ArtifactName: "a"}, "http://ui/artifacts/minio/b/k")
}

func TestRESTSource(t *testing.T) {
	m := manifest(t, map[string]any{"n": stepNode(t, "s", map[string]string{"a": "minio://b/k"})})
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(mustJSON(t, map[string]any{
			"run": map[string]any{"pipeline_runtime": map[string]any{"workflow_manifest": m}},
		})))
	}))
	defer srv.Close()

	src := NewRESTSource("http://unused.invalid", "tok", time.Second)
	got, err := src.Manifest(context.Background(), Query{RunID: "r1", EngineHost: srv.URL})
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if got != m {
		t.Errorf("manifest = %q, want %q", got, m)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "/apis/v1beta1/runs/r1" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestRESTSourceFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewRESTSource(srv.URL, "", time.Second).Manifest(context.Background(), Query{RunID: "r"}); err == nil {
		t.Error("expected error for 500 response")
	}

	got, err := NewRESTSource("", "", time.Second).Manifest(context.Background(), Query{RunID: "r"})
	if err != nil {
		t.Errorf("unconfigured source: %v", err)
	}
	if got != "" {
		t.Errorf("unconfigured source returned %q", got)
	}
}

func TestEngineSourceThenREST(t *testing.T) {
	m := manifest(t, map[string]any{"n": stepNode(t, "s", map[string]string{"a": "minio://b/k"})})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(mustJSON(t, map[string]any{
			"pipeline_runtime": map[string]any{"workflow_manifest": m},
		})))
	}))
	defer srv.Close()

	client := &fakeClient{detail: []byte(`{"run_id":"r","state":"SUCCEEDED"}`)}
	l := New("http://ui", testLogger(), EngineSource{Client: client}, NewRESTSource(srv.URL, "", time.Second))

	locate(t, l, Query{RunID: "r", StepName: "s", ArtifactName: "a"}, "http://ui/artifacts/minio/b/k")
	if client.calls != 1 {
		t.Errorf("engine client calls = %d, want 1", client.calls)
	}
}
