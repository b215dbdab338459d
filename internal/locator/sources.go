package locator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/gantry/internal/kfp"
)

// EngineSource reads the manifest from the engine client's run detail.
type EngineSource struct {
	Client kfp.Client
}

// Name implements ManifestSource.
func (EngineSource) Name() string { return "engine" }

// Manifest implements ManifestSource.
func (s EngineSource) Manifest(ctx context.Context, q Query) (string, error) {
	detail, err := s.Client.GetRunDetail(ctx, q.RunID)
	if err != nil {
		return "", err
	}
	return manifestAt(detail,
		[]string{"pipeline_runtime", "workflow_manifest"},
		[]string{"run_details", "pipeline_runtime", "workflow_manifest"},
	), nil
}

// RESTSource calls the v1beta1 runs endpoint directly. It keeps working
// when the engine's newer API omits the manifest.
type RESTSource struct {
	// Host is used when the query carries no EngineHost.
	Host  string
	Token string
	HTTP  *http.Client
}

// NewRESTSource creates a RESTSource with its own timeout.
func NewRESTSource(host, token string, timeout time.Duration) *RESTSource {
	return &RESTSource{Host: host, Token: token, HTTP: &http.Client{Timeout: timeout}}
}

// Name implements ManifestSource.
func (*RESTSource) Name() string { return "rest-v1beta1" }

// Manifest implements ManifestSource.
func (s *RESTSource) Manifest(ctx context.Context, q Query) (string, error) {
	host := q.EngineHost
	if host == "" {
		host = s.Host
	}
	if host == "" {
		return "", nil
	}

	u := strings.TrimRight(host, "/") + "/apis/v1beta1/runs/" + url.PathEscape(q.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build manifest request: %w", err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read manifest response: %w", err)
	}
	return manifestAt(body,
		[]string{"pipeline_runtime", "workflow_manifest"},
		[]string{"run", "pipeline_runtime", "workflow_manifest"},
	), nil
}
