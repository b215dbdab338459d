// Package kfp is a small REST client for the Kubeflow Pipelines API: the
// handful of experiment and run calls gantry makes to submit and observe
// pipeline runs.
package kfp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"gopkg.in/yaml.v3"
)

// maxBodyBytes caps how much of an engine response is read. Workflow
// manifests of large runs can be several megabytes.
const maxBodyBytes = 32 << 20

// ErrResponseTooLarge is returned when an engine response exceeds
// maxBodyBytes.
var ErrResponseTooLarge = errors.New("kfp response too large")

// Client is the subset of the engine API gantry uses.
type Client interface {
	// EnsureExperiment returns the id of the experiment with the given
	// display name, creating it when absent.
	EnsureExperiment(ctx context.Context, name string) (string, error)
	// SubmitRun creates a run of the pipeline file at specPath and returns
	// the engine's run id.
	SubmitRun(ctx context.Context, req RunRequest) (string, error)
	// GetRunState returns the engine's state string for a run.
	GetRunState(ctx context.Context, runID string) (string, error)
	// GetRunDetail returns the raw run detail document.
	GetRunDetail(ctx context.Context, runID string) ([]byte, error)
}

// RunRequest describes a run submission.
type RunRequest struct {
	ExperimentID string
	JobName      string
	SpecPath     string
	Params       map[string]any
}

// APIError reports a non-2xx engine response.
type APIError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kfp %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HTTPClient implements Client against the KFP v2beta1 REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an engine client. token may be empty.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kfp %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read kfp response: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("kfp %s %s: %w", method, path, ErrResponseTooLarge)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if m, err := jsonparser.GetString(data, "message"); err == nil && m != "" {
			msg = m
		}
		return nil, &APIError{Method: method, Path: path, Code: resp.StatusCode, Body: msg}
	}
	return data, nil
}

type experiment struct {
	ExperimentID string `json:"experiment_id"`
	DisplayName  string `json:"display_name"`
}

type experimentList struct {
	Experiments []experiment `json:"experiments"`
}

// EnsureExperiment looks the experiment up by display name and creates it
// when the engine has none.
func (c *HTTPClient) EnsureExperiment(ctx context.Context, name string) (string, error) {
	filter, err := json.Marshal(map[string]any{
		"predicates": []map[string]any{{
			"key":          "display_name",
			"operation":    "EQUALS",
			"string_value": name,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encode experiment filter: %w", err)
	}

	data, err := c.do(ctx, http.MethodGet, "/apis/v2beta1/experiments?filter="+url.QueryEscape(string(filter)), nil)
	if err != nil {
		return "", err
	}
	var list experimentList
	if err := json.Unmarshal(data, &list); err != nil {
		return "", fmt.Errorf("decode experiment list: %w", err)
	}
	for _, e := range list.Experiments {
		if e.DisplayName == name && e.ExperimentID != "" {
			return e.ExperimentID, nil
		}
	}

	data, err = c.do(ctx, http.MethodPost, "/apis/v2beta1/experiments", experiment{DisplayName: name})
	if err != nil {
		return "", err
	}
	var created experiment
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created experiment: %w", err)
	}
	if created.ExperimentID == "" {
		return "", errors.New("kfp created experiment without an id")
	}
	return created.ExperimentID, nil
}

type runtimeConfig struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

type createRunRequest struct {
	DisplayName   string         `json:"display_name"`
	ExperimentID  string         `json:"experiment_id"`
	PipelineSpec  map[string]any `json:"pipeline_spec"`
	PlatformSpec  map[string]any `json:"platform_spec,omitempty"`
	RuntimeConfig runtimeConfig  `json:"runtime_config"`
}

// SubmitRun reads the pipeline file, embeds it in a create-run request and
// returns the new run's id.
func (c *HTTPClient) SubmitRun(ctx context.Context, req RunRequest) (string, error) {
	raw, err := os.ReadFile(req.SpecPath)
	if err != nil {
		return "", fmt.Errorf("read pipeline file: %w", err)
	}
	docs, err := decodeDocuments(raw)
	if err != nil {
		return "", err
	}

	body := createRunRequest{
		DisplayName:   req.JobName,
		ExperimentID:  req.ExperimentID,
		PipelineSpec:  docs[0],
		RuntimeConfig: runtimeConfig{Parameters: req.Params},
	}
	if len(docs) > 1 {
		body.PlatformSpec = docs[1]
	}

	data, err := c.do(ctx, http.MethodPost, "/apis/v2beta1/runs", body)
	if err != nil {
		return "", err
	}
	id, err := jsonparser.GetString(data, "run_id")
	if err != nil || id == "" {
		return "", errors.New("kfp created run without an id")
	}
	return id, nil
}

// GetRunState returns the v2beta1 state field of a run.
func (c *HTTPClient) GetRunState(ctx context.Context, runID string) (string, error) {
	data, err := c.GetRunDetail(ctx, runID)
	if err != nil {
		return "", err
	}
	state, err := jsonparser.GetString(data, "state")
	if err != nil {
		return "", fmt.Errorf("kfp run %s has no state: %w", runID, err)
	}
	return state, nil
}

// GetRunDetail returns the raw v2beta1 run document.
func (c *HTTPClient) GetRunDetail(ctx context.Context, runID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/apis/v2beta1/runs/"+url.PathEscape(runID), nil)
}

// decodeDocuments parses a compiled pipeline file. The first document is
// the pipeline spec; compilers append the platform spec as a second one.
func decodeDocuments(raw []byte) ([]map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var docs []map[string]any
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse pipeline file: %w", err)
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		return nil, errors.New("pipeline file is empty")
	}
	return docs, nil
}
