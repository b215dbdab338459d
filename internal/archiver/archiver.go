// Package archiver copies run artifacts from the engine into durable object
// storage and hands out retrieval URLs for them.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/seantiz/gantry/internal/locator"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/objstore"
)

// DefaultMaxArtifactBytes is the download limit when none is configured.
const DefaultMaxArtifactBytes = 512 << 20

var (
	// ErrNotFound is returned when the artifact cannot be located.
	ErrNotFound = errors.New("artifact not found")

	// ErrTooLarge is wrapped in a DownloadError when an artifact exceeds
	// the configured size limit.
	ErrTooLarge = errors.New("artifact too large")
)

// Locator resolves artifact download URLs.
type Locator interface {
	Locate(ctx context.Context, q locator.Query) (string, error)
}

// RunStore records where a run's artifact was archived.
type RunStore interface {
	SetRunArtifact(ctx context.Context, id, key, storeName string) error
}

// DownloadError reports a failed artifact download.
type DownloadError struct {
	URL  string
	Code int
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s: status %d", e.URL, e.Code)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// UploadError reports that neither storage backend accepted the artifact.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Config names the storage backends used for archiving.
type Config struct {
	Primary  string
	Fallback string
	// DownloadTimeout bounds one artifact download.
	DownloadTimeout time.Duration
	// MaxArtifactBytes bounds the size of one artifact.
	MaxArtifactBytes int64
	// EngineHost is passed to the locator for direct REST lookups.
	EngineHost string
}

// Result is the outcome of a successful Archive.
type Result struct {
	Key   string `json:"artifact_key"`
	Store string `json:"artifact_store"`
}

// Archiver downloads located artifacts and re-uploads them.
type Archiver struct {
	locator  Locator
	backends *objstore.Registry
	runs     RunStore
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
}

// New creates an Archiver. Both configured backends must be registered.
func New(loc Locator, backends *objstore.Registry, runs RunStore, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if _, err := backends.Get(cfg.Primary); err != nil {
		return nil, err
	}
	if cfg.Fallback != "" {
		if _, err := backends.Get(cfg.Fallback); err != nil {
			return nil, err
		}
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	return &Archiver{
		locator:  loc,
		backends: backends,
		runs:     runs,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.DownloadTimeout},
		logger:   logger,
	}, nil
}

// Archive locates the artifact of a step, stores it under
// runs/{run_id}/{artifact}{ext} and records the key on the run.
func (a *Archiver) Archive(ctx context.Context, run *model.Run, step, artifact string) (*Result, error) {
	if run.KFPRunID == "" {
		return nil, ErrNotFound
	}

	src, err := a.locator.Locate(ctx, locator.Query{
		RunID:        run.KFPRunID,
		StepName:     step,
		ArtifactName: artifact,
		EngineHost:   a.cfg.EngineHost,
	})
	if errors.Is(err, locator.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data, contentType, err := a.download(ctx, src)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("runs/%s/%s%s", run.ID, artifact, Extension(contentType))
	storeName, err := a.upload(ctx, key, data, contentType)
	if err != nil {
		return nil, err
	}

	if err := a.runs.SetRunArtifact(ctx, run.ID, key, storeName); err != nil {
		return nil, fmt.Errorf("record artifact on run: %w", err)
	}
	run.ArtifactKey = key
	run.ArtifactStore = storeName

	a.logger.Info("artifact archived", "run_id", run.ID, "key", key, "store", storeName, "bytes", len(data))
	return &Result{Key: key, Store: storeName}, nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &DownloadError{URL: url, Code: resp.StatusCode}
	}
	if resp.ContentLength > a.cfg.MaxArtifactBytes {
		return nil, "", &DownloadError{URL: url, Err: ErrTooLarge}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxArtifactBytes+1))
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}
	if int64(len(data)) > a.cfg.MaxArtifactBytes {
		return nil, "", &DownloadError{URL: url, Err: ErrTooLarge}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// upload writes to the primary backend and, if that fails, to the
// fallback. It returns the name of the backend that holds the object.
func (a *Archiver) upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	primary, err := a.backends.Get(a.cfg.Primary)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	perr := primary.Save(ctx, key, data, contentType)
	if perr == nil {
		return a.cfg.Primary, nil
	}
	if a.cfg.Fallback == "" || a.cfg.Fallback == a.cfg.Primary {
		return "", &UploadError{Key: key, Err: perr}
	}

	a.logger.Warn("primary storage upload failed, using fallback",
		"key", key, "primary", a.cfg.Primary, "fallback", a.cfg.Fallback, "error", perr)

	fallback, err := a.backends.Get(a.cfg.Fallback)
	if err != nil {
		return "", &UploadError{Key: key, Err: errors.Join(perr, err)}
	}
	if err := fallback.Save(ctx, key, data, contentType); err != nil {
		return "", &UploadError{Key: key, Err: errors.Join(perr, err)}
	}
	return a.cfg.Fallback, nil
}

// RetrievalURL returns a URL for the run's archived artifact, or "" when
// nothing was archived. Backends that can presign get a URL valid for ttl;
// others return their public URL.
func (a *Archiver) RetrievalURL(ctx context.Context, run *model.Run, ttl time.Duration) (string, error) {
	if run.ArtifactKey == "" {
		return "", nil
	}
	name := run.ArtifactStore
	if name == "" {
		name = a.cfg.Primary
	}
	backend, err := a.backends.Get(name)
	if err != nil {
		return "", err
	}

	if p, ok := backend.(objstore.Presigner); ok {
		u, err := p.Presign(ctx, run.ArtifactKey, ttl)
		if err == nil {
			return u, nil
		}
		a.logger.Warn("presign failed, returning public url", "key", run.ArtifactKey, "error", err)
	}
	return backend.URL(run.ArtifactKey), nil
}

var extensions = map[string]string{
	"audio/wav":          ".wav",
	"audio/x-wav":        ".wav",
	"audio/wave":         ".wav",
	"audio/mpeg":         ".mp3",
	"audio/mp3":          ".mp3",
	"audio/ogg":          ".ogg",
	"audio/flac":         ".flac",
	"video/mp4":          ".mp4",
	"application/json":   ".json",
	"application/x-yaml": ".yaml",
	"application/yaml":   ".yaml",
	"text/yaml":          ".yaml",
	"text/plain":         ".txt",
	"text/markdown":      ".md",
	"text/csv":           ".csv",
}

// Extension maps a content type to a file extension, "" when unknown.
func Extension(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
