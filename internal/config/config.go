package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "GANTRY"

	keyListenAddr        = "listen_addr"
	keyDBPath            = "db_path"
	keyLogLevel          = "log_level"
	keyCallbackBaseURL   = "callback_base_url"
	keySpecNamespace     = "spec_namespace"
	keyOverlayFile       = "overlay_file"
	keyReconcileInterval = "reconcile_interval"

	keyComposerURL     = "composer.url"
	keyComposerMode    = "composer.mode"
	keyComposerTimeout = "composer.timeout"

	keyKFPAPIURL     = "kfp.api_url"
	keyKFPUIURL      = "kfp.ui_url"
	keyKFPToken      = "kfp.token"
	keyKFPExperiment = "kfp.experiment"
	keyKFPTimeout    = "kfp.timeout"

	keyStorageEndpoint  = "storage.endpoint"
	keyStorageAccessKey = "storage.access_key"
	keyStorageSecretKey = "storage.secret_key"
	keyStorageBucket    = "storage.bucket"
	keyStorageUseSSL    = "storage.use_ssl"
	keyStorageLocalDir  = "storage.local_dir"
	keyStorageLocalURL  = "storage.local_url"

	keyDownloadTimeout  = "archive.download_timeout"
	keyMaxArtifactBytes = "archive.max_artifact_bytes"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "gantry.db"
	defaultCallbackBaseURL = "http://localhost:8080"
	defaultSpecNamespace   = "workflows"
	defaultComposerURL     = "http://localhost:9000"
	defaultKFPAPIURL       = "http://localhost:8888"
	defaultKFPExperiment   = "gantry"
	defaultLocalDir        = "data/objects"
	defaultLocalURL        = "http://localhost:8080/objects"

	defaultComposerTimeout = 10 * time.Second
	defaultKFPTimeout      = 15 * time.Second
	defaultDownloadTimeout = 30 * time.Second

	defaultMaxArtifactBytes = 512 << 20
)

// Composer modes.
const (
	ComposerSync  = "sync"
	ComposerAsync = "async"
)

// Config holds application configuration loaded from defaults, an optional
// config file and GANTRY_* environment variables.
type Config struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	CallbackBaseURL   string
	SpecNamespace     string
	OverlayFile       string
	ReconcileInterval time.Duration
	DownloadTimeout   time.Duration
	MaxArtifactBytes  int64

	Composer ComposerConfig
	KFP      KFPConfig
	Storage  StorageConfig
}

// ComposerConfig configures the pipeline composer client.
type ComposerConfig struct {
	URL     string
	Mode    string
	Timeout time.Duration
}

// KFPConfig configures the pipeline engine client.
type KFPConfig struct {
	APIURL     string
	UIURL      string
	Token      string
	Experiment string
	Timeout    time.Duration
}

// StorageConfig configures object storage. An empty Endpoint disables the
// S3-compatible backend and leaves only the local filesystem one.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LocalDir  string
	LocalURL  string
}

// Load reads configuration. configFile may be empty, in which case only
// defaults and the environment apply.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		ListenAddr:        v.GetString(keyListenAddr),
		DBPath:            v.GetString(keyDBPath),
		LogLevel:          parseLogLevel(v.GetString(keyLogLevel)),
		CallbackBaseURL:   strings.TrimRight(v.GetString(keyCallbackBaseURL), "/"),
		SpecNamespace:     strings.Trim(v.GetString(keySpecNamespace), "/"),
		OverlayFile:       v.GetString(keyOverlayFile),
		ReconcileInterval: v.GetDuration(keyReconcileInterval),
		DownloadTimeout:   v.GetDuration(keyDownloadTimeout),
		MaxArtifactBytes:  v.GetInt64(keyMaxArtifactBytes),
		Composer: ComposerConfig{
			URL:     strings.TrimRight(v.GetString(keyComposerURL), "/"),
			Mode:    strings.ToLower(v.GetString(keyComposerMode)),
			Timeout: v.GetDuration(keyComposerTimeout),
		},
		KFP: KFPConfig{
			APIURL:     strings.TrimRight(v.GetString(keyKFPAPIURL), "/"),
			UIURL:      strings.TrimRight(v.GetString(keyKFPUIURL), "/"),
			Token:      v.GetString(keyKFPToken),
			Experiment: v.GetString(keyKFPExperiment),
			Timeout:    v.GetDuration(keyKFPTimeout),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString(keyStorageEndpoint),
			AccessKey: v.GetString(keyStorageAccessKey),
			SecretKey: v.GetString(keyStorageSecretKey),
			Bucket:    v.GetString(keyStorageBucket),
			UseSSL:    v.GetBool(keyStorageUseSSL),
			LocalDir:  v.GetString(keyStorageLocalDir),
			LocalURL:  strings.TrimRight(v.GetString(keyStorageLocalURL), "/"),
		},
	}

	if cfg.KFP.UIURL == "" {
		cfg.KFP.UIURL = cfg.KFP.APIURL
	}
	if cfg.Composer.Mode != ComposerAsync {
		cfg.Composer.Mode = ComposerSync
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyDBPath, defaultDBPath)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyCallbackBaseURL, defaultCallbackBaseURL)
	v.SetDefault(keySpecNamespace, defaultSpecNamespace)
	v.SetDefault(keyOverlayFile, "")
	v.SetDefault(keyReconcileInterval, time.Duration(0))
	v.SetDefault(keyDownloadTimeout, defaultDownloadTimeout)
	v.SetDefault(keyMaxArtifactBytes, defaultMaxArtifactBytes)

	v.SetDefault(keyComposerURL, defaultComposerURL)
	v.SetDefault(keyComposerMode, ComposerSync)
	v.SetDefault(keyComposerTimeout, defaultComposerTimeout)

	v.SetDefault(keyKFPAPIURL, defaultKFPAPIURL)
	v.SetDefault(keyKFPUIURL, "")
	v.SetDefault(keyKFPToken, "")
	v.SetDefault(keyKFPExperiment, defaultKFPExperiment)
	v.SetDefault(keyKFPTimeout, defaultKFPTimeout)

	v.SetDefault(keyStorageEndpoint, "")
	v.SetDefault(keyStorageAccessKey, "")
	v.SetDefault(keyStorageSecretKey, "")
	v.SetDefault(keyStorageBucket, "gantry")
	v.SetDefault(keyStorageUseSSL, false)
	v.SetDefault(keyStorageLocalDir, defaultLocalDir)
	v.SetDefault(keyStorageLocalURL, defaultLocalURL)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
