package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/gantry/internal/api"
	"github.com/seantiz/gantry/internal/archiver"
	"github.com/seantiz/gantry/internal/composer"
	"github.com/seantiz/gantry/internal/config"
	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/kfp"
	"github.com/seantiz/gantry/internal/locator"
	"github.com/seantiz/gantry/internal/objstore"
	"github.com/seantiz/gantry/internal/pipeline"
	"github.com/seantiz/gantry/internal/store"
)

// Registered object store names.
const (
	storeS3    = "s3"
	storeLocal = "local"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("gantry: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"composer_mode", cfg.Composer.Mode,
		"kfp_api_url", cfg.KFP.APIURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	stores, local, err := openObjectStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	primary := storeLocal
	fallback := ""
	if cfg.Storage.Endpoint != "" {
		primary, fallback = storeS3, storeLocal
	}
	specs, err := stores.Get(primary)
	if err != nil {
		return err
	}

	overlay, err := pipeline.LoadOverlay(cfg.OverlayFile)
	if err != nil {
		return err
	}

	kfpClient := kfp.NewHTTPClient(cfg.KFP.APIURL, cfg.KFP.Token, cfg.KFP.Timeout)
	loc := locator.New(cfg.KFP.UIURL, logger,
		&locator.EngineSource{Client: kfpClient},
		locator.NewRESTSource(cfg.KFP.APIURL, cfg.KFP.Token, cfg.KFP.Timeout),
	)
	arch, err := archiver.New(loc, stores, db, archiver.Config{
		Primary:          primary,
		Fallback:         fallback,
		DownloadTimeout:  cfg.DownloadTimeout,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
		EngineHost:       cfg.KFP.APIURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}

	workflows := engine.NewWorkflows(db, specs,
		composer.NewHTTPClient(cfg.Composer.URL, cfg.Composer.Timeout),
		overlay,
		engine.WorkflowConfig{
			CallbackBaseURL: cfg.CallbackBaseURL,
			Namespace:       cfg.SpecNamespace,
			Async:           cfg.Composer.Mode == config.ComposerAsync,
		}, logger)
	runs := engine.NewRuns(db, specs, kfpClient, arch, engine.NewStatusBroker(), engine.RunConfig{
		Experiment: cfg.KFP.Experiment,
		UIBaseURL:  cfg.KFP.UIURL,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.ReconcileInterval > 0 {
		rec := engine.NewReconciler(runs, cfg.ReconcileInterval, logger)
		rec.Start(ctx)
		defer func() {
			cancel()
			rec.Wait()
		}()
	}

	srv := api.NewServer(cfg.ListenAddr, db, workflows, runs, logger)
	srv.MountObjects(local.Root())

	return srv.Run()
}

// openObjectStores registers the local filesystem store and, when an
// endpoint is configured, the S3-compatible one.
func openObjectStores(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*objstore.Registry, *objstore.LocalStore, error) {
	reg := objstore.NewRegistry()

	local, err := objstore.NewLocalStore(cfg.LocalDir, cfg.LocalURL)
	if err != nil {
		return nil, nil, err
	}
	reg.Register(storeLocal, local)

	if cfg.Endpoint != "" {
		s3, err := objstore.NewS3Store(ctx, objstore.S3Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 store: %w", err)
		}
		reg.Register(storeS3, s3)
	}

	logger.Info("object stores ready", "stores", reg.Names())
	return reg, local, nil
}
