package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/config"
	"github.com/wolfeidau/artifact-mirror/credentials"
	"github.com/wolfeidau/artifact-mirror/fetch"
	"github.com/wolfeidau/artifact-mirror/job"
	"github.com/wolfeidau/artifact-mirror/logging"
	"github.com/wolfeidau/artifact-mirror/syncer"
	"github.com/wolfeidau/artifact-mirror/validate"
)

// app holds the components shared by commands. Fields are opened lazily so
// commands only touch the state they need.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Static

	closers []io.Closer
}

func openApp(g *Globals) (*app, error) {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configuring logging: %w", err)
	}
	cat, err := catalog.NewStatic(cfg.Mirrors, cfg.Sync.Defaults())
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("building catalog: %w", err)
	}
	return &app{cfg: cfg, logger: logger, catalog: cat, closers: []io.Closer{closer}}, nil
}

// Close releases everything opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (a *app) content() (*backend.Filesystem, error) {
	fs, err := backend.NewFilesystem(a.cfg.Storage.ContentDir())
	if err != nil {
		return nil, fmt.Errorf("opening content root: %w", err)
	}
	return fs, nil
}

func (a *app) cache() (*cache.Store, error) {
	fs, err := backend.NewFilesystem(a.cfg.Storage.CacheDir())
	if err != nil {
		return nil, fmt.Errorf("opening cache dir: %w", err)
	}
	c, err := cache.New(backend.NewInstrumentedBackend(fs, "cache"),
		cache.WithLogger(a.logger),
		cache.WithDefaultTTL(a.cfg.Cache.DefaultTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	a.closers = append(a.closers, c)
	return c, nil
}

func (a *app) jobs() (job.Store, error) {
	opts := []job.StoreOption{job.WithStoreLogger(a.logger)}

	var (
		store job.Store
		err   error
	)
	switch a.cfg.Storage.JobStore {
	case config.DriverSQLite, config.DriverPostgres:
		store, err = job.OpenSQLStore(job.SQLConfig{
			Driver: a.cfg.Storage.JobStore,
			DSN:    a.cfg.Storage.SQLDSN(),
		}, opts...)
	default:
		if err := os.MkdirAll(a.cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		store, err = job.OpenBoltStore(a.cfg.Storage.BoltPath(), opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	a.closers = append(a.closers, closerFunc(store.Close))
	return store, nil
}

// executor wires fetchers for http, https and s3 URLs to the validator and
// the content root.
func (a *app) executor(ctx context.Context, content *backend.Filesystem) (*syncer.Executor, error) {
	var creds *credentials.Credentials
	if path := a.cfg.Sync.CredentialsFile; path != "" {
		c, err := credentials.NewResolver(credentials.WithLogger(a.logger)).ResolveFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		creds = c
	}

	httpFetcher := fetch.NewHTTP(
		fetch.WithLogger(a.logger),
		fetch.WithInsecureSkipVerify(a.cfg.Sync.InsecureSkipVerify),
		fetch.WithCredentials(creds),
	)
	mux := fetch.NewMux()
	mux.Handle("http", httpFetcher)
	mux.Handle("https", httpFetcher)

	s3cfg := fetch.S3Config{Endpoint: a.cfg.Sync.S3.Endpoint, Region: a.cfg.Sync.S3.Region}
	if creds != nil {
		s3cfg.Credentials = creds.S3
	}
	s3Fetcher, err := fetch.NewS3(ctx, s3cfg, a.logger)
	if err != nil {
		a.logger.Warn("s3 origins disabled", "error", err)
	} else {
		mux.Handle("s3", s3Fetcher)
	}

	return syncer.New(mux,
		validate.New(validate.WithLogger(a.logger)),
		backend.NewInstrumentedBackend(content, "content"),
		syncer.WithLogger(a.logger),
	), nil
}

// runner builds a job runner over store.
func (a *app) runner(ctx context.Context, store job.Store) (*job.Runner, error) {
	content, err := a.content()
	if err != nil {
		return nil, err
	}
	exec, err := a.executor(ctx, content)
	if err != nil {
		return nil, err
	}
	return job.NewRunner(store, a.catalog, exec,
		job.WithLogger(a.logger),
		job.WithLease(a.cfg.Sync.Lease),
		job.WithIdentity(a.cfg.Sync.Identity),
	), nil
}
