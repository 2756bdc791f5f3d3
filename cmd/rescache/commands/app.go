package commands

import (
	_ "crypto/sha256" // register digest algorithms
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/meigma/rescache"
	"github.com/meigma/rescache/cache/disk"
	"github.com/meigma/rescache/internal/config"
	"github.com/meigma/rescache/internal/logging"
	"github.com/meigma/rescache/manifest"
	promMetrics "github.com/meigma/rescache/metrics/prometheus"
	rchttp "github.com/meigma/rescache/transport/http"
	"github.com/meigma/rescache/vfs"
)

// app is the wired runtime shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	set       *manifest.Set
	cache     *disk.Cache
	fetcher   *rchttp.Fetcher
	session   *rescache.Session
	ns        *vfs.Namespace
	registry  *prometheus.Registry
}

// newApp loads configuration from cfgPath and wires the devices.
func newApp(cfgPath string, progress rescache.ProgressFunc) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, logger, progress)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	a.logCloser = logCloser
	return a, nil
}

// wire builds the runtime from an already loaded configuration.
func wire(cfg *config.Config, logger *slog.Logger, progress rescache.ProgressFunc) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		set:      manifest.NewSet(),
		ns:       vfs.NewNamespace(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector())

	if err := a.set.LoadDir(cfg.Manifests.Dir); err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	c, err := disk.New(cfg.Cache.Dir,
		disk.WithMaxBytes(cfg.Cache.MaxBytes),
		disk.WithAlgorithm(digest.Algorithm(cfg.Cache.Algorithm)),
		disk.WithLogger(logger.With(slog.String("component", "cache"))),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.cache = c

	a.fetcher = rchttp.New(
		rchttp.WithClient(&nethttp.Client{Timeout: cfg.Fetch.Timeout}),
		rchttp.WithWorkers(cfg.Fetch.Workers),
		rchttp.WithUserAgent(cfg.Fetch.UserAgent),
		rchttp.WithCompression(cfg.Fetch.Compression),
		rchttp.WithLogger(logger.With(slog.String("component", "fetch"))),
	)

	state := rescache.MapState{}
	if cfg.Device.ConnectionToken != "" {
		state[rescache.StateConnectionToken] = cfg.Device.ConnectionToken
	}
	opts := []rescache.Option{
		rescache.WithStagingDir(cfg.Cache.StagingDir),
		rescache.WithHandles(cfg.Device.Handles),
		rescache.WithVerifyDigest(cfg.Device.VerifyDigest),
		rescache.WithTokenHeader(cfg.Fetch.TokenHeader),
		rescache.WithState(state),
		rescache.WithLogger(logger.With(slog.String("component", "device"))),
		rescache.WithMetrics(promMetrics.New(a.registry)),
	}
	if progress != nil {
		opts = append(opts, rescache.WithProgress(progress))
	}

	a.session, err = rescache.NewSession(a.set, a.cache, a.fetcher, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.session.Mount(a.ns); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close stops the fetcher and closes the cache index.
func (a *app) Close() error {
	var errs []error
	if a.session != nil {
		a.session.Unmount(a.ns)
	}
	if a.fetcher != nil {
		errs = append(errs, a.fetcher.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
