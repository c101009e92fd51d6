// Package main implements entitycache, the command-line tool that inspects
// and maintains an offline entity cache: statistics, roots, pending
// changes, eviction, sync passes and blob sweeps.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/entitycache/config"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/mirror"
	"github.com/c360/entitycache/natsclient"
	"github.com/c360/entitycache/pkg/retry"
	"github.com/c360/entitycache/remote"
	"github.com/c360/entitycache/storage"
	"github.com/c360/entitycache/storage/filestore"
	"github.com/c360/entitycache/storage/objectstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "entitycache"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		slog.Error("entitycache failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	logger := setupLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cliCfg.Timeout)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	cmd := commands[cliCfg.Command]
	return cmd.run(ctx, app, cliCfg.Args, stdout)
}

// loadConfig loads the file at path over the defaults, or the defaults
// with environment overrides when path is empty
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app holds what a command works with
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	cache    *mirror.Cache
	nats     *natsclient.Client
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := metric.NewMetricsRegistry()
	a := &app{cfg: cfg, logger: logger, registry: registry}
	deps := mirror.Dependencies{Logger: logger, MetricsRegistry: registry}

	if cfg.Remote.Enabled {
		client, err := a.connect(ctx, registry)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Remote = client
	}

	blobs, err := a.blobStore(ctx, registry)
	if err != nil {
		a.close()
		return nil, err
	}
	deps.Blobs = blobs

	cache, err := mirror.Open(ctx, cfg, deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.cache = cache
	if a.nats != nil {
		a.watchRemote()
	}
	return a, nil
}

// connect opens the NATS connection and the remote client on it
func (a *app) connect(ctx context.Context, registry *metric.MetricsRegistry) (remote.Client, error) {
	rc := a.cfg.Remote
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(registry),
		natsclient.WithTimeout(rc.Timeout),
		natsclient.WithMaxReconnects(rc.MaxReconnects),
		natsclient.WithReconnectWait(rc.ReconnectWait),
	}
	if rc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(rc.Username, rc.Password))
	}
	if rc.Token != "" {
		opts = append(opts, natsclient.WithToken(rc.Token))
	}

	if rc.TLS.CertFile != "" {
		opts = append(opts, natsclient.WithTLS(rc.TLS.CertFile, rc.TLS.KeyFile, rc.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(rc.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	a.logger.Info("connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	deps := remote.Dependencies{
		Requester: client,
		Logger:    a.logger,
		Metrics:   registry.CoreMetrics(),
	}
	if rc.RateLimit > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(rc.RateLimit), max(rc.RateBurst, 1))
	}
	return remote.NewNATSClient(deps, rc.SubjectPrefix, retry.Config{
		MaxAttempts:  rc.Retry.MaxAttempts,
		InitialDelay: rc.Retry.InitialDelay,
		MaxDelay:     rc.Retry.MaxDelay,
		Multiplier:   2,
		AddJitter:    true,
	})
}

// watchRemote reports the NATS connection state to the cache monitor
func (a *app) watchRemote() {
	monitor := a.cache.Monitor()
	report := func(connected bool) {
		if connected {
			monitor.UpdateHealthy("remote", "connected")
		} else {
			monitor.UpdateUnhealthy("remote", "disconnected")
		}
	}
	report(a.nats.IsHealthy())
	a.nats.OnHealthChange(report)
}

func (a *app) blobStore(ctx context.Context, registry *metric.MetricsRegistry) (storage.Store, error) {
	switch a.cfg.Blobs.Backend {
	case config.BlobBackendFile:
		return filestore.New(a.cfg.Blobs.Dir)
	case config.BlobBackendObjectStore:
		osCfg := objectstore.DefaultConfig()
		osCfg.BucketName = a.cfg.Blobs.Bucket
		store, err := objectstore.NewStoreWithConfig(ctx, a.nats, osCfg, objectstore.Options{
			Logger:          a.logger,
			MetricsRegistry: registry,
		})
		if err != nil {
			return nil, fmt.Errorf("open blob bucket: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	default:
		return nil, nil
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Writer.StopTimeout+5*time.Second)
	defer cancel()
	if a.cache != nil {
		if err := a.cache.Close(ctx); err != nil {
			a.logger.Error("close cache", "error", err)
		}
	}
	for _, fn := range a.closers {
		fn()
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("close NATS connection", "error", err)
		}
	}
}
