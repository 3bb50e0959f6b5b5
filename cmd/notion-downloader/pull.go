package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/config"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/filesmap"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/mirror"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/walker"
)

type pullFlags struct {
	outputDir      string
	ledgerFile     string
	skipAssets     bool
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	metricsAddr    string
	watch          bool
}

func (a *app) pullCommand() *cobra.Command {
	var f pullFlags
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Walk the root and mirror it to the output directory",
		Long: `pull discovers every object below the root, writes one JSON file per page
and database, downloads image, file, video, pdf and audio blocks, and records
what it wrote in the ledger. With --interval it keeps pulling until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pull(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.outputDir, "output-dir", "", "mirror output directory")
	flags.StringVar(&f.ledgerFile, "ledger-file", "", "ledger file; relative paths are inside the output directory")
	flags.BoolVar(&f.skipAssets, "skip-assets", false, "do not download asset blocks")
	flags.DurationVar(&f.interval, "interval", durationEnv(a.getenv, a.logger, "NOTION_DOWNLOADER_INTERVAL", 0), "pull repeatedly at this interval (0 pulls once)")
	flags.Float64Var(&f.intervalJitter, "interval-jitter", floatEnv(a.getenv, a.logger, "NOTION_DOWNLOADER_INTERVAL_JITTER", 0.2), "interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&f.timeout, "timeout", durationEnv(a.getenv, a.logger, "NOTION_DOWNLOADER_PULL_TIMEOUT", 0), "per-pull timeout (0 disables)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", a.env("NOTION_DOWNLOADER_METRICS_ADDR"), "serve Prometheus metrics on this address")
	flags.BoolVar(&f.watch, "watch-config", true, "pull again when the config file changes (with --interval)")
	return cmd
}

func (a *app) pullConfig(cmd *cobra.Command, f pullFlags) (config.Config, error) {
	cfg, err := a.resolveConfig(cmd)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if flags.Changed("ledger-file") {
		cfg.LedgerFile = f.ledgerFile
	}
	if flags.Changed("skip-assets") {
		cfg.SkipAssets = f.skipAssets
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) pull(cmd *cobra.Command, f pullFlags) error {
	cfg, err := a.pullConfig(cmd, f)
	if err != nil {
		return err
	}
	// Validated before any network or cache I/O.
	source, err := a.newSource(cfg)
	if err != nil {
		return err
	}

	var metrics *walker.Metrics
	if f.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = walker.NewMetrics(registry)
		stopMetrics := a.serveMetrics(f.metricsAddr, registry)
		defer stopMetrics()
	}

	if f.interval <= 0 {
		return a.pullOnce(cmd.Context(), cfg, source, metrics, f.timeout)
	}

	rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reloads <-chan struct{}
	if f.watch && a.configPath != "" {
		ch, closeWatcher, err := a.watchConfig(rootCtx, a.configPath)
		if err != nil {
			a.logger.WithError(err).Warn("config watch disabled")
		} else {
			defer closeWatcher()
			reloads = ch
		}
	}

	run := func() {
		if err := a.pullOnce(rootCtx, cfg, source, metrics, f.timeout); err != nil {
			a.logger.WithError(err).Error("pull cycle failed")
		}
	}

	run()
	jitter := clampJitterRatio(f.intervalJitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(f.interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			a.logger.Infof("pull loop stopping: %v", rootCtx.Err())
			return nil
		case <-reloads:
			next, err := a.pullConfig(cmd, f)
			if err != nil {
				a.logger.WithError(err).Warn("config reload failed, keeping previous config")
				continue
			}
			nextSource, err := a.newSource(next)
			if err != nil {
				a.logger.WithError(err).Warn("config reload failed, keeping previous config")
				continue
			}
			a.logger.Info("config reloaded")
			cfg, source = next, nextSource
			run()
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(f.interval, jitter, rng.Float64()))
		}
	}
}

// pullOnce runs one discover and mirror cycle. The ledger is saved even when
// mirroring stops partway so files already written stay tracked.
func (a *app) pullOnce(ctx context.Context, cfg config.Config, source notion.Source, metrics *walker.Metrics, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := a.logger.WithFields(logrus.Fields{
		"root":     cfg.RootID,
		"kind":     cfg.RootKind,
		"strategy": cfg.Cache.Strategy,
	})

	tree, err := walker.Discover(ctx, source, cfg.RootID, notion.ObjectKind(cfg.RootKind), walker.Options{
		Cache:        cfg.CacheOptions(),
		SkipMetadata: cfg.SkipMetadata,
		Workers:      cfg.Workers,
		Logger:       log,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	ledgerPath := ledgerPath(cfg)
	ledger, err := filesmap.Load(ledgerPath)
	if err != nil {
		return err
	}
	result, runErr := mirror.Run(ctx, tree, mirror.Options{
		OutputDir:  cfg.OutputDir,
		Ledger:     ledger,
		SkipAssets: cfg.SkipAssets,
		Logger:     log,
	})
	if err := ledger.Save(ledgerPath); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	log.WithFields(logrus.Fields{
		"nodes":   tree.Len(),
		"written": result.Written,
		"skipped": result.Skipped,
		"pruned":  result.Pruned,
		"assets":  result.Assets,
	}).Info("pull completed")
	return nil
}

func ledgerPath(cfg config.Config) string {
	if filepath.IsAbs(cfg.LedgerFile) {
		return cfg.LedgerFile
	}
	return filepath.Join(cfg.OutputDir, cfg.LedgerFile)
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Infof("metrics listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// watchConfig signals on the returned channel when the config file is
// written or replaced. Editors that save by rename are handled by watching
// the parent directory.
func (a *app) watchConfig(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.WithError(err).Warn("config watch error")
			}
		}
	}()
	return out, func() { _ = watcher.Close() }, nil
}
