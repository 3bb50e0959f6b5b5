package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/config"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

func main() {
	if err := newApp(os.Stdout, os.Getenv).rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	out    io.Writer
	getenv func(string) string
	logger *logrus.Logger

	configPath string
	logLevel   string

	rootID        string
	rootKind      string
	token         string
	cacheDir      string
	cacheStrategy string
	cleanCache    bool
	skipMetadata  bool
	workers       int

	// newSource is replaced in tests.
	newSource func(cfg config.Config) (notion.Source, error)
}

func newApp(out io.Writer, getenv func(string) string) *app {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	a := &app{out: out, getenv: getenv, logger: logger}
	a.newSource = a.httpSource
	return a
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "notion-downloader",
		Short: "Mirror a Notion page or database tree to local files",
		Long: `notion-downloader walks a Notion page or database with all of its
nested pages, databases and blocks, keeps a local object cache so repeated
runs avoid refetching, and writes a JSON mirror that is only regenerated for
content edited since the last run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(a.logLevel)
			if err != nil {
				return err
			}
			a.logger.SetLevel(level)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", a.env("NOTION_DOWNLOADER_CONFIG"), "YAML config file")
	flags.StringVar(&a.logLevel, "log-level", envOr(a.env("NOTION_DOWNLOADER_LOG_LEVEL"), "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&a.rootID, "root-id", "", "root page or database id or URL")
	flags.StringVar(&a.rootKind, "root-kind", "", "root kind (page or database)")
	flags.StringVar(&a.token, "token", "", "Notion integration token (default NOTION_TOKEN)")
	flags.StringVar(&a.cacheDir, "cache-dir", "", "cache directory or backend DSN (file://, memory://, postgres://, badger://)")
	flags.StringVar(&a.cacheStrategy, "cache-strategy", "", "cache strategy (cache, no-cache, force-cache)")
	flags.BoolVar(&a.cleanCache, "clean-cache", false, "discard the cache before walking")
	flags.BoolVar(&a.skipMetadata, "skip-metadata", false, "do not retrieve page and database metadata not returned by listings")
	flags.IntVar(&a.workers, "workers", 0, "concurrent expansions (default 1)")

	root.AddCommand(a.pullCommand(), a.treeCommand(), a.cacheCommand())
	return root
}

func (a *app) env(name string) string {
	return strings.TrimSpace(a.getenv(name))
}

// resolveConfig layers environment defaults, the config file and flags that
// were set explicitly, in that order.
func (a *app) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(a.configPath, config.Defaults(a.getenv, a.logger))
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("root-id") {
		cfg.RootID = a.rootID
	}
	if flags.Changed("root-kind") {
		cfg.RootKind = a.rootKind
	}
	if flags.Changed("token") {
		cfg.Notion.Token = a.token
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Directory = a.cacheDir
	}
	if flags.Changed("cache-strategy") {
		cfg.Cache.Strategy = a.cacheStrategy
	}
	if flags.Changed("clean-cache") {
		cfg.Cache.Clean = a.cleanCache
	}
	if flags.Changed("skip-metadata") {
		cfg.SkipMetadata = a.skipMetadata
	}
	if flags.Changed("workers") {
		cfg.Workers = a.workers
	}
	return cfg, nil
}

func (a *app) httpSource(cfg config.Config) (notion.Source, error) {
	if strings.TrimSpace(cfg.Notion.Token) == "" {
		return nil, fmt.Errorf("token is required (--token or NOTION_TOKEN)")
	}
	return notion.NewHTTPClient(notion.ClientOptions{
		BaseURL:           cfg.Notion.BaseURL,
		TokenProvider:     notion.StaticToken(cfg.Notion.Token),
		HTTPClient:        &http.Client{Timeout: cfg.Notion.Timeout},
		APIVersion:        cfg.Notion.APIVersion,
		UserAgent:         "notion-downloader",
		RequestsPerSecond: cfg.RequestsPerSecond,
	}), nil
}

func envOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
